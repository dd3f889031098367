// Package logging provides structured logging for Gray Logic Hub.
//
// This package wraps Go's standard log/slog package so every component
// (state store, recorder, automation engine, bridges) logs with the same
// shape and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	engineLog := logger.Component("automation")
//	engineLog.Info("automation triggered", "entity_id", "automation.porch_light")
//
// Never log secrets, tokens, or passwords.
package logging
