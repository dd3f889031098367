// Package api implements the HTTP REST API and WebSocket server for Gray Logic Hub.
//
// This package provides:
//   - REST endpoints over the state store, events, services and history
//   - Automation and scene control endpoints
//   - A WebSocket endpoint with event subscriptions backed by the
//     subscription registry
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - /health and the Prometheus /metrics endpoint
//
// # Architecture
//
//	client ──HTTP──▶ chi router ──▶ core.Store / service.Registry
//	                            ──▶ recorder (history, logbook, statistics)
//	                            ──▶ automation.Engine / scene.Engine
//
//	client ◀──WS─── WSClient ◀── subscription.Subscriber ◀── event bus
//
// The REST surface is thin: every mutation goes through the same store and
// service registry the automation engine uses, so events and contexts look
// the same whichever side caused them.
//
// # Graceful Degradation
//
// The recorder, automation engine, scene engine and MQTT client are
// optional. Endpoints that need a missing component answer 503.
package api
