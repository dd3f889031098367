// Package automation provides the rule engine for Gray Logic Hub.
//
// An automation is a list of triggers, a condition gate and an ordered
// action sequence. Definitions are loaded from YAML into an immutable
// arena; the only mutable per-automation data (enabled, total_triggers,
// last_triggered and the live run count) sits in a separate runtime table.
//
// Architecture:
//
//	  state_changed / custom events            clock
//	            │                                │
//	            ▼                                ▼
//	┌───────────────────────┐        ┌───────────────────────┐
//	│ HandleEvent (bus sink)│        │ scheduler (time, sun) │
//	│ trigger index lookup  │        │ next-fire timer       │
//	└───────────┬───────────┘        └───────────┬───────────┘
//	            └──────────────┬─────────────────┘
//	                           ▼
//	              enabled gate ─▶ condition gate
//	                           │
//	                           ▼
//	          runner (single | restart | queued | parallel)
//	                           │
//	                           ▼
//	      actions: service, delay, repeat, choose, scene, event
//
// Every run executes on its own goroutine, so a long delay never holds up
// the event bus or another automation. automation.trigger bypasses trigger
// matching and the enabled gate; whether it also skips conditions is a
// configuration choice.
//
// # Usage
//
//	engine := automation.NewEngine(store, services, templates, automation.Options{
//	    File:                      cfg.Automation.File,
//	    ForceTriggerSkipCondition: cfg.Automation.ForceTriggerSkipCondition,
//	    MaxRuns:                   cfg.Automation.MaxRuns,
//	})
//	engine.RegisterServices(services)
//	if err := engine.LoadFile(cfg.Automation.File); err != nil {
//	    return err
//	}
//	unregister, _ := bus.Register("automation", 0, engine)
//	engine.Start(ctx)
package automation
