// Package scene provides the scene engine for Gray Logic Hub.
//
// A scene is a named bundle of per-entity state and attribute overlays.
// Activating a scene writes every bundle to the state store in Merge mode:
// attributes named in the bundle overwrite the same keys, everything else
// on the entity is left untouched.
//
// Architecture:
//
//	┌───────────────────────────────────────────────────────┐
//	│                  Engine (engine.go)                    │
//	│  ┌──────────────┐    ┌──────────────┐                 │
//	│  │   Registry   │◀───│  scenes.yaml │                 │
//	│  │(registry.go) │    │ (loader.go)  │                 │
//	│  └──────────────┘    └──────────────┘                 │
//	│        │                                               │
//	│        ▼                                               │
//	│  ┌──────────────────────────────────────────────┐     │
//	│  │  Activation                                   │     │
//	│  │  1. Load scene (cached deep copy)             │     │
//	│  │  2. Merge-write each entity bundle            │     │
//	│  │  3. Stamp scene.<id> with activation time     │     │
//	│  │  4. Fire scene_activated                      │     │
//	│  └──────────────────────────────────────────────┘     │
//	└───────────────────────────────────────────────────────┘
//
// The scene.turn_on service and the automation scene action both end up in
// Engine.Activate.
//
// # Usage
//
//	registry := scene.NewRegistry()
//	engine := scene.NewEngine(registry, store)
//	if err := engine.LoadFile(cfg.Scenes.File); err != nil {
//	    return err
//	}
//	engine.RegisterServices(services)
//
//	changed, err := engine.Activate(ctx, "movie_night", core.Context{})
package scene
