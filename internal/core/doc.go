// Package core holds the hub's live state: entities, the state store that
// mutates them and the event bus that fans every mutation out.
//
// # Architecture
//
//	 writers (API, bridges, scenes, automations)
//	              │
//	              ▼
//	┌──────────────────────────┐
//	│          Store           │  per-entity shard locks
//	│  Write / Delete / Fire   │  timestamps + context ids
//	└────────────┬─────────────┘
//	             │ Publish (under the shard lock)
//	             ▼
//	┌──────────────────────────┐
//	│           Bus            │  one bounded queue + worker per sink
//	└──┬──────────┬─────────┬──┘
//	   ▼          ▼         ▼
//	recorder  subscriptions  automations
//
// Publishing while the shard lock is held is what gives each sink the
// writes of one entity in the order they were applied. The bus never
// blocks: a full sink queue drops the event for that sink only.
//
// # Timestamps
//
// Every accepted write advances last_reported. last_updated advances only
// when the state string or the serialised attributes differ, last_changed
// only when the state string differs. Timestamps never move backwards for
// an entity even if the wall clock does.
//
// # Thread Safety
//
// Store and Bus are safe for concurrent use. Entities handed out by the
// store are copies; entities carried inside events are shared between
// sinks and must be treated as read-only.
package core
