// Package recorder persists entity history and derives the logbook and
// hourly statistics from it.
//
// The Recorder is an event bus sink. Every state_changed event becomes one
// immutable history row, including writes that repeat the previous value.
// Rows are buffered and committed in batches on a short flush window so the
// write path never waits for SQLite.
//
//	state_changed ──► HandleEvent ──► pending ──(flush window)──► SQLite
//	                                                    │
//	                                    states rows ◄───┴───► statistics upsert
//
// # Views
//
//   - History: every row, ascending by report time.
//   - Logbook: History with immediately repeated states of the same entity
//     collapsed (on,on,on,off → on,off).
//   - Statistics: hourly {count, min, max, mean} for numeric states.
//
// # Durability
//
// A failed flush keeps its rows pending and retries on the next tick. The
// pending buffer is bounded; beyond it the oldest rows are dropped with a
// warning. Rows still pending when the process dies are lost.
package recorder
