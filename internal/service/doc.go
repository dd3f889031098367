// Package service dispatches service calls ("light.turn_on", "lock.unlock")
// to handlers that write the state store.
//
// Every call resolves its target entities from the union of the payload's
// entity_id and target.entity_id keys and fires a call_service event before
// the handler runs. Calls with no registered handler fall back to a generic
// turn_on/turn_off/toggle handler; any other unknown service is a no-op
// success.
package service
