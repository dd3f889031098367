// Package statestream mirrors the State Store onto MQTT and lets devices
// write back through it.
//
// Outbound, every state_changed event is published retained as the
// entity's JSON to <prefix>/state/<domain>/<object_id>; a removal clears
// the retained message with an empty payload. Inbound, a message on
// <prefix>/set/<domain>/<object_id> shaped as
//
//	{"state": "on", "attributes": {"brightness": 128}}
//
// becomes a Replace write to the State Store, so it produces the same
// state_changed event as any other write.
//
//	bus ──► Bridge.HandleEvent ──► mqtt publish (retained)
//	mqtt set topic ──► Bridge.handleSet ──► Store.Write
package statestream
