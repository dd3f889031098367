package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types published by the hub.
const (
	EventStateChanged         = "state_changed"
	EventCallService          = "call_service"
	EventAutomationTriggered  = "automation_triggered"
	EventAutomationReloaded   = "automation_reloaded"
	EventSceneActivated       = "scene_activated"
	EventHomeAssistantStarted = "homeassistant_started"
)

// StateUnknown is the state given to entities created without one.
const StateUnknown = "unknown"

// Attributes is an entity's attribute map. Values are JSON-compatible:
// nil, bool, float64, string, []any or map[string]any. JSON output has
// keys in sorted order.
type Attributes map[string]any

// Context correlates a mutation with whatever caused it.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// NewContext allocates a context with a fresh time-ordered id.
func NewContext(parentID, userID string) Context {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Context{ID: id.String(), ParentID: parentID, UserID: userID}
}

// Entity is one record in the state store.
type Entity struct {
	EntityID     string     `json:"entity_id"`
	State        string     `json:"state"`
	Attributes   Attributes `json:"attributes"`
	Context      Context    `json:"context"`
	LastChanged  time.Time  `json:"last_changed"`
	LastUpdated  time.Time  `json:"last_updated"`
	LastReported time.Time  `json:"last_reported"`
}

// Domain returns the part of the entity id before the dot.
func (e *Entity) Domain() string {
	domain, _, _ := SplitEntityID(e.EntityID)
	return domain
}

// ObjectID returns the part of the entity id after the dot.
func (e *Entity) ObjectID() string {
	_, object, _ := SplitEntityID(e.EntityID)
	return object
}

// Name returns the friendly_name attribute, or the entity id.
func (e *Entity) Name() string {
	if name, ok := e.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return e.EntityID
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Attributes = copyAttributes(e.Attributes)
	return &c
}

// SplitEntityID splits "light.kitchen" into ("light", "kitchen").
func SplitEntityID(entityID string) (domain, objectID string, ok bool) {
	domain, objectID, ok = strings.Cut(entityID, ".")
	return domain, objectID, ok
}

// Event is an immutable notification delivered to bus sinks.
//
// Data is a StateChangedData for state_changed events and a
// map[string]any for everything else.
type Event struct {
	EventType string    `json:"event_type"`
	Data      any       `json:"data"`
	Origin    string    `json:"origin"`
	TimeFired time.Time `json:"time_fired"`
	Context   Context   `json:"context"`
}

// StateChangedData is the payload of a state_changed event. OldState is
// nil on creation and NewState is nil on deletion.
type StateChangedData struct {
	EntityID string  `json:"entity_id"`
	OldState *Entity `json:"old_state"`
	NewState *Entity `json:"new_state"`
}

// StateChange returns the payload of a state_changed event.
func (e Event) StateChange() (StateChangedData, bool) {
	data, ok := e.Data.(StateChangedData)
	return data, ok
}

// EntityID returns the entity a state_changed event refers to, or "".
func (e Event) EntityID() string {
	if data, ok := e.StateChange(); ok {
		return data.EntityID
	}
	if m, ok := e.Data.(map[string]any); ok {
		if id, ok := m["entity_id"].(string); ok {
			return id
		}
	}
	return ""
}

// DataMap returns the event data as a generic map, for matching and
// templates.
func (e Event) DataMap() map[string]any {
	switch data := e.Data.(type) {
	case StateChangedData:
		return map[string]any{
			"entity_id": data.EntityID,
			"old_state": data.OldState,
			"new_state": data.NewState,
		}
	case map[string]any:
		return data
	default:
		return map[string]any{}
	}
}

func copyAttributes(attrs Attributes) Attributes {
	if attrs == nil {
		return Attributes{}
	}
	out := make(Attributes, len(attrs))
	for k, v := range attrs {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}
