package automation

import (
	"fmt"
	"reflect"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// triggerRef points at one trigger of one automation.
type triggerRef struct {
	automationID string
	index        int
}

// arena is an immutable snapshot of loaded definitions with their trigger
// indexes. A reload builds a new arena and swaps it in whole.
type arena struct {
	defs     map[string]*Automation
	order    []string
	byEntity map[string]string
	byState  map[string][]triggerRef
	byEvent  map[string][]triggerRef
	timed    []triggerRef
}

func buildArena(defs []*Automation) (*arena, error) {
	a := &arena{
		defs:     make(map[string]*Automation, len(defs)),
		byEntity: make(map[string]string, len(defs)),
		byState:  make(map[string][]triggerRef),
		byEvent:  make(map[string][]triggerRef),
	}

	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalidAutomation)
		}
		if _, dup := a.defs[def.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidAutomation, def.ID)
		}
		if !def.Mode.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidAutomation, def.ID, def.Mode)
		}
		if len(def.Actions) == 0 {
			return nil, fmt.Errorf("%w: %s: no actions", ErrInvalidAutomation, def.ID)
		}
		if def.Max < 1 {
			def.Max = 1
		}

		def.entityID = a.uniqueEntityID(def)
		a.defs[def.ID] = def
		a.order = append(a.order, def.ID)
		a.byEntity[def.entityID] = def.ID

		for i, t := range def.Triggers {
			ref := triggerRef{automationID: def.ID, index: i}
			switch trig := t.(type) {
			case *StateTrigger:
				for _, id := range trig.EntityIDs {
					a.byState[id] = append(a.byState[id], ref)
				}
			case *EventTrigger:
				a.byEvent[trig.EventType] = append(a.byEvent[trig.EventType], ref)
			case *TimeTrigger, *SunTrigger:
				a.timed = append(a.timed, ref)
			}
		}
	}
	return a, nil
}

// uniqueEntityID slugs the alias (or id) into automation.<slug>, adding a
// numeric suffix on collision.
func (a *arena) uniqueEntityID(def *Automation) string {
	slug := core.Slugify(def.Name())
	if slug == "" {
		slug = "automation"
	}
	base := Domain + "." + slug
	id := base
	for n := 2; ; n++ {
		if _, taken := a.byEntity[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

func (a *arena) trigger(ref triggerRef) (*Automation, Trigger, bool) {
	def, ok := a.defs[ref.automationID]
	if !ok || ref.index >= len(def.Triggers) {
		return nil, nil, false
	}
	return def, def.Triggers[ref.index], true
}

// ─── Matching ──────────────────────────────────────────────────────

// matchState decides whether a state_changed payload fires t. Without
// from/to any change of state or attributes fires; with them the state
// string itself must change. Deletions never fire.
func matchState(t *StateTrigger, data core.StateChangedData) bool {
	oldS, newS := data.OldState, data.NewState
	if newS == nil {
		return false
	}

	if len(t.From) == 0 && len(t.To) == 0 {
		return oldS == nil || oldS.State != newS.State || !reflect.DeepEqual(oldS.Attributes, newS.Attributes)
	}

	if oldS != nil && oldS.State == newS.State {
		return false
	}
	if len(t.To) > 0 && !contains(t.To, newS.State) {
		return false
	}
	if len(t.From) > 0 && (oldS == nil || !contains(t.From, oldS.State)) {
		return false
	}
	return true
}

func matchEvent(t *EventTrigger, ev core.Event) bool {
	if ev.EventType != t.EventType {
		return false
	}
	return subsetMatch(t.EventData, ev.DataMap())
}

// ─── Trigger variables ─────────────────────────────────────────────

// entityVars exposes an entity to templates with lowercase keys.
func entityVars(ent *core.Entity) map[string]any {
	if ent == nil {
		return nil
	}
	return map[string]any{
		"entity_id":     ent.EntityID,
		"state":         ent.State,
		"attributes":    map[string]any(ent.Attributes),
		"last_changed":  ent.LastChanged,
		"last_updated":  ent.LastUpdated,
		"last_reported": ent.LastReported,
		"context":       map[string]any{"id": ent.Context.ID},
	}
}

func stateTriggerVars(t *StateTrigger, data core.StateChangedData) map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"platform":   t.Platform(),
			"id":         t.ID,
			"entity_id":  data.EntityID,
			"from_state": entityVars(data.OldState),
			"to_state":   entityVars(data.NewState),
		},
	}
}

func eventTriggerVars(t *EventTrigger, ev core.Event) map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"platform": t.Platform(),
			"id":       t.ID,
			"event": map[string]any{
				"event_type": ev.EventType,
				"data":       ev.DataMap(),
				"time_fired": ev.TimeFired,
				"context":    map[string]any{"id": ev.Context.ID},
			},
		},
	}
}

func timedTriggerVars(t Trigger, at time.Time) map[string]any {
	vars := map[string]any{
		"platform": t.Platform(),
		"id":       t.TriggerID(),
		"now":      at,
	}
	if sun, ok := t.(*SunTrigger); ok {
		vars["event"] = sun.Event
		vars["offset"] = sun.Offset.String()
	}
	return map[string]any{"trigger": vars}
}

func manualTriggerVars() map[string]any {
	return map[string]any{"trigger": map[string]any{"platform": nil}}
}

// describe renders a short trigger description for automation_triggered.
func describe(vars map[string]any) string {
	trig, _ := vars["trigger"].(map[string]any)
	switch trig["platform"] {
	case "state":
		return fmt.Sprintf("state of %v", trig["entity_id"])
	case "event":
		ev, _ := trig["event"].(map[string]any)
		return fmt.Sprintf("event %v", ev["event_type"])
	case "time":
		return "time"
	case "sun":
		return fmt.Sprintf("%v", trig["event"])
	default:
		return "manual"
	}
}
