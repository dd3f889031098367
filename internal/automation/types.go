package automation

import "time"

// Domain is the entity domain of automation entities.
const Domain = "automation"

// Mode decides what happens when an automation triggers while a run is
// still in progress.
type Mode string

const (
	// ModeSingle ignores new triggers while running.
	ModeSingle Mode = "single"
	// ModeRestart cancels the running run and starts again.
	ModeRestart Mode = "restart"
	// ModeQueued runs triggers one after another, up to Max waiting.
	ModeQueued Mode = "queued"
	// ModeParallel runs up to Max runs at once.
	ModeParallel Mode = "parallel"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModeRestart, ModeQueued, ModeParallel:
		return true
	}
	return false
}

// Automation is one immutable rule definition.
type Automation struct {
	ID          string
	Alias       string
	Description string
	Mode        Mode
	Max         int

	// InitialState forces the enabled flag on load. nil keeps the previous
	// value across reloads and defaults to enabled.
	InitialState *bool

	Triggers   []Trigger
	Conditions []Condition
	Actions    []Action

	entityID string
}

// EntityID returns the id of the automation's on/off entity.
func (a *Automation) EntityID() string {
	return a.entityID
}

// Name returns the alias, or the ID when no alias is set.
func (a *Automation) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.ID
}

// ─── Triggers ──────────────────────────────────────────────────────

// Trigger is one of *StateTrigger, *EventTrigger, *TimeTrigger or
// *SunTrigger.
type Trigger interface {
	Platform() string
	TriggerID() string
}

// StateTrigger fires when one of EntityIDs changes. From and To, when set,
// restrict the old and new state strings.
type StateTrigger struct {
	ID        string
	EntityIDs []string
	From      []string
	To        []string
}

// EventTrigger fires on events of EventType whose data contains EventData.
type EventTrigger struct {
	ID        string
	EventType string
	EventData map[string]any
}

// TimeOfDay is a wall clock time in the site time zone.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// TimeTrigger fires daily at each of At.
type TimeTrigger struct {
	ID string
	At []TimeOfDay
}

// Sun events.
const (
	SunEventSunrise = "sunrise"
	SunEventSunset  = "sunset"
)

// SunTrigger fires at sunrise or sunset shifted by Offset.
type SunTrigger struct {
	ID     string
	Event  string
	Offset time.Duration
}

func (t *StateTrigger) Platform() string { return "state" }
func (t *EventTrigger) Platform() string { return "event" }
func (t *TimeTrigger) Platform() string  { return "time" }
func (t *SunTrigger) Platform() string   { return "sun" }

func (t *StateTrigger) TriggerID() string { return t.ID }
func (t *EventTrigger) TriggerID() string { return t.ID }
func (t *TimeTrigger) TriggerID() string  { return t.ID }
func (t *SunTrigger) TriggerID() string   { return t.ID }

// ─── Conditions ────────────────────────────────────────────────────

// Condition is one of *StateCondition, *NumericStateCondition,
// *AndCondition, *OrCondition, *NotCondition or *TemplateCondition.
type Condition interface {
	Kind() string
}

// StateCondition holds when every entity's state (or Attribute) equals one
// of States.
type StateCondition struct {
	EntityIDs []string
	States    []string
	Attribute string
}

// NumericStateCondition holds when every entity's value is strictly above
// Above and strictly below Below. A nil bound is not checked.
type NumericStateCondition struct {
	EntityIDs []string
	Attribute string
	Above     *float64
	Below     *float64
}

// AndCondition holds when all of Conditions hold.
type AndCondition struct {
	Conditions []Condition
}

// OrCondition holds when any of Conditions holds.
type OrCondition struct {
	Conditions []Condition
}

// NotCondition holds when none of Conditions holds.
type NotCondition struct {
	Conditions []Condition
}

// TemplateCondition holds when ValueTemplate renders truthy.
type TemplateCondition struct {
	ValueTemplate string
}

func (*StateCondition) Kind() string        { return "state" }
func (*NumericStateCondition) Kind() string { return "numeric_state" }
func (*AndCondition) Kind() string          { return "and" }
func (*OrCondition) Kind() string           { return "or" }
func (*NotCondition) Kind() string          { return "not" }
func (*TemplateCondition) Kind() string     { return "template" }

// ─── Actions ───────────────────────────────────────────────────────

// Action is one of *ServiceAction, *DelayAction, *RepeatAction,
// *ChooseAction, *SceneAction or *EventAction.
type Action interface {
	Kind() string
}

// ServiceAction calls Domain.Service. Data may hold entity_id and target
// keys; string values containing templates are rendered per run.
type ServiceAction struct {
	Domain  string
	Service string
	Data    map[string]any
}

// DelayAction suspends the run. Template, when set, is rendered per run
// and parsed as a duration instead of Duration.
type DelayAction struct {
	Duration time.Duration
	Template string
}

// RepeatAction runs Sequence Count times.
type RepeatAction struct {
	Count    int
	Sequence []Action
}

// ChooseOption is one branch of a ChooseAction.
type ChooseOption struct {
	Conditions []Condition
	Sequence   []Action
}

// ChooseAction runs the first option whose conditions hold, else Default.
type ChooseAction struct {
	Options []ChooseOption
	Default []Action
}

// SceneAction activates a scene entity.
type SceneAction struct {
	EntityID string
}

// EventAction fires a custom event.
type EventAction struct {
	EventType string
	EventData map[string]any
}

func (*ServiceAction) Kind() string { return "service" }
func (*DelayAction) Kind() string   { return "delay" }
func (*RepeatAction) Kind() string  { return "repeat" }
func (*ChooseAction) Kind() string  { return "choose" }
func (*SceneAction) Kind() string   { return "scene" }
func (*EventAction) Kind() string   { return "event" }
