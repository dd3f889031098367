package automation

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/service"
)

// ReadFile loads automation definitions from a YAML file.
func ReadFile(path string, defaultMax int) ([]*Automation, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("reading automations file: %w", err)
	}
	return Parse(data, defaultMax)
}

// Parse decodes a YAML list of automations. Both singular and plural keys
// are accepted (trigger/triggers, condition/conditions, action/actions),
// as is "trigger:" in place of "platform:" inside a trigger.
func Parse(data []byte, defaultMax int) ([]*Automation, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing automations: %w", err)
	}
	if defaultMax <= 0 {
		defaultMax = 10
	}

	defs := make([]*Automation, 0, len(raw))
	for i, item := range raw {
		def, err := parseAutomation(item, defaultMax)
		if err != nil {
			return nil, fmt.Errorf("automation %d: %w", i, err)
		}
		if def.ID == "" {
			def.ID = strconv.Itoa(i + 1)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseAutomation(m map[string]any, defaultMax int) (*Automation, error) {
	def := &Automation{
		ID:          str(m["id"]),
		Alias:       str(m["alias"]),
		Description: str(m["description"]),
		Mode:        ModeSingle,
		Max:         defaultMax,
	}
	if def.ID == "" && def.Alias != "" {
		def.ID = core.Slugify(def.Alias)
	}
	if mode := str(m["mode"]); mode != "" {
		def.Mode = Mode(mode)
		if !def.Mode.Valid() {
			return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidAutomation, mode)
		}
	}
	if v, ok := m["max"]; ok {
		n, ok := toInt(v)
		if !ok || n < 1 {
			return nil, fmt.Errorf("%w: max must be a positive integer", ErrInvalidAutomation)
		}
		def.Max = n
	}
	if v, ok := m["initial_state"].(bool); ok {
		def.InitialState = &v
	}

	for _, item := range list(first(m, "triggers", "trigger")) {
		t, err := parseTrigger(item, len(def.Triggers))
		if err != nil {
			return nil, err
		}
		def.Triggers = append(def.Triggers, t)
	}

	conds, err := parseConditions(first(m, "conditions", "condition"))
	if err != nil {
		return nil, err
	}
	def.Conditions = conds

	actions, err := parseActions(first(m, "actions", "action"))
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: no actions", ErrInvalidAutomation)
	}
	def.Actions = actions
	return def, nil
}

// ─── Triggers ──────────────────────────────────────────────────────

func parseTrigger(v any, index int) (Trigger, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a mapping, got %T", ErrInvalidTrigger, v)
	}
	id := str(m["id"])
	if id == "" {
		id = strconv.Itoa(index)
	}

	platform := str(first(m, "platform", "trigger"))
	switch platform {
	case "state":
		t := &StateTrigger{
			ID:        id,
			EntityIDs: service.EntityIDList(m["entity_id"]),
			From:      stateList(m["from"]),
			To:        stateList(m["to"]),
		}
		if len(t.EntityIDs) == 0 {
			return nil, fmt.Errorf("%w: state trigger needs entity_id", ErrInvalidTrigger)
		}
		return t, nil

	case "event":
		t := &EventTrigger{ID: id, EventType: str(m["event_type"])}
		if t.EventType == "" {
			return nil, fmt.Errorf("%w: event trigger needs event_type", ErrInvalidTrigger)
		}
		if data, ok := m["event_data"].(map[string]any); ok {
			t.EventData = data
		}
		return t, nil

	case "time":
		t := &TimeTrigger{ID: id}
		for _, at := range list(m["at"]) {
			tod, err := parseTimeOfDay(str(at))
			if err != nil {
				return nil, err
			}
			t.At = append(t.At, tod)
		}
		if len(t.At) == 0 {
			return nil, fmt.Errorf("%w: time trigger needs at", ErrInvalidTrigger)
		}
		return t, nil

	case "sun":
		t := &SunTrigger{ID: id, Event: str(m["event"])}
		if t.Event != SunEventSunrise && t.Event != SunEventSunset {
			return nil, fmt.Errorf("%w: sun event must be sunrise or sunset", ErrInvalidTrigger)
		}
		if off, ok := m["offset"]; ok {
			d, err := ParseDuration(off)
			if err != nil {
				return nil, fmt.Errorf("%w: offset: %w", ErrInvalidTrigger, err)
			}
			t.Offset = d
		}
		return t, nil

	default:
		return nil, fmt.Errorf("%w: unsupported platform %q", ErrInvalidTrigger, platform)
	}
}

// parseTimeOfDay accepts HH:MM or HH:MM:SS.
func parseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: invalid time %q", ErrInvalidTrigger, s)
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("%w: invalid time %q", ErrInvalidTrigger, s)
		}
		vals[i] = n
	}
	tod := TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if tod.Hour > 23 || tod.Minute > 59 || tod.Second > 59 || tod.Hour < 0 || tod.Minute < 0 || tod.Second < 0 {
		return TimeOfDay{}, fmt.Errorf("%w: invalid time %q", ErrInvalidTrigger, s)
	}
	return tod, nil
}

// ─── Conditions ────────────────────────────────────────────────────

func parseConditions(v any) ([]Condition, error) {
	var out []Condition
	for _, item := range list(v) {
		c, err := parseCondition(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCondition(v any) (Condition, error) {
	// A bare string is a template condition.
	if s, ok := v.(string); ok {
		return &TemplateCondition{ValueTemplate: s}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a mapping, got %T", ErrInvalidCondition, v)
	}

	kind := str(m["condition"])
	switch kind {
	case "state":
		c := &StateCondition{
			EntityIDs: service.EntityIDList(m["entity_id"]),
			States:    stateList(m["state"]),
			Attribute: str(m["attribute"]),
		}
		if len(c.EntityIDs) == 0 || len(c.States) == 0 {
			return nil, fmt.Errorf("%w: state condition needs entity_id and state", ErrInvalidCondition)
		}
		return c, nil

	case "numeric_state":
		c := &NumericStateCondition{
			EntityIDs: service.EntityIDList(m["entity_id"]),
			Attribute: str(m["attribute"]),
		}
		var err error
		if c.Above, err = optionalFloat(m, "above"); err != nil {
			return nil, err
		}
		if c.Below, err = optionalFloat(m, "below"); err != nil {
			return nil, err
		}
		if len(c.EntityIDs) == 0 {
			return nil, fmt.Errorf("%w: numeric_state condition needs entity_id", ErrInvalidCondition)
		}
		if c.Above == nil && c.Below == nil {
			return nil, fmt.Errorf("%w: numeric_state condition needs above or below", ErrInvalidCondition)
		}
		return c, nil

	case "and", "or", "not":
		inner, err := parseConditions(m["conditions"])
		if err != nil {
			return nil, err
		}
		switch kind {
		case "and":
			return &AndCondition{Conditions: inner}, nil
		case "or":
			return &OrCondition{Conditions: inner}, nil
		default:
			return &NotCondition{Conditions: inner}, nil
		}

	case "template":
		c := &TemplateCondition{ValueTemplate: str(m["value_template"])}
		if c.ValueTemplate == "" {
			return nil, fmt.Errorf("%w: template condition needs value_template", ErrInvalidCondition)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: unsupported condition %q", ErrInvalidCondition, kind)
	}
}

func optionalFloat(m map[string]any, key string) (*float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidCondition, key)
	}
	return &f, nil
}

// ─── Actions ───────────────────────────────────────────────────────

func parseActions(v any) ([]Action, error) {
	var out []Action
	for _, item := range list(v) {
		a, err := parseAction(item)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAction(v any) (Action, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a mapping, got %T", ErrInvalidAction, v)
	}

	switch {
	case m["service"] != nil || m["action"] != nil:
		name := str(first(m, "service", "action"))
		domain, svc, ok := strings.Cut(name, ".")
		if !ok || domain == "" || svc == "" {
			return nil, fmt.Errorf("%w: service %q is not domain.service", ErrInvalidAction, name)
		}
		data := make(map[string]any)
		for _, key := range []string{"data", "service_data"} {
			if d, ok := m[key].(map[string]any); ok {
				for k, val := range d {
					data[k] = val
				}
			}
		}
		if id, ok := m["entity_id"]; ok {
			data["entity_id"] = id
		}
		if target, ok := m["target"].(map[string]any); ok {
			data["target"] = target
		}
		return &ServiceAction{Domain: domain, Service: svc, Data: data}, nil

	case m["delay"] != nil:
		if s, ok := m["delay"].(string); ok && strings.Contains(s, "{{") {
			return &DelayAction{Template: s}, nil
		}
		d, err := ParseDuration(m["delay"])
		if err != nil {
			return nil, fmt.Errorf("%w: delay: %w", ErrInvalidAction, err)
		}
		return &DelayAction{Duration: d}, nil

	case m["repeat"] != nil:
		rm, ok := m["repeat"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: repeat must be a mapping", ErrInvalidAction)
		}
		count, ok := toInt(rm["count"])
		if !ok || count < 0 {
			return nil, fmt.Errorf("%w: repeat needs a count", ErrInvalidAction)
		}
		seq, err := parseActions(rm["sequence"])
		if err != nil {
			return nil, err
		}
		return &RepeatAction{Count: count, Sequence: seq}, nil

	case m["choose"] != nil:
		act := &ChooseAction{}
		for _, item := range list(m["choose"]) {
			om, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: choose option must be a mapping", ErrInvalidAction)
			}
			conds, err := parseConditions(first(om, "conditions", "condition"))
			if err != nil {
				return nil, err
			}
			seq, err := parseActions(om["sequence"])
			if err != nil {
				return nil, err
			}
			act.Options = append(act.Options, ChooseOption{Conditions: conds, Sequence: seq})
		}
		def, err := parseActions(m["default"])
		if err != nil {
			return nil, err
		}
		act.Default = def
		return act, nil

	case m["scene"] != nil:
		id := str(m["scene"])
		if err := core.ValidateEntityID(id); err != nil {
			return nil, fmt.Errorf("%w: scene: %w", ErrInvalidAction, err)
		}
		return &SceneAction{EntityID: id}, nil

	case m["event"] != nil:
		act := &EventAction{EventType: str(m["event"])}
		if data, ok := m["event_data"].(map[string]any); ok {
			act.EventData = data
		}
		return act, nil

	default:
		return nil, fmt.Errorf("%w: unrecognised action", ErrInvalidAction)
	}
}

// ─── Durations ─────────────────────────────────────────────────────

// ParseDuration accepts seconds as a number, "HH:MM:SS[.fff]", "HH:MM", a
// Go duration string ("90s", "-30m") or a mapping of days, hours, minutes,
// seconds and milliseconds.
func ParseDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case int:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		return parseDurationString(val)
	case map[string]any:
		var d time.Duration
		units := map[string]time.Duration{
			"days":         24 * time.Hour,
			"hours":        time.Hour,
			"minutes":      time.Minute,
			"seconds":      time.Second,
			"milliseconds": time.Millisecond,
		}
		for key, n := range val {
			unit, ok := units[key]
			if !ok {
				return 0, fmt.Errorf("unknown duration unit %q", key)
			}
			f, ok := toFloat(n)
			if !ok {
				return 0, fmt.Errorf("duration %s must be a number", key)
			}
			d += time.Duration(f * float64(unit))
		}
		return d, nil
	default:
		return 0, fmt.Errorf("unsupported duration %v", v)
	}
}

func parseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	}

	sign := time.Duration(1)
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	var seconds float64
	var err3 error
	if len(parts) == 3 {
		seconds, err3 = strconv.ParseFloat(parts[2], 64)
	}
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return sign * d, nil
}

// ─── Decoding helpers ──────────────────────────────────────────────

// first returns the value of the first key present in m.
func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

// list wraps a single value in a slice.
func list(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	default:
		return []any{val}
	}
}

// str renders a YAML scalar as a string.
func str(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "on"
		}
		return "off"
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// stateList accepts a single state or a list of states.
func stateList(v any) []string {
	var out []string
	for _, item := range list(v) {
		out = append(out, str(item))
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
