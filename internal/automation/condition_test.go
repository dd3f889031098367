package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/template"
)

func newConditionEngine(t *testing.T) (*Engine, *core.Store) {
	t.Helper()
	store := core.NewStore(nil)
	return NewEngine(store, nil, template.New(store), Options{}), store
}

func conditionsFrom(t *testing.T, src string) []Condition {
	t.Helper()
	defs, err := Parse([]byte(`
- id: conditions_only
  trigger: {platform: event, event_type: x}
  condition:
`+src+`
  action:
    - event: y
`), 0)
	require.NoError(t, err)
	return defs[0].Conditions
}

func floatPtr(f float64) *float64 { return &f }

func TestNumericStateBoundsAreStrict(t *testing.T) {
	e, store := newConditionEngine(t)

	tests := []struct {
		name  string
		value string
		above *float64
		below *float64
		want  bool
	}{
		{name: "equal to above", value: "10", above: floatPtr(10), want: false},
		{name: "just above", value: "10.1", above: floatPtr(10), want: true},
		{name: "equal to below", value: "20", below: floatPtr(20), want: false},
		{name: "inside window", value: "15", above: floatPtr(10), below: floatPtr(20), want: true},
		{name: "outside window", value: "25", above: floatPtr(10), below: floatPtr(20), want: false},
		{name: "negative", value: "-3", below: floatPtr(0), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Write("sensor.temp", tt.value, nil, core.Replace)
			require.NoError(t, err)
			ok, err := e.evalCondition(&NumericStateCondition{
				EntityIDs: []string{"sensor.temp"},
				Above:     tt.above,
				Below:     tt.below,
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestNumericState_MissingAndNonNumeric(t *testing.T) {
	e, store := newConditionEngine(t)
	cond := &NumericStateCondition{EntityIDs: []string{"sensor.temp"}, Above: floatPtr(0)}

	ok, err := e.evalCondition(cond, nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Write("sensor.temp", "unavailable", nil, core.Replace)
	require.NoError(t, err)
	_, err = e.evalCondition(cond, nil)
	assert.ErrorIs(t, err, ErrNotNumeric)
}

func TestNumericState_Attribute(t *testing.T) {
	e, store := newConditionEngine(t)
	_, err := store.Write("climate.lounge", "heat", map[string]any{"current_temperature": 19.5}, core.Replace)
	require.NoError(t, err)

	ok, err := e.evalCondition(&NumericStateCondition{
		EntityIDs: []string{"climate.lounge"},
		Attribute: "current_temperature",
		Below:     floatPtr(20),
	}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateCondition(t *testing.T) {
	e, store := newConditionEngine(t)
	_, err := store.Write("person.sam", "home", map[string]any{"battery": 80}, core.Replace)
	require.NoError(t, err)
	_, err = store.Write("person.alex", "away", nil, core.Replace)
	require.NoError(t, err)

	check := func(c Condition) bool {
		ok, err := e.evalCondition(c, nil)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check(&StateCondition{EntityIDs: []string{"person.sam"}, States: []string{"home", "work"}}))
	assert.False(t, check(&StateCondition{EntityIDs: []string{"person.sam", "person.alex"}, States: []string{"home"}}))
	assert.True(t, check(&StateCondition{EntityIDs: []string{"person.sam"}, Attribute: "battery", States: []string{"80"}}))
	assert.False(t, check(&StateCondition{EntityIDs: []string{"person.nobody"}, States: []string{"home"}}))
}

func TestLogicalConditions(t *testing.T) {
	e, store := newConditionEngine(t)
	_, err := store.Write("light.a", "on", nil, core.Replace)
	require.NoError(t, err)
	_, err = store.Write("light.b", "off", nil, core.Replace)
	require.NoError(t, err)

	conds := conditionsFrom(t, `
    - condition: and
      conditions:
        - condition: state
          entity_id: light.a
          state: "on"
        - condition: or
          conditions:
            - condition: state
              entity_id: light.b
              state: "on"
            - condition: not
              conditions:
                - condition: state
                  entity_id: light.b
                  state: "on"
`)
	assert.True(t, e.checkConditions(&Automation{ID: "conditions_only"}, conds, nil))

	conds = conditionsFrom(t, `
    - condition: not
      conditions:
        - condition: state
          entity_id: light.a
          state: "on"
`)
	assert.False(t, e.checkConditions(&Automation{ID: "conditions_only"}, conds, nil))
}

func TestOrCondition_ErrorsOnlyWhenNothingHolds(t *testing.T) {
	e, store := newConditionEngine(t)
	_, err := store.Write("sensor.bad", "n/a", nil, core.Replace)
	require.NoError(t, err)
	_, err = store.Write("light.a", "on", nil, core.Replace)
	require.NoError(t, err)

	bad := &NumericStateCondition{EntityIDs: []string{"sensor.bad"}, Above: floatPtr(1)}
	good := &StateCondition{EntityIDs: []string{"light.a"}, States: []string{"on"}}

	ok, err := e.evalCondition(&OrCondition{Conditions: []Condition{bad, good}}, nil)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.evalCondition(&OrCondition{Conditions: []Condition{bad}}, nil)
	assert.ErrorIs(t, err, ErrNotNumeric)
	assert.False(t, ok)
}

func TestTemplateCondition(t *testing.T) {
	e, store := newConditionEngine(t)
	_, err := store.Write("sun.sun", "below_horizon", nil, core.Replace)
	require.NoError(t, err)

	vars := map[string]any{"trigger": map[string]any{"to_state": map[string]any{"state": "on"}}}
	def := &Automation{ID: "conditions_only"}

	assert.True(t, e.checkConditions(def, conditionsFrom(t, `
    - '{{ eq .trigger.to_state.state "on" }}'
`), vars))
	assert.True(t, e.checkConditions(def, conditionsFrom(t, `
    - condition: template
      value_template: '{{ is_state "sun.sun" "below_horizon" }}'
`), vars))

	// A template that fails to parse counts as false.
	assert.False(t, e.checkConditions(def, []Condition{&TemplateCondition{ValueTemplate: "{{ .unclosed "}}, vars))
}

func TestSubsetMatch(t *testing.T) {
	got := map[string]any{"level": "high", "count": float64(2), "nested": map[string]any{"a": true, "b": "x"}}

	assert.True(t, subsetMatch(map[string]any{}, got))
	assert.True(t, subsetMatch(map[string]any{"level": "high"}, got))
	assert.True(t, subsetMatch(map[string]any{"count": 2}, got))
	assert.True(t, subsetMatch(map[string]any{"nested": map[string]any{"a": true}}, got))
	assert.False(t, subsetMatch(map[string]any{"level": "low"}, got))
	assert.False(t, subsetMatch(map[string]any{"missing": "x"}, got))
	assert.False(t, subsetMatch(map[string]any{"nested": map[string]any{"a": false}}, got))
}
