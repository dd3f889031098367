package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

type fakeStates map[string]*core.Entity

func (f fakeStates) Get(id string) (*core.Entity, error) {
	if e, ok := f[id]; ok {
		return e, nil
	}
	return nil, core.ErrNotFound
}

func newEvaluator() *Evaluator {
	return New(fakeStates{
		"sensor.temp":   {EntityID: "sensor.temp", State: "21.5", Attributes: core.Attributes{"unit_of_measurement": "°C"}},
		"sun.sun":       {EntityID: "sun.sun", State: "below_horizon"},
		"light.kitchen": {EntityID: "light.kitchen", State: "on", Attributes: core.Attributes{"brightness": 128.0}},
	})
}

func TestRender_Helpers(t *testing.T) {
	e := newEvaluator()

	tests := []struct {
		expr string
		want string
	}{
		{`{{ states "sensor.temp" }}`, "21.5"},
		{`{{ states "sensor.missing" }}`, "unknown"},
		{`{{ is_state "sun.sun" "below_horizon" }}`, "true"},
		{`{{ state_attr "light.kitchen" "brightness" }}`, "128"},
		{`{{ gt (float (states "sensor.temp")) 20.0 }}`, "true"},
		{`{{ upper "abc" }}`, "ABC"},
		{`  plain  `, "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Render(tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRender_Vars(t *testing.T) {
	e := newEvaluator()
	out, err := e.Render(`{{ .trigger.entity_id }}`, map[string]any{"trigger": map[string]any{"entity_id": "binary_sensor.door"}})
	require.NoError(t, err)
	assert.Equal(t, "binary_sensor.door", out)
}

func TestRender_Now(t *testing.T) {
	e := newEvaluator()
	e.SetClock(func() time.Time { return time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC) })

	out, err := e.Render(`{{ (now).Hour }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "7", out)
}

func TestRender_Errors(t *testing.T) {
	e := newEvaluator()

	_, err := e.Render(`{{ states "a" `, nil)
	assert.ErrorIs(t, err, ErrEvaluation)

	_, err = e.Render(`{{ nosuchfunc }}`, nil)
	assert.ErrorIs(t, err, ErrEvaluation)

	_, err = e.Render(`{{ index .list 5 }}`, map[string]any{"list": []any{}})
	assert.ErrorIs(t, err, ErrEvaluation)
}

func TestEval_Types(t *testing.T) {
	e := newEvaluator()

	v, err := e.Eval(`{{ is_state "light.kitchen" "on" }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(`{{ states "sensor.temp" }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, 21.5, v)

	v, err = e.Eval(`{{ states "sun.sun" }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "below_horizon", v)
}

func TestTruthy(t *testing.T) {
	for _, s := range []string{"true", "True", "on", "yes", "enable", "1", "-2.5"} {
		assert.True(t, Truthy(s), s)
	}
	for _, s := range []string{"false", "off", "0", "", "maybe", "NaN"} {
		assert.False(t, Truthy(s), s)
	}
}

func TestRenderValue(t *testing.T) {
	e := newEvaluator()
	in := map[string]any{
		"message":    `Temp is {{ states "sensor.temp" }}`,
		"brightness": `{{ state_attr "light.kitchen" "brightness" }}`,
		"list":       []any{"static", `{{ states "sun.sun" }}`},
		"n":          3,
	}

	out, err := e.RenderValue(in, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "Temp is 21.5", m["message"])
	assert.Equal(t, 128.0, m["brightness"])
	assert.Equal(t, []any{"static", "below_horizon"}, m["list"])
	assert.Equal(t, 3, m["n"])
}
