// Package template evaluates the expressions used by template conditions,
// templated service data and the template API.
//
// Expressions use Go text/template syntax with hub helpers:
//
//	{{ states "sensor.temp" }}
//	{{ if is_state "sun.sun" "below_horizon" }}dark{{ end }}
//	{{ state_attr "light.kitchen" "brightness" }}
//	{{ gt (float (states "sensor.temp")) 20.0 }}
//	{{ .trigger.to_state.state }}
package template

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// ErrEvaluation wraps every parse or execution failure.
var ErrEvaluation = errors.New("template: evaluation failed")

// StateReader is the read side of the state store.
type StateReader interface {
	Get(entityID string) (*core.Entity, error)
}

// Evaluator renders expressions against live state.
type Evaluator struct {
	states StateReader
	now    func() time.Time
	funcs  template.FuncMap

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// New creates an evaluator reading from states.
func New(states StateReader) *Evaluator {
	e := &Evaluator{
		states: states,
		now:    time.Now,
		cache:  make(map[string]*template.Template),
	}
	e.funcs = template.FuncMap{
		"states":     e.stateOf,
		"is_state":   e.isState,
		"state_attr": e.stateAttr,
		"now":        func() time.Time { return e.now() },
		"float":      toFloat,
		"int":        toInt,
		"lower":      strings.ToLower,
		"upper":      strings.ToUpper,
	}
	return e
}

// SetClock replaces the clock behind now(). Used by tests.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// IsTemplate reports whether s contains template markup.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Render evaluates expr with vars as the template's dot value and returns
// the trimmed output.
func (e *Evaluator) Render(expr string, vars map[string]any) (string, error) {
	tmpl, err := e.parse(expr)
	if err != nil {
		return "", err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Eval renders expr and converts the output to a bool, number or string.
func (e *Evaluator) Eval(expr string, vars map[string]any) (any, error) {
	out, err := e.Render(expr, vars)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(out) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if f, err := strconv.ParseFloat(out, 64); err == nil {
		return f, nil
	}
	return out, nil
}

// EvalBool renders expr and applies the hub's truthiness rules: "true",
// "yes", "on", "enable" and non-zero numbers are true.
func (e *Evaluator) EvalBool(expr string, vars map[string]any) (bool, error) {
	out, err := e.Render(expr, vars)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy applies the truthiness rules to a rendered value.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "enable":
		return true
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f != 0 && !math.IsNaN(f)
	}
	return false
}

// RenderValue renders every templated string inside v, walking maps and
// lists. Non-template values are returned unchanged.
func (e *Evaluator) RenderValue(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !IsTemplate(val) {
			return val, nil
		}
		return e.Eval(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := e.RenderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := e.RenderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *Evaluator) parse(expr string) (*template.Template, error) {
	e.mu.RLock()
	tmpl, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New("expr").Funcs(e.funcs).Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}

	e.mu.Lock()
	e.cache[expr] = tmpl
	e.mu.Unlock()
	return tmpl, nil
}

func (e *Evaluator) stateOf(entityID string) string {
	ent, err := e.states.Get(entityID)
	if err != nil {
		return core.StateUnknown
	}
	return ent.State
}

func (e *Evaluator) isState(entityID, value string) bool {
	ent, err := e.states.Get(entityID)
	return err == nil && ent.State == value
}

func (e *Evaluator) stateAttr(entityID, key string) any {
	ent, err := e.states.Get(entityID)
	if err != nil {
		return nil
	}
	return ent.Attributes[key]
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

func toInt(v any) int {
	return int(toFloat(v))
}
