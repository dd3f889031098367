package automation

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// checkConditions reports whether every condition holds. Evaluation errors
// count as false and are logged.
func (e *Engine) checkConditions(def *Automation, conds []Condition, vars map[string]any) bool {
	for i, c := range conds {
		ok, err := e.evalCondition(c, vars)
		if err != nil {
			e.logger.Warn("condition evaluation failed",
				"automation_id", def.ID,
				"condition", i,
				"kind", c.Kind(),
				"error", err,
			)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *Engine) evalCondition(c Condition, vars map[string]any) (bool, error) {
	switch cond := c.(type) {
	case *StateCondition:
		for _, id := range cond.EntityIDs {
			val, ok := e.readValue(id, cond.Attribute)
			if !ok || !contains(cond.States, val) {
				return false, nil
			}
		}
		return true, nil

	case *NumericStateCondition:
		for _, id := range cond.EntityIDs {
			ok, err := e.numericHolds(cond, id)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case *AndCondition:
		for _, inner := range cond.Conditions {
			ok, err := e.evalCondition(inner, vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case *OrCondition:
		var errs []error
		for _, inner := range cond.Conditions {
			ok, err := e.evalCondition(inner, vars)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, errors.Join(errs...)

	case *NotCondition:
		for _, inner := range cond.Conditions {
			ok, err := e.evalCondition(inner, vars)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil

	case *TemplateCondition:
		return e.templates.EvalBool(cond.ValueTemplate, vars)

	default:
		return false, fmt.Errorf("%w: %T", ErrInvalidCondition, c)
	}
}

// numericHolds applies strict above/below bounds to one entity. A missing
// entity is false without error.
func (e *Engine) numericHolds(cond *NumericStateCondition, entityID string) (bool, error) {
	ent, err := e.store.Get(entityID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	var raw any = ent.State
	if cond.Attribute != "" {
		raw = ent.Attributes[cond.Attribute]
	}
	value, ok := toFloat(raw)
	if !ok {
		return false, fmt.Errorf("%w: %s=%v", ErrNotNumeric, entityID, raw)
	}

	if cond.Above != nil && !(value > *cond.Above) {
		return false, nil
	}
	if cond.Below != nil && !(value < *cond.Below) {
		return false, nil
	}
	return true, nil
}

// readValue returns an entity's state, or one attribute rendered as a
// string.
func (e *Engine) readValue(entityID, attribute string) (string, bool) {
	ent, err := e.store.Get(entityID)
	if err != nil {
		return "", false
	}
	if attribute == "" {
		return ent.State, true
	}
	v, ok := ent.Attributes[attribute]
	if !ok {
		return "", false
	}
	return str(v), true
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// valuesEqual compares decoded YAML or JSON values, treating numbers of
// different types and their string forms alike.
func valuesEqual(want, got any) bool {
	if wf, ok := toFloat(want); ok {
		if gf, ok := toFloat(got); ok {
			return wf == gf
		}
	}
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		return ok && subsetMatch(w, g)
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !valuesEqual(w[i], g[i]) {
				return false
			}
		}
		return true
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case nil:
		return got == nil
	}
	return str(want) == str(got)
}

// subsetMatch reports whether every key of want is present in got with an
// equal value.
func subsetMatch(want, got map[string]any) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok || !valuesEqual(wv, gv) {
			return false
		}
	}
	return true
}
