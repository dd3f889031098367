package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// Lock states.
const (
	StateLocked   = "locked"
	StateUnlocked = "unlocked"
)

func (r *Registry) registerBuiltins() {
	r.Register("lock", "lock", r.setState(StateLocked))
	r.Register("lock", "unlock", r.setState(StateUnlocked))

	// homeassistant.* act on entities of any domain.
	r.Register("homeassistant", ServiceTurnOn, r.generic)
	r.Register("homeassistant", ServiceTurnOff, r.generic)
	r.Register("homeassistant", ServiceToggle, r.generic)
}

// setState returns a handler that writes a fixed state to every target,
// keeping existing attributes and merging the service data over them.
func (r *Registry) setState(state string) Handler {
	return func(_ context.Context, call Call, targets []string) ([]*core.Entity, error) {
		attrs := ServiceAttributes(call.Data)
		return r.writeEach(call, targets, func(*core.Entity) string { return state }, attrs)
	}
}

// generic implements turn_on, turn_off and toggle for any domain.
func (r *Registry) generic(_ context.Context, call Call, targets []string) ([]*core.Entity, error) {
	attrs := ServiceAttributes(call.Data)
	if call.Service == ServiceTurnOff {
		attrs = nil
	}
	next := func(current *core.Entity) string {
		switch call.Service {
		case ServiceTurnOn:
			return "on"
		case ServiceTurnOff:
			return "off"
		default:
			if current != nil && current.State == "on" {
				return "off"
			}
			return "on"
		}
	}
	return r.writeEach(call, targets, next, attrs)
}

// writeEach applies one Merge write per target, deriving each new state
// under the store's entity lock. A failing target does not stop the others.
func (r *Registry) writeEach(call Call, targets []string, next func(*core.Entity) string, attrs map[string]any) ([]*core.Entity, error) {
	var (
		changed []*core.Entity
		errs    []error
	)
	opts := append(call.WriteOptions(), core.StateFrom(next))
	for _, id := range targets {
		res, err := r.store.Write(id, "", attrs, core.Merge, opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.%s on %s: %w", call.Domain, call.Service, id, err))
			continue
		}
		changed = append(changed, res.New)
	}
	return changed, errors.Join(errs...)
}
