package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/scene"
	"github.com/nerrad567/gray-logic-hub/internal/service"
)

// run executes one automation's action sequence.
type run struct {
	engine *Engine
	def    *Automation
	ctx    context.Context
	hubCtx core.Context
	vars   map[string]any
}

// sequence runs actions in order. At the top level a failing action is
// logged and the sequence continues; inside a repeat or choose body the
// failure ends that body. Cancellation always stops the sequence.
func (r *run) sequence(actions []Action, top bool) error {
	for i, a := range actions {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		err := r.action(a)
		if err == nil {
			continue
		}
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !top {
			return err
		}
		r.engine.metrics.AutomationRun("error")
		r.engine.logger.Warn("automation action failed",
			"automation_id", r.def.ID,
			"step", i,
			"action", a.Kind(),
			"error", err,
		)
	}
	return nil
}

func (r *run) action(a Action) error {
	switch act := a.(type) {
	case *ServiceAction:
		return r.callService(act.Domain, act.Service, act.Data)

	case *DelayAction:
		return r.delay(act)

	case *RepeatAction:
		for i := 0; i < act.Count; i++ {
			iteration := r.with("repeat", map[string]any{
				"index": i + 1,
				"first": i == 0,
				"last":  i == act.Count-1,
			})
			if err := iteration.sequence(act.Sequence, false); err != nil {
				return r.branchFailed("repeat", err)
			}
		}
		return nil

	case *ChooseAction:
		for i, opt := range act.Options {
			if r.engine.checkConditions(r.def, opt.Conditions, r.vars) {
				r.engine.logger.Debug("choose option selected", "automation_id", r.def.ID, "option", i)
				if err := r.sequence(opt.Sequence, false); err != nil {
					return r.branchFailed("choose", err)
				}
				return nil
			}
		}
		if err := r.sequence(act.Default, false); err != nil {
			return r.branchFailed("choose", err)
		}
		return nil

	case *SceneAction:
		return r.callService(scene.Domain, service.ServiceTurnOn, map[string]any{"entity_id": act.EntityID})

	case *EventAction:
		data, err := r.render(act.EventData)
		if err != nil {
			return err
		}
		_, err = r.engine.store.Fire(act.EventType, data, r.hubCtx)
		return err

	default:
		return fmt.Errorf("%w: %T", ErrInvalidAction, a)
	}
}

// branchFailed confines a nested failure to its branch. Cancellation is
// passed through.
func (r *run) branchFailed(kind string, err error) error {
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	r.engine.logger.Warn("automation branch aborted", "automation_id", r.def.ID, "branch", kind, "error", err)
	return nil
}

func (r *run) callService(domain, name string, data map[string]any) error {
	rendered, err := r.render(data)
	if err != nil {
		return err
	}
	_, err = r.engine.services.Call(r.ctx, service.Call{
		Domain:  domain,
		Service: name,
		Data:    rendered,
		Context: r.hubCtx,
	})
	return err
}

func (r *run) delay(act *DelayAction) error {
	d := act.Duration
	if act.Template != "" {
		out, err := r.engine.templates.Render(act.Template, r.vars)
		if err != nil {
			return err
		}
		if d, err = ParseDuration(out); err != nil {
			return fmt.Errorf("%w: delay %q: %w", ErrInvalidAction, out, err)
		}
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-timer.C:
		return nil
	}
}

// render expands templates in data with the run's variables.
func (r *run) render(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	out, err := r.engine.templates.RenderValue(data, r.vars)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

// with returns a copy of the run with one extra variable.
func (r *run) with(key string, value any) *run {
	vars := make(map[string]any, len(r.vars)+1)
	for k, v := range r.vars {
		vars[k] = v
	}
	vars[key] = value
	cpy := *r
	cpy.vars = vars
	return &cpy
}
