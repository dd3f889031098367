package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-hub/internal/service"
)

// Store is the part of the state store the engine reads and writes.
type Store interface {
	Get(entityID string) (*core.Entity, error)
	Write(entityID, state string, attrs map[string]any, mode core.WriteMode, opts ...core.WriteOption) (core.WriteResult, error)
	Delete(entityID string, opts ...core.WriteOption) (*core.Entity, error)
	Fire(eventType string, data map[string]any, ctx core.Context) (core.Event, error)
}

// Dispatcher executes service calls made by actions.
type Dispatcher interface {
	Call(ctx context.Context, call service.Call) ([]*core.Entity, error)
}

// Evaluator renders templates for conditions, service data and delays.
type Evaluator interface {
	Render(expr string, vars map[string]any) (string, error)
	EvalBool(expr string, vars map[string]any) (bool, error)
	RenderValue(v any, vars map[string]any) (any, error)
}

// ServiceRegistry is where the engine installs the automation.* services.
type ServiceRegistry interface {
	Register(domain, name string, h service.Handler)
}

// Logger defines the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures an Engine.
type Options struct {
	// File is the automations YAML used by Reload.
	File string

	// ForceTriggerSkipCondition is the default for automation.trigger when
	// the caller does not pass skip_condition.
	ForceTriggerSkipCondition bool

	// MaxRuns is the default max for queued and parallel automations.
	MaxRuns int

	Site Site
}

// runtimeState is the mutable half of an automation. Guarded by Engine.mu.
type runtimeState struct {
	enabled       bool
	totalTriggers uint64
	lastTriggered time.Time
	current       int
	runner        *runner
}

// Info is a read-only view of one automation.
type Info struct {
	ID             string     `json:"id"`
	Alias          string     `json:"alias"`
	Description    string     `json:"description,omitempty"`
	EntityID       string     `json:"entity_id"`
	Mode           Mode       `json:"mode"`
	Max            int        `json:"max"`
	Enabled        bool       `json:"enabled"`
	Current        int        `json:"current"`
	TotalTriggers  uint64     `json:"total_triggers"`
	LastTriggered  *time.Time `json:"last_triggered"`
	TriggerCount   int        `json:"trigger_count"`
	ConditionCount int        `json:"condition_count"`
	ActionCount    int        `json:"action_count"`
}

// Engine matches triggers, gates on conditions and executes actions.
//
// Thread Safety: all public methods are safe for concurrent use.
type Engine struct {
	store     Store
	services  Dispatcher
	templates Evaluator
	opts      Options
	logger    Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	arena atomic.Pointer[arena]
	sched *scheduler

	mu      sync.Mutex
	runtime map[string]*runtimeState
	retired []*runner
	stopped bool

	baseCtx    context.Context
	cancelRuns context.CancelFunc
	stopSched  context.CancelFunc
	schedWG    sync.WaitGroup

	loadMu sync.Mutex
}

// NewEngine creates an engine with no automations loaded.
func NewEngine(store Store, services Dispatcher, templates Evaluator, opts Options) *Engine {
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = 10
	}
	e := &Engine{
		store:     store,
		services:  services,
		templates: templates,
		opts:      opts,
		logger:    noopLogger{},
		now:       time.Now,
		runtime:   make(map[string]*runtimeState),
	}
	e.baseCtx, e.cancelRuns = context.WithCancel(context.Background())
	e.sched = newScheduler(opts.Site, func() time.Time { return e.now() }, e.fireScheduled)
	return e
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors. nil disables them.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetClock replaces the wall clock. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start runs the time and sun scheduler until ctx is done or Stop is
// called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.stopSched = cancel
	e.mu.Unlock()

	e.schedWG.Add(1)
	go func() {
		defer e.schedWG.Done()
		e.sched.run(ctx)
	}()
}

// Stop halts the scheduler, cancels every run and waits for runs to
// return.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	stopSched := e.stopSched
	runners := append([]*runner(nil), e.retired...)
	for _, rt := range e.runtime {
		runners = append(runners, rt.runner)
	}
	e.mu.Unlock()

	if stopSched != nil {
		stopSched()
	}
	e.schedWG.Wait()

	for _, r := range runners {
		r.close()
	}
	e.cancelRuns()
	for _, r := range runners {
		r.wait()
	}
	e.logger.Info("automation engine stopped")
}

// ─── Loading ───────────────────────────────────────────────────────

// LoadFile reads definitions from path and makes them the active set. A
// missing file yields no automations. The path is remembered for Reload.
func (e *Engine) LoadFile(path string) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.opts.File = path
	defs, err := ReadFile(path, e.opts.MaxRuns)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		e.logger.Warn("automations file not found, starting with no automations", "path", path)
		defs = nil
	}
	return e.load(defs)
}

// Load makes defs the active set.
func (e *Engine) Load(defs []*Automation) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	return e.load(defs)
}

// Reload re-reads the configured file. Automations whose ID survives keep
// their enabled flag, trigger count and last trigger time. Running actions
// of the previous set are cancelled. On a parse error the current set
// stays active.
func (e *Engine) Reload() error {
	e.loadMu.Lock()
	path := e.opts.File
	e.loadMu.Unlock()

	if path == "" {
		return fmt.Errorf("%w: no automations file configured", ErrInvalidAutomation)
	}
	return e.LoadFile(path)
}

func (e *Engine) load(defs []*Automation) error {
	a, err := buildArena(defs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errors.New("automation: engine stopped")
	}
	prevArena := e.arena.Load()
	prev := e.runtime

	next := make(map[string]*runtimeState, len(a.order))
	for _, id := range a.order {
		def := a.defs[id]
		rt := &runtimeState{enabled: true, runner: newRunner(e.baseCtx, def.Mode, def.Max)}
		if old, ok := prev[id]; ok {
			rt.enabled = old.enabled
			rt.totalTriggers = old.totalTriggers
			rt.lastTriggered = old.lastTriggered
		}
		if def.InitialState != nil {
			rt.enabled = *def.InitialState
		}
		next[id] = rt
	}

	retired := e.retired[:0]
	for _, r := range e.retired {
		if r.running() > 0 {
			retired = append(retired, r)
		}
	}
	for _, rt := range prev {
		retired = append(retired, rt.runner)
	}
	e.retired = retired

	e.runtime = next
	e.arena.Store(a)
	for _, id := range a.order {
		e.writeEntityLocked(a.defs[id], next[id], core.Context{})
	}
	e.mu.Unlock()

	for _, rt := range prev {
		rt.runner.close()
	}
	if prevArena != nil {
		for entityID := range prevArena.byEntity {
			if _, ok := a.byEntity[entityID]; ok {
				continue
			}
			if _, err := e.store.Delete(entityID); err != nil && !errors.Is(err, core.ErrNotFound) {
				e.logger.Warn("failed to remove automation entity", "entity_id", entityID, "error", err)
			}
		}
		if _, err := e.store.Fire(core.EventAutomationReloaded, map[string]any{"count": len(a.order)}, core.Context{}); err != nil {
			e.logger.Warn("firing automation_reloaded failed", "error", err)
		}
	}

	e.sched.reset(a)
	e.logger.Info("automations loaded", "count", len(a.order), "timed_triggers", len(a.timed))
	return nil
}

// ─── Triggering ────────────────────────────────────────────────────

// HandleEvent matches an event against state and event triggers. It is
// registered as an event bus sink. An automation fires at most once per
// event.
func (e *Engine) HandleEvent(ev core.Event) {
	a := e.arena.Load()
	if a == nil {
		return
	}
	fired := make(map[string]bool)

	if data, ok := ev.StateChange(); ok {
		for _, ref := range a.byState[data.EntityID] {
			if fired[ref.automationID] {
				continue
			}
			def, t, ok := a.trigger(ref)
			if !ok {
				continue
			}
			st := t.(*StateTrigger)
			if matchState(st, data) {
				fired[def.ID] = true
				e.dispatch(def, stateTriggerVars(st, data), ev.Context, false, false)
			}
		}
	}

	for _, ref := range a.byEvent[ev.EventType] {
		if fired[ref.automationID] {
			continue
		}
		def, t, ok := a.trigger(ref)
		if !ok {
			continue
		}
		et := t.(*EventTrigger)
		if matchEvent(et, ev) {
			fired[def.ID] = true
			e.dispatch(def, eventTriggerVars(et, ev), ev.Context, false, false)
		}
	}
}

func (e *Engine) fireScheduled(ref triggerRef, at time.Time) {
	a := e.arena.Load()
	if a == nil {
		return
	}
	def, t, ok := a.trigger(ref)
	if !ok {
		return
	}
	e.dispatch(def, timedTriggerVars(t, at), core.Context{}, false, false)
}

// Trigger runs an automation's actions now, bypassing trigger matching and
// the enabled flag. skipCondition nil uses the configured default. The
// call returns once the run is arbitrated, not when it completes.
func (e *Engine) Trigger(id string, skipCondition *bool, parent core.Context) (Outcome, error) {
	def, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	skip := e.opts.ForceTriggerSkipCondition
	if skipCondition != nil {
		skip = *skipCondition
	}
	return e.dispatch(def, manualTriggerVars(), parent, skip, true), nil
}

// dispatch applies the enabled and condition gates, then hands the run to
// the automation's runner.
func (e *Engine) dispatch(def *Automation, vars map[string]any, parent core.Context, skipConditions, force bool) Outcome {
	e.mu.Lock()
	rt, ok := e.runtime[def.ID]
	enabled := ok && rt.enabled
	e.mu.Unlock()

	if !ok {
		return OutcomeDropped
	}
	if !force && !enabled {
		e.logger.Debug("automation disabled, trigger ignored", "automation_id", def.ID)
		return OutcomeDisabled
	}
	if !skipConditions && !e.checkConditions(def, def.Conditions, vars) {
		e.metrics.AutomationRun(string(OutcomeConditionFailed))
		e.logger.Debug("automation conditions not met", "automation_id", def.ID)
		return OutcomeConditionFailed
	}

	runCtx := core.NewContext(parent.ID, parent.UserID)
	outcome := rt.runner.request(func(ctx context.Context) {
		e.execute(ctx, def, rt, vars, runCtx)
	})
	e.metrics.AutomationRun(string(outcome))

	switch outcome {
	case OutcomeDropped:
		e.logger.Warn("automation run dropped", "automation_id", def.ID, "mode", def.Mode, "max", def.Max)
	case OutcomeQueued, OutcomeRestarted:
		e.logger.Debug("automation run arbitrated", "automation_id", def.ID, "outcome", outcome)
	}
	return outcome
}

// execute is one pass through the actions on the runner's goroutine.
func (e *Engine) execute(ctx context.Context, def *Automation, rt *runtimeState, vars map[string]any, runCtx core.Context) {
	e.runStarted(def, rt, vars, runCtx)
	defer e.runFinished(def, rt)
	defer func() {
		if p := recover(); p != nil {
			e.metrics.AutomationRun("error")
			e.logger.Error("automation run panicked", "automation_id", def.ID, "panic", p)
		}
	}()

	r := &run{engine: e, def: def, ctx: ctx, hubCtx: runCtx, vars: vars}
	if err := r.sequence(def.Actions, true); err != nil {
		e.logger.Info("automation run stopped", "automation_id", def.ID, "reason", err)
	}
}

func (e *Engine) runStarted(def *Automation, rt *runtimeState, vars map[string]any, runCtx core.Context) {
	e.mu.Lock()
	rt.totalTriggers++
	rt.lastTriggered = e.now().UTC()
	rt.current++
	if e.runtime[def.ID] == rt {
		e.writeEntityLocked(def, rt, runCtx)
	}
	e.mu.Unlock()

	source := describe(vars)
	if _, err := e.store.Fire(core.EventAutomationTriggered, map[string]any{
		"name":      def.Name(),
		"entity_id": def.EntityID(),
		"source":    source,
	}, runCtx); err != nil {
		e.logger.Warn("firing automation_triggered failed", "automation_id", def.ID, "error", err)
	}
	e.logger.Info("automation triggered", "automation_id", def.ID, "source", source, "context_id", runCtx.ID)
}

func (e *Engine) runFinished(def *Automation, rt *runtimeState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt.current--
	if e.runtime[def.ID] == rt && !e.stopped {
		e.writeEntityLocked(def, rt, core.Context{})
	}
}

// writeEntityLocked publishes the automation entity. e.mu must be held.
func (e *Engine) writeEntityLocked(def *Automation, rt *runtimeState, parent core.Context) *core.Entity {
	state := "off"
	if rt.enabled {
		state = "on"
	}
	var last any
	if !rt.lastTriggered.IsZero() {
		last = rt.lastTriggered.Format(time.RFC3339Nano)
	}
	attrs := map[string]any{
		"id":             def.ID,
		"friendly_name":  def.Name(),
		"last_triggered": last,
		"mode":           string(def.Mode),
		"current":        rt.current,
	}
	if def.Mode == ModeQueued || def.Mode == ModeParallel {
		attrs["max"] = def.Max
	}

	var opts []core.WriteOption
	if parent.ID != "" {
		opts = append(opts, core.WithParentContext(parent.ID))
	}
	if parent.UserID != "" {
		opts = append(opts, core.WithUserID(parent.UserID))
	}
	res, err := e.store.Write(def.EntityID(), state, attrs, core.Replace, opts...)
	if err != nil {
		e.logger.Error("failed to write automation entity", "automation_id", def.ID, "error", err)
		return nil
	}
	return res.New
}

// ─── Enable / disable ──────────────────────────────────────────────

// TurnOn enables an automation. It does not run its actions.
func (e *Engine) TurnOn(id string, parent core.Context) (*core.Entity, error) {
	return e.setEnabled(id, func(bool) bool { return true }, false, parent)
}

// TurnOff disables an automation, cancelling running and queued runs when
// stopActions is set.
func (e *Engine) TurnOff(id string, stopActions bool, parent core.Context) (*core.Entity, error) {
	return e.setEnabled(id, func(bool) bool { return false }, stopActions, parent)
}

// Toggle flips the enabled flag. Disabling stops running actions.
func (e *Engine) Toggle(id string, parent core.Context) (*core.Entity, error) {
	return e.setEnabled(id, func(cur bool) bool { return !cur }, true, parent)
}

func (e *Engine) setEnabled(id string, next func(bool) bool, stopActions bool, parent core.Context) (*core.Entity, error) {
	def, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	rt, ok := e.runtime[def.ID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAutomationNotFound, id)
	}
	rt.enabled = next(rt.enabled)
	if !rt.enabled && stopActions {
		rt.runner.cancelAll()
	}
	ent := e.writeEntityLocked(def, rt, parent)
	enabled := rt.enabled
	e.mu.Unlock()

	e.logger.Info("automation enabled state changed", "automation_id", def.ID, "enabled", enabled)
	return ent, nil
}

// ─── Queries ───────────────────────────────────────────────────────

// lookup resolves an automation ID or its entity id.
func (e *Engine) lookup(id string) (*Automation, error) {
	a := e.arena.Load()
	if a != nil {
		if def, ok := a.defs[id]; ok {
			return def, nil
		}
		if defID, ok := a.byEntity[id]; ok {
			return a.defs[defID], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAutomationNotFound, id)
}

// Get returns the view of one automation by ID or entity id.
func (e *Engine) Get(id string) (Info, error) {
	def, err := e.lookup(id)
	if err != nil {
		return Info{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoLocked(def), nil
}

// List returns every automation in file order.
func (e *Engine) List() []Info {
	a := e.arena.Load()
	if a == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Info, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, e.infoLocked(a.defs[id]))
	}
	return out
}

func (e *Engine) infoLocked(def *Automation) Info {
	info := Info{
		ID:             def.ID,
		Alias:          def.Alias,
		Description:    def.Description,
		EntityID:       def.EntityID(),
		Mode:           def.Mode,
		Max:            def.Max,
		TriggerCount:   len(def.Triggers),
		ConditionCount: len(def.Conditions),
		ActionCount:    len(def.Actions),
	}
	if rt, ok := e.runtime[def.ID]; ok {
		info.Enabled = rt.enabled
		info.Current = rt.current
		info.TotalTriggers = rt.totalTriggers
		if !rt.lastTriggered.IsZero() {
			t := rt.lastTriggered
			info.LastTriggered = &t
		}
	}
	return info
}

// ─── Services ──────────────────────────────────────────────────────

// RegisterServices installs automation.trigger, turn_on, turn_off, toggle
// and reload.
func (e *Engine) RegisterServices(reg ServiceRegistry) {
	reg.Register(Domain, "trigger", e.triggerService)
	reg.Register(Domain, service.ServiceTurnOn, e.turnOnService)
	reg.Register(Domain, service.ServiceTurnOff, e.turnOffService)
	reg.Register(Domain, service.ServiceToggle, e.toggleService)
	reg.Register(Domain, "reload", e.reloadService)
}

func (e *Engine) triggerService(_ context.Context, call service.Call, targets []string) ([]*core.Entity, error) {
	var skip *bool
	if v, ok := call.Data["skip_condition"].(bool); ok {
		skip = &v
	}
	var errs []error
	for _, id := range targets {
		if _, err := e.Trigger(id, skip, call.Context); err != nil {
			errs = append(errs, err)
		}
	}
	return nil, errors.Join(errs...)
}

func (e *Engine) turnOnService(_ context.Context, call service.Call, targets []string) ([]*core.Entity, error) {
	return eachTarget(targets, func(id string) (*core.Entity, error) {
		return e.TurnOn(id, call.Context)
	})
}

func (e *Engine) turnOffService(_ context.Context, call service.Call, targets []string) ([]*core.Entity, error) {
	stop := true
	if v, ok := call.Data["stop_actions"].(bool); ok {
		stop = v
	}
	return eachTarget(targets, func(id string) (*core.Entity, error) {
		return e.TurnOff(id, stop, call.Context)
	})
}

func (e *Engine) toggleService(_ context.Context, call service.Call, targets []string) ([]*core.Entity, error) {
	return eachTarget(targets, func(id string) (*core.Entity, error) {
		return e.Toggle(id, call.Context)
	})
}

func (e *Engine) reloadService(context.Context, service.Call, []string) ([]*core.Entity, error) {
	return nil, e.Reload()
}

func eachTarget(targets []string, fn func(id string) (*core.Entity, error)) ([]*core.Entity, error) {
	var (
		changed []*core.Entity
		errs    []error
	)
	for _, id := range targets {
		ent, err := fn(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ent != nil {
			changed = append(changed, ent)
		}
	}
	return changed, errors.Join(errs...)
}
