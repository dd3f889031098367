package scene

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-hub/internal/service"
)

// activatedLayout is the state written to scene.<id> on activation.
const activatedLayout = "2006-01-02T15:04:05.000000-07:00"

// Store is the part of the state store the engine writes through.
type Store interface {
	Get(entityID string) (*core.Entity, error)
	Write(entityID, state string, attrs map[string]any, mode core.WriteMode, opts ...core.WriteOption) (core.WriteResult, error)
	Delete(entityID string, opts ...core.WriteOption) (*core.Entity, error)
	Fire(eventType string, data map[string]any, ctx core.Context) (core.Event, error)
}

// ServiceRegistry is where the engine installs the scene.* services.
type ServiceRegistry interface {
	Register(domain, name string, h service.Handler)
}

// Engine activates scenes and maintains the scene.<id> entities.
//
// Thread Safety: Activate is safe for concurrent use. Loads are serialised.
type Engine struct {
	registry *Registry
	store    Store
	logger   Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	loadMu sync.Mutex
	path   string
}

// NewEngine creates a scene engine over registry, writing through store.
func NewEngine(registry *Registry, store Store) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		logger:   noopLogger{},
		now:      time.Now,
	}
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

// Registry returns the scene cache.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// LoadFile reads scenes from path and makes them the active set. A missing
// file yields an empty set. The path is remembered for Reload.
func (e *Engine) LoadFile(path string) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.path = path
	scenes, err := ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		e.logger.Warn("scenes file not found, starting with no scenes", "path", path)
		scenes = nil
	}
	return e.load(scenes)
}

// Load makes scenes the active set.
func (e *Engine) Load(scenes []*Scene) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	return e.load(scenes)
}

// Reload re-reads the file last passed to LoadFile.
func (e *Engine) Reload() error {
	e.loadMu.Lock()
	path := e.path
	e.loadMu.Unlock()

	if path == "" {
		return fmt.Errorf("%w: no scenes file configured", ErrInvalidScene)
	}
	return e.LoadFile(path)
}

func (e *Engine) load(scenes []*Scene) error {
	previous := e.registry.IDs()
	if err := e.registry.Replace(scenes); err != nil {
		return err
	}
	e.syncEntities(previous)
	return nil
}

// syncEntities creates an entity for every scene and removes entities of
// scenes that no longer exist. Existing entities keep their state.
func (e *Engine) syncEntities(previous []string) {
	current := make(map[string]bool)
	for _, s := range e.registry.ListScenes() {
		current[s.ID] = true

		members := make([]any, 0, len(s.Entities))
		for _, id := range s.EntityIDs() {
			members = append(members, id)
		}
		attrs := map[string]any{
			"id":            s.ID,
			"friendly_name": s.Name,
			"entity_id":     members,
		}
		if s.Icon != "" {
			attrs["icon"] = s.Icon
		}
		if _, err := e.store.Write(s.EntityID(), "", attrs, core.Merge, core.KeepState()); err != nil {
			e.logger.Error("failed to write scene entity", "scene_id", s.ID, "error", err)
		}
	}

	for _, id := range previous {
		if current[id] {
			continue
		}
		if _, err := e.store.Delete(Domain + "." + id); err != nil && !errors.Is(err, core.ErrNotFound) {
			e.logger.Warn("failed to remove scene entity", "scene_id", id, "error", err)
		}
	}
}

// Activate applies every bundle of the scene in Merge mode. A failing
// entity does not stop the others; the entities that were written are
// returned along with the joined errors.
func (e *Engine) Activate(ctx context.Context, sceneID string, parent core.Context) ([]*core.Entity, error) {
	s, err := e.registry.GetScene(sceneID)
	if err != nil {
		return nil, err
	}
	if parent.ID == "" {
		parent = core.NewContext(parent.ParentID, parent.UserID)
	}
	opts := writeOptions(parent)

	changed, applyErr := e.apply(ctx, s.Entities, opts)

	stamp := e.now().Format(activatedLayout)
	if _, err := e.store.Write(s.EntityID(), stamp, nil, core.Merge, opts...); err != nil {
		e.logger.Error("failed to stamp scene entity", "scene_id", s.ID, "error", err)
	}

	if _, err := e.store.Fire(core.EventSceneActivated, map[string]any{
		"scene_id":  s.ID,
		"entity_id": s.EntityID(),
		"name":      s.Name,
	}, parent); err != nil {
		e.logger.Warn("firing scene_activated failed", "scene_id", s.ID, "error", err)
	}
	e.metrics.SceneActivated()

	if applyErr != nil {
		e.logger.Warn("scene activated with errors",
			"scene_id", s.ID,
			"written", len(changed),
			"entities", len(s.Entities),
			"error", applyErr,
		)
	} else {
		e.logger.Info("scene activated", "scene_id", s.ID, "entities", len(changed))
	}
	return changed, applyErr
}

// apply merge-writes each bundle in entity id order.
func (e *Engine) apply(ctx context.Context, bundles map[string]EntityBundle, opts []core.WriteOption) ([]*core.Entity, error) {
	ids := make([]string, 0, len(bundles))
	for id := range bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		changed []*core.Entity
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		b := bundles[id]
		writeOpts := opts
		if b.State == "" {
			writeOpts = append(append([]core.WriteOption(nil), opts...), core.KeepState())
		}
		res, err := e.store.Write(id, b.State, b.Attributes, core.Merge, writeOpts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		changed = append(changed, res.New)
	}
	return changed, errors.Join(errs...)
}

func writeOptions(parent core.Context) []core.WriteOption {
	opts := []core.WriteOption{core.WithParentContext(parent.ID)}
	if parent.UserID != "" {
		opts = append(opts, core.WithUserID(parent.UserID))
	}
	return opts
}

// ─── Services ──────────────────────────────────────────────────────────

// RegisterServices installs scene.turn_on, scene.apply and scene.reload.
func (e *Engine) RegisterServices(reg ServiceRegistry) {
	reg.Register(Domain, service.ServiceTurnOn, e.turnOn)
	reg.Register(Domain, "apply", e.applyService)
	reg.Register(Domain, "reload", e.reloadService)
}

func (e *Engine) turnOn(ctx context.Context, call service.Call, targets []string) ([]*core.Entity, error) {
	var (
		changed []*core.Entity
		errs    []error
	)
	for _, id := range targets {
		domain, object, _ := core.SplitEntityID(id)
		if domain != Domain {
			errs = append(errs, fmt.Errorf("%w: %s is not a scene entity", ErrSceneNotFound, id))
			continue
		}
		c, err := e.Activate(ctx, object, call.Context)
		changed = append(changed, c...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return changed, errors.Join(errs...)
}

// applyService merges an ad-hoc bundle given as data["entities"] without
// defining a scene.
func (e *Engine) applyService(ctx context.Context, call service.Call, _ []string) ([]*core.Entity, error) {
	raw, ok := call.Data["entities"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: scene.apply requires entities", ErrNoEntities)
	}
	bundles, err := ParseBundles(raw)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, bundles, call.WriteOptions())
}

func (e *Engine) reloadService(context.Context, service.Call, []string) ([]*core.Entity, error) {
	return nil, e.Reload()
}
