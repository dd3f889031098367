package scene

import (
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry and Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the in-memory scene cache.
//
// All public methods are thread-safe. Returned scenes are deep copies.
type Registry struct {
	cache   map[string]*Scene // Cached scenes by ID
	cacheMu sync.RWMutex      // Protects cache
	logger  Logger
}

// NewRegistry creates an empty scene registry.
func NewRegistry() *Registry {
	return &Registry{
		cache:  make(map[string]*Scene),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Replace validates scenes and swaps them in as the complete scene set.
// On error the previous set is kept.
func (r *Registry) Replace(scenes []*Scene) error {
	next := make(map[string]*Scene, len(scenes))
	for _, s := range scenes {
		if err := ValidateScene(s); err != nil {
			return err
		}
		if _, dup := next[s.ID]; dup {
			return fmt.Errorf("%w: %s", ErrSceneExists, s.ID)
		}
		next[s.ID] = s.DeepCopy()
	}

	r.cacheMu.Lock()
	r.cache = next
	r.cacheMu.Unlock()

	r.logger.Info("scene cache refreshed", "count", len(next))
	return nil
}

// GetScene retrieves a scene by ID.
func (r *Registry) GetScene(id string) (*Scene, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	s, ok := r.cache[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	return s.DeepCopy(), nil
}

// ListScenes returns all scenes sorted by name, then ID.
func (r *Registry) ListScenes() []*Scene {
	r.cacheMu.RLock()
	scenes := make([]*Scene, 0, len(r.cache))
	for _, s := range r.cache {
		scenes = append(scenes, s.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(scenes, func(i, j int) bool {
		if scenes[i].Name != scenes[j].Name {
			return scenes[i].Name < scenes[j].Name
		}
		return scenes[i].ID < scenes[j].ID
	})
	return scenes
}

// IDs returns the cached scene IDs, sorted.
func (r *Registry) IDs() []string {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	ids := make([]string, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of cached scenes.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
