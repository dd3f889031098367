package scene

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/service"
)

const scenesYAML = `
- id: movie_night
  name: Movie Night
  icon: mdi:movie
  entities:
    light.lounge:
      state: "on"
      brightness: 80
    switch.tv: "on"
    light.hall:
      colour: warm
- name: All Off
  entities:
    light.lounge: "off"
`

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) Publish(ev core.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t string) []core.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.Event
	for _, ev := range l.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

var fixedNow = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *core.Store, *eventLog) {
	t.Helper()
	log := &eventLog{}
	store := core.NewStore(log)
	engine := NewEngine(NewRegistry(), store)
	engine.SetClock(func() time.Time { return fixedNow })

	scenes, err := Parse([]byte(scenesYAML))
	require.NoError(t, err)
	require.NoError(t, engine.Load(scenes))
	return engine, store, log
}

func get(t *testing.T, store *core.Store, id string) *core.Entity {
	t.Helper()
	e, err := store.Get(id)
	require.NoError(t, err)
	return e
}

// ─── Loader ────────────────────────────────────────────────────────

func TestParse(t *testing.T) {
	scenes, err := Parse([]byte(scenesYAML))
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	movie := scenes[0]
	assert.Equal(t, "movie_night", movie.ID)
	assert.Equal(t, []string{"light.hall", "light.lounge", "switch.tv"}, movie.EntityIDs())
	assert.Equal(t, "on", movie.Entities["light.lounge"].State)
	assert.Equal(t, 80, movie.Entities["light.lounge"].Attributes["brightness"])
	assert.Equal(t, "on", movie.Entities["switch.tv"].State)
	assert.Empty(t, movie.Entities["light.hall"].State)

	// ID derived from the name.
	assert.Equal(t, "all_off", scenes[1].ID)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no entities", "- id: empty\n"},
		{"bad entity id", "- id: x\n  entities:\n    Light.Bad: on\n"},
		{"bad scene id", "- id: \"Bad Id\"\n  entities:\n    light.a: on\n"},
		{"non scalar state", "- id: x\n  entities:\n    light.a:\n      state: [1, 2]\n"},
		{"malformed", "- id: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseBundles_BoolShorthand(t *testing.T) {
	bundles, err := ParseBundles(map[string]any{"switch.a": true, "switch.b": false, "input_number.x": 2.5})
	require.NoError(t, err)
	assert.Equal(t, "on", bundles["switch.a"].State)
	assert.Equal(t, "off", bundles["switch.b"].State)
	assert.Equal(t, "2.5", bundles["input_number.x"].State)
}

// ─── Registry ──────────────────────────────────────────────────────

func TestRegistry_ReplaceRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	s := &Scene{ID: "a", Name: "A", Entities: map[string]EntityBundle{"light.x": {State: "on"}}}
	require.NoError(t, r.Replace([]*Scene{s}))

	err := r.Replace([]*Scene{s, s})
	assert.ErrorIs(t, err, ErrSceneExists)
	assert.Equal(t, 1, r.Count(), "failed replace keeps the previous set")
}

func TestRegistry_GetSceneReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Replace([]*Scene{{
		ID:       "a",
		Name:     "A",
		Entities: map[string]EntityBundle{"light.x": {Attributes: map[string]any{"brightness": 10}}},
	}}))

	s, err := r.GetScene("a")
	require.NoError(t, err)
	s.Entities["light.x"].Attributes["brightness"] = 99

	again, err := r.GetScene("a")
	require.NoError(t, err)
	assert.Equal(t, 10, again.Entities["light.x"].Attributes["brightness"])

	_, err = r.GetScene("missing")
	assert.ErrorIs(t, err, ErrSceneNotFound)
}

func TestRegistry_ListScenesSorted(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	scenes := engine.Registry().ListScenes()
	require.Len(t, scenes, 2)
	assert.Equal(t, "All Off", scenes[0].Name)
	assert.Equal(t, "Movie Night", scenes[1].Name)
}

// ─── Activation ────────────────────────────────────────────────────

func TestActivate_MergePreservesUnnamedAttributes(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	_, err := store.Write("light.lounge", "off", map[string]any{
		"friendly_name": "Lounge",
		"brightness":    10,
		"custom":        "keep me",
	}, core.Replace)
	require.NoError(t, err)

	changed, err := engine.Activate(context.Background(), "movie_night", core.Context{})
	require.NoError(t, err)
	assert.Len(t, changed, 3)

	lounge := get(t, store, "light.lounge")
	assert.Equal(t, "on", lounge.State)
	assert.Equal(t, float64(80), lounge.Attributes["brightness"])
	assert.Equal(t, "Lounge", lounge.Attributes["friendly_name"])
	assert.Equal(t, "keep me", lounge.Attributes["custom"])
}

func TestActivate_BundleWithoutStateKeepsState(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	_, err := store.Write("light.hall", "off", map[string]any{"brightness": 5}, core.Replace)
	require.NoError(t, err)

	_, err = engine.Activate(context.Background(), "movie_night", core.Context{})
	require.NoError(t, err)

	hall := get(t, store, "light.hall")
	assert.Equal(t, "off", hall.State)
	assert.Equal(t, "warm", hall.Attributes["colour"])
	assert.Equal(t, float64(5), hall.Attributes["brightness"])
}

func TestActivate_CreatesAbsentEntities(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	_, err := engine.Activate(context.Background(), "movie_night", core.Context{})
	require.NoError(t, err)

	assert.Equal(t, "on", get(t, store, "switch.tv").State)
	assert.Equal(t, core.StateUnknown, get(t, store, "light.hall").State)
}

func TestActivate_StampsSceneEntityAndFiresEvent(t *testing.T) {
	engine, store, log := newTestEngine(t)

	sceneEntity := get(t, store, "scene.movie_night")
	assert.Equal(t, core.StateUnknown, sceneEntity.State)
	assert.Equal(t, "Movie Night", sceneEntity.Attributes["friendly_name"])
	assert.Equal(t, "mdi:movie", sceneEntity.Attributes["icon"])

	parent := core.NewContext("", "user-1")
	_, err := engine.Activate(context.Background(), "movie_night", parent)
	require.NoError(t, err)

	sceneEntity = get(t, store, "scene.movie_night")
	assert.Equal(t, "2026-03-01T20:00:00.000000+00:00", sceneEntity.State)
	assert.Equal(t, "Movie Night", sceneEntity.Attributes["friendly_name"])

	lounge := get(t, store, "light.lounge")
	assert.Equal(t, parent.ID, lounge.Context.ParentID)
	assert.Equal(t, "user-1", lounge.Context.UserID)

	events := log.ofType(core.EventSceneActivated)
	require.Len(t, events, 1)
	assert.Equal(t, "movie_night", events[0].DataMap()["scene_id"])
	assert.Equal(t, parent.ID, events[0].Context.ID)
}

func TestActivate_UnknownScene(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Activate(context.Background(), "nope", core.Context{})
	assert.ErrorIs(t, err, ErrSceneNotFound)
}

func TestActivate_CancelledContext(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	changed, err := engine.Activate(ctx, "movie_night", core.Context{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, changed)

	_, err = store.Get("switch.tv")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// ─── Reload ────────────────────────────────────────────────────────

func TestLoadFile_ReloadRemovesStaleEntities(t *testing.T) {
	log := &eventLog{}
	store := core.NewStore(log)
	engine := NewEngine(NewRegistry(), store)

	path := filepath.Join(t.TempDir(), "scenes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenesYAML), 0600))
	require.NoError(t, engine.LoadFile(path))
	assert.Equal(t, 2, engine.Registry().Count())

	_, err := engine.Activate(context.Background(), "movie_night", core.Context{})
	require.NoError(t, err)
	stamped := get(t, store, "scene.movie_night").State

	require.NoError(t, os.WriteFile(path, []byte("- id: movie_night\n  entities:\n    light.lounge: dim\n"), 0600))
	require.NoError(t, engine.Reload())

	assert.Equal(t, 1, engine.Registry().Count())
	assert.Equal(t, stamped, get(t, store, "scene.movie_night").State, "reload keeps the last activation")
	_, err = store.Get("scene.all_off")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLoadFile_Missing(t *testing.T) {
	engine := NewEngine(NewRegistry(), core.NewStore(nil))
	require.NoError(t, engine.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Zero(t, engine.Registry().Count())
}

// ─── Services ──────────────────────────────────────────────────────

func TestServices_TurnOn(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	services := service.NewRegistry(store)
	engine.RegisterServices(services)

	changed, err := services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: service.ServiceTurnOn,
		Data:    map[string]any{"entity_id": "scene.all_off"},
	})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "off", get(t, store, "light.lounge").State)

	_, err = services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: service.ServiceTurnOn,
		Data:    map[string]any{"entity_id": "light.lounge"},
	})
	assert.ErrorIs(t, err, ErrSceneNotFound)
}

func TestServices_Apply(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	services := service.NewRegistry(store)
	engine.RegisterServices(services)

	_, err := services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: "apply",
		Data: map[string]any{"entities": map[string]any{
			"light.desk": map[string]any{"state": "on", "brightness": float64(20)},
		}},
	})
	require.NoError(t, err)

	desk := get(t, store, "light.desk")
	assert.Equal(t, "on", desk.State)
	assert.Equal(t, float64(20), desk.Attributes["brightness"])

	_, err = services.Call(context.Background(), service.Call{Domain: Domain, Service: "apply"})
	assert.ErrorIs(t, err, ErrNoEntities)
}
