package automation

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
	"github.com/nerrad567/gray-logic-hub/internal/scene"
	"github.com/nerrad567/gray-logic-hub/internal/service"
	"github.com/nerrad567/gray-logic-hub/internal/template"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

const smokeYAML = `
- id: smoke_unlock
  alias: Unlock on smoke
  trigger:
    - platform: state
      entity_id: binary_sensor.smoke
      to: "on"
  action:
    - service: lock.unlock
      target:
        entity_id: lock.front_door
`

// ─── Harness ───────────────────────────────────────────────────────

type harness struct {
	t        *testing.T
	bus      *core.Bus
	store    *core.Store
	services *service.Registry
	engine   *Engine

	mu     sync.Mutex
	events []core.Event
	synced chan string
}

func newHarness(t *testing.T, defs string, opts Options) *harness {
	t.Helper()

	h := &harness{t: t, synced: make(chan string, 64)}
	h.bus = core.NewBus(1024)
	h.store = core.NewStore(h.bus)
	h.services = service.NewRegistry(h.store)
	h.engine = NewEngine(h.store, h.services, template.New(h.store), opts)
	h.engine.RegisterServices(h.services)

	_, err := h.bus.Register("automation", 0, core.HandlerFunc(func(ev core.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()

		h.engine.HandleEvent(ev)
		if ev.EventType == "test_sync" {
			h.synced <- ev.Context.ID
		}
	}))
	require.NoError(t, err)

	if defs != "" {
		parsed, err := Parse([]byte(defs), opts.MaxRuns)
		require.NoError(t, err)
		require.NoError(t, h.engine.Load(parsed))
	}

	t.Cleanup(func() {
		h.engine.Stop()
		h.bus.Close()
	})
	return h
}

func (h *harness) write(id, state string) {
	h.t.Helper()
	_, err := h.store.Write(id, state, nil, core.Replace)
	require.NoError(h.t, err)
}

func (h *harness) fire(eventType string, data map[string]any) {
	h.t.Helper()
	_, err := h.store.Fire(eventType, data, core.Context{})
	require.NoError(h.t, err)
}

// sync returns once the engine has handled every event published so far.
func (h *harness) sync() {
	h.t.Helper()
	ev, err := h.store.Fire("test_sync", nil, core.Context{})
	require.NoError(h.t, err)
	deadline := time.After(waitFor)
	for {
		select {
		case id := <-h.synced:
			if id == ev.Context.ID {
				return
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for the engine to drain")
		}
	}
}

func (h *harness) state(id string) string {
	ent, err := h.store.Get(id)
	if err != nil {
		return ""
	}
	return ent.State
}

func (h *harness) waitState(id, want string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.state(id) == want }, waitFor, tick,
		"%s never became %q (now %q)", id, want, h.state(id))
}

func (h *harness) eventsOfType(eventType string) []core.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []core.Event
	for _, ev := range h.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) info(id string) Info {
	h.t.Helper()
	info, err := h.engine.Get(id)
	require.NoError(h.t, err)
	return info
}

// ─── Scenario ──────────────────────────────────────────────────────

func TestSmokeUnlocksFrontDoor(t *testing.T) {
	h := newHarness(t, smokeYAML, Options{ForceTriggerSkipCondition: true})

	// Enabled: the trigger unlocks the door.
	h.write("lock.front_door", "locked")
	h.write("binary_sensor.smoke", "off")
	h.write("binary_sensor.smoke", "on")
	h.waitState("lock.front_door", "unlocked")
	require.Eventually(t, func() bool { return h.info("smoke_unlock").Current == 0 }, waitFor, tick)

	// Disabled: nothing runs.
	_, err := h.engine.TurnOff("smoke_unlock", true, core.Context{})
	require.NoError(t, err)
	h.write("lock.front_door", "locked")
	h.write("binary_sensor.smoke", "off")
	h.write("binary_sensor.smoke", "on")
	h.sync()
	assert.Equal(t, "locked", h.state("lock.front_door"))
	assert.Equal(t, "off", h.state("automation.unlock_on_smoke"))

	// Forced: runs regardless of enabled.
	outcome, err := h.engine.Trigger("smoke_unlock", nil, core.Context{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
	h.waitState("lock.front_door", "unlocked")

	info := h.info("smoke_unlock")
	assert.False(t, info.Enabled)
	assert.Equal(t, uint64(2), info.TotalTriggers)
	assert.NotNil(t, info.LastTriggered)
}

func TestRunContextChainsToTrigger(t *testing.T) {
	h := newHarness(t, smokeYAML, Options{})

	h.write("lock.front_door", "locked")
	res, err := h.store.Write("binary_sensor.smoke", "on", nil, core.Replace)
	require.NoError(t, err)
	h.waitState("lock.front_door", "unlocked")

	triggered := h.eventsOfType(core.EventAutomationTriggered)
	require.Len(t, triggered, 1)
	runCtx := triggered[0].Context
	assert.Equal(t, res.Context.ID, runCtx.ParentID)
	assert.Equal(t, "automation.unlock_on_smoke", triggered[0].DataMap()["entity_id"])

	door, err := h.store.Get("lock.front_door")
	require.NoError(t, err)
	assert.Equal(t, runCtx.ID, door.Context.ParentID)
}

// ─── Conditions and force trigger ──────────────────────────────────

const fanYAML = `
- id: fan
  triggers:
    - trigger: event
      event_type: check
  conditions:
    - condition: numeric_state
      entity_id: sensor.temp
      above: 20
  actions:
    - action: homeassistant.turn_on
      entity_id: light.fan
`

func TestConditionGate(t *testing.T) {
	h := newHarness(t, fanYAML, Options{})

	h.write("sensor.temp", "20")
	h.fire("check", nil)
	h.sync()
	assert.Empty(t, h.state("light.fan"), "value equal to above must not pass")
	assert.Zero(t, h.info("fan").TotalTriggers)

	h.write("sensor.temp", "21")
	h.fire("check", nil)
	h.waitState("light.fan", "on")
}

func TestForceTrigger_ConditionFlag(t *testing.T) {
	h := newHarness(t, fanYAML, Options{ForceTriggerSkipCondition: false})
	h.write("sensor.temp", "5")

	outcome, err := h.engine.Trigger("fan", nil, core.Context{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConditionFailed, outcome)

	skip := true
	outcome, err = h.engine.Trigger("fan", &skip, core.Context{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
	h.waitState("light.fan", "on")

	_, err = h.engine.Trigger("missing", nil, core.Context{})
	assert.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestTriggerService_SkipConditionOverride(t *testing.T) {
	h := newHarness(t, fanYAML, Options{ForceTriggerSkipCondition: true})
	h.write("sensor.temp", "5")

	_, err := h.services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: "trigger",
		Data:    map[string]any{"entity_id": "automation.fan", "skip_condition": false},
	})
	require.NoError(t, err)
	h.sync()
	assert.Empty(t, h.state("light.fan"))

	_, err = h.services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: "trigger",
		Data:    map[string]any{"entity_id": "automation.fan"},
	})
	require.NoError(t, err)
	h.waitState("light.fan", "on")
}

// ─── Actions ───────────────────────────────────────────────────────

func TestRepeatAndChoose(t *testing.T) {
	h := newHarness(t, `
- id: counter
  mode: queued
  trigger:
    platform: event
    event_type: go
  action:
    - repeat:
        count: 3
        sequence:
          - event: counted
            event_data:
              index: "{{ .repeat.index }}"
    - choose:
        - conditions:
            - condition: template
              value_template: '{{ eq .trigger.event.data.level "high" }}'
          sequence:
            - service: homeassistant.turn_on
              entity_id: light.high
      default:
        - service: homeassistant.turn_on
          entity_id: light.low
`, Options{})

	h.fire("go", map[string]any{"level": "high"})
	h.waitState("light.high", "on")

	require.Eventually(t, func() bool { return len(h.eventsOfType("counted")) == 3 }, waitFor, tick)
	var indexes []any
	for _, ev := range h.eventsOfType("counted") {
		indexes = append(indexes, ev.DataMap()["index"])
	}
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, indexes)
	assert.Empty(t, h.state("light.low"))

	h.fire("go", map[string]any{"level": "low"})
	h.waitState("light.low", "on")
}

func TestFailingActionDoesNotStopRun(t *testing.T) {
	h := newHarness(t, `
- id: resilient
  trigger:
    platform: event
    event_type: go
  action:
    - service: lock.unlock
      entity_id: "Not An Entity"
    - service: homeassistant.turn_on
      entity_id: light.after
`, Options{})

	h.fire("go", nil)
	h.waitState("light.after", "on")
}

func TestFailureInsideRepeatAbortsOnlyTheBranch(t *testing.T) {
	h := newHarness(t, `
- id: branchy
  trigger:
    platform: event
    event_type: go
  action:
    - repeat:
        count: 3
        sequence:
          - service: lock.lock
            entity_id: "Bad Id"
          - service: homeassistant.turn_on
            entity_id: light.never
    - service: homeassistant.turn_on
      entity_id: light.after
`, Options{})

	h.fire("go", nil)
	h.waitState("light.after", "on")
	assert.Empty(t, h.state("light.never"))
}

func TestSceneAction(t *testing.T) {
	h := newHarness(t, `
- id: evening
  trigger:
    platform: event
    event_type: dusk
  action:
    - scene: scene.evening
`, Options{})

	scenes := scene.NewEngine(scene.NewRegistry(), h.store)
	require.NoError(t, scenes.Load([]*scene.Scene{{
		ID:   "evening",
		Name: "Evening",
		Entities: map[string]scene.EntityBundle{
			"light.lounge": {State: "on", Attributes: map[string]any{"brightness": 40}},
		},
	}}))
	scenes.RegisterServices(h.services)

	_, err := h.store.Write("light.lounge", "off", map[string]any{"friendly_name": "Lounge"}, core.Replace)
	require.NoError(t, err)

	h.fire("dusk", nil)
	h.waitState("light.lounge", "on")

	lounge, err := h.store.Get("light.lounge")
	require.NoError(t, err)
	assert.Equal(t, "Lounge", lounge.Attributes["friendly_name"])
	assert.Equal(t, float64(40), lounge.Attributes["brightness"])
}

func TestDelayDoesNotBlockOtherAutomations(t *testing.T) {
	h := newHarness(t, `
- id: slow
  trigger: {platform: event, event_type: slow}
  action:
    - delay: "01:00:00"
    - service: homeassistant.turn_on
      entity_id: light.slow
- id: fast
  trigger: {platform: event, event_type: fast}
  action:
    - service: homeassistant.turn_on
      entity_id: light.fast
`, Options{})

	h.fire("slow", nil)
	require.Eventually(t, func() bool { return h.info("slow").Current == 1 }, waitFor, tick)

	h.fire("fast", nil)
	h.waitState("light.fast", "on")
	assert.Empty(t, h.state("light.slow"))

	// turn_off cancels the pending delay.
	_, err := h.engine.TurnOff("slow", true, core.Context{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.info("slow").Current == 0 }, waitFor, tick)
	assert.Empty(t, h.state("light.slow"))
}

// ─── Run modes ─────────────────────────────────────────────────────

func TestRunMode_SingleDropsWhileRunning(t *testing.T) {
	h := newHarness(t, `
- id: single
  trigger: {platform: event, event_type: go}
  action:
    - delay: 3600
`, Options{})

	first, err := h.engine.Trigger("single", nil, core.Context{})
	require.NoError(t, err)
	second, err := h.engine.Trigger("single", nil, core.Context{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeStarted, first)
	assert.Equal(t, OutcomeDropped, second)
}

func TestRunMode_RestartCancelsInFlight(t *testing.T) {
	h := newHarness(t, `
- id: restart
  mode: restart
  trigger: {platform: event, event_type: go}
  action:
    - delay: 3600
`, Options{})

	first, err := h.engine.Trigger("restart", nil, core.Context{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.info("restart").Current == 1 }, waitFor, tick)

	second, err := h.engine.Trigger("restart", nil, core.Context{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeStarted, first)
	assert.Equal(t, OutcomeRestarted, second)
	require.Eventually(t, func() bool {
		info := h.info("restart")
		return info.TotalTriggers == 2 && info.Current == 1
	}, waitFor, tick)
}

func TestRunMode_QueuedAndParallelHonourMax(t *testing.T) {
	h := newHarness(t, `
- id: queued
  mode: queued
  max: 2
  trigger: {platform: event, event_type: go}
  action:
    - delay: 3600
- id: parallel
  mode: parallel
  max: 2
  trigger: {platform: event, event_type: go}
  action:
    - delay: 3600
`, Options{})

	var queued, parallel []Outcome
	for i := 0; i < 3; i++ {
		q, err := h.engine.Trigger("queued", nil, core.Context{})
		require.NoError(t, err)
		queued = append(queued, q)
		p, err := h.engine.Trigger("parallel", nil, core.Context{})
		require.NoError(t, err)
		parallel = append(parallel, p)
	}

	assert.Equal(t, []Outcome{OutcomeStarted, OutcomeQueued, OutcomeDropped}, queued)
	assert.Equal(t, []Outcome{OutcomeStarted, OutcomeStarted, OutcomeDropped}, parallel)
	require.Eventually(t, func() bool { return h.info("parallel").Current == 2 }, waitFor, tick)
}

// ─── Entities and services ─────────────────────────────────────────

func TestAutomationEntity(t *testing.T) {
	h := newHarness(t, smokeYAML, Options{})

	ent, err := h.store.Get("automation.unlock_on_smoke")
	require.NoError(t, err)
	assert.Equal(t, "on", ent.State)
	assert.Equal(t, "smoke_unlock", ent.Attributes["id"])
	assert.Equal(t, "Unlock on smoke", ent.Attributes["friendly_name"])
	assert.Equal(t, "single", ent.Attributes["mode"])
	assert.Equal(t, float64(0), ent.Attributes["current"])
	assert.Nil(t, ent.Attributes["last_triggered"])

	changed, err := h.services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: service.ServiceTurnOff,
		Data:    map[string]any{"entity_id": "automation.unlock_on_smoke"},
	})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "off", changed[0].State)
	assert.False(t, h.info("smoke_unlock").Enabled)

	_, err = h.services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: service.ServiceToggle,
		Data:    map[string]any{"entity_id": "automation.unlock_on_smoke"},
	})
	require.NoError(t, err)
	assert.Equal(t, "on", h.state("automation.unlock_on_smoke"))

	// Enabling never runs the actions.
	assert.Zero(t, h.info("smoke_unlock").TotalTriggers)

	_, err = h.services.Call(context.Background(), service.Call{
		Domain:  Domain,
		Service: service.ServiceTurnOn,
		Data:    map[string]any{"entity_id": "automation.missing"},
	})
	assert.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestInitialStateOff(t *testing.T) {
	h := newHarness(t, `
- id: dormant
  initial_state: false
  trigger: {platform: event, event_type: go}
  action:
    - service: homeassistant.turn_on
      entity_id: light.x
`, Options{})

	assert.Equal(t, "off", h.state("automation.dormant"))
	h.fire("go", nil)
	h.sync()
	assert.Empty(t, h.state("light.x"))
}

func TestReloadKeepsRuntimeCounters(t *testing.T) {
	h := newHarness(t, "", Options{})
	path := filepath.Join(t.TempDir(), "automations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smokeYAML+fanYAML), 0600))
	require.NoError(t, h.engine.LoadFile(path))
	require.Len(t, h.engine.List(), 2)

	_, err := h.engine.Trigger("smoke_unlock", nil, core.Context{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.info("smoke_unlock").TotalTriggers == 1 }, waitFor, tick)
	_, err = h.engine.TurnOff("smoke_unlock", true, core.Context{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(smokeYAML), 0600))
	_, err = h.services.Call(context.Background(), service.Call{Domain: Domain, Service: "reload"})
	require.NoError(t, err)

	info := h.info("smoke_unlock")
	assert.Equal(t, uint64(1), info.TotalTriggers)
	assert.False(t, info.Enabled)
	assert.NotNil(t, info.LastTriggered)

	_, err = h.engine.Get("fan")
	assert.ErrorIs(t, err, ErrAutomationNotFound)
	_, err = h.store.Get("automation.fan")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.Eventually(t, func() bool { return len(h.eventsOfType(core.EventAutomationReloaded)) == 1 }, waitFor, tick)
}

func TestReloadKeepsCurrentSetOnParseError(t *testing.T) {
	h := newHarness(t, "", Options{})
	path := filepath.Join(t.TempDir(), "automations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smokeYAML), 0600))
	require.NoError(t, h.engine.LoadFile(path))

	require.NoError(t, os.WriteFile(path, []byte("- id: [broken"), 0600))
	assert.Error(t, h.engine.Reload())
	assert.Len(t, h.engine.List(), 1)
}

// ─── Scheduled triggers ────────────────────────────────────────────

func TestTimeTriggerFires(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	h := newHarness(t, "", Options{})
	h.engine.SetClock(func() time.Time { return now })

	defs, err := Parse([]byte(`
- id: morning
  trigger:
    platform: time
    at: "07:30:00"
  action:
    - event: good_morning
`), 0)
	require.NoError(t, err)
	require.NoError(t, h.engine.Load(defs))

	h.engine.sched.fireDue(now.Add(10 * time.Minute))
	h.sync()
	assert.Empty(t, h.eventsOfType("good_morning"))

	h.engine.sched.fireDue(now.Add(31 * time.Minute))
	require.Eventually(t, func() bool { return len(h.eventsOfType("good_morning")) == 1 }, waitFor, tick)

	// Rescheduled for tomorrow, so firing again at the same instant is a no-op.
	h.engine.sched.fireDue(now.Add(31 * time.Minute))
	h.sync()
	assert.Equal(t, uint64(1), h.info("morning").TotalTriggers)
}
