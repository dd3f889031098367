package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

func stateEvent(id, state string) core.Event {
	return core.Event{
		EventType: core.EventStateChanged,
		Data:      core.StateChangedData{EntityID: id, NewState: &core.Entity{EntityID: id, State: state}},
	}
}

func drain(ch <-chan core.Event) []core.Event {
	var out []core.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSubscribe_Filters(t *testing.T) {
	r := NewRegistry(16, 4)

	all := r.Subscribe(Filter{})
	states := r.Subscribe(Filter{EventTypes: []string{core.EventStateChanged}})
	kitchen := r.Subscribe(Filter{EntityIDs: []string{"light.kitchen"}})

	r.HandleEvent(stateEvent("light.kitchen", "on"))
	r.HandleEvent(stateEvent("light.hall", "on"))
	r.HandleEvent(core.Event{EventType: "doorbell", Data: map[string]any{}})

	assert.Len(t, drain(all.Events()), 3)
	assert.Len(t, drain(states.Events()), 2)
	got := drain(kitchen.Events())
	require.Len(t, got, 1)
	assert.Equal(t, "light.kitchen", got[0].EntityID())
	assert.Equal(t, 3, r.Count())
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry(4, 4)
	s := r.Subscribe(Filter{})

	r.Unsubscribe(s.ID())
	r.Unsubscribe(s.ID())

	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
	assert.Zero(t, r.Count())

	assert.NotPanics(t, func() { r.HandleEvent(stateEvent("light.a", "on")) })
}

func TestSlowConsumerIsolated(t *testing.T) {
	r := NewRegistry(2, 3)

	slow := r.Subscribe(Filter{})
	fast := r.Subscribe(Filter{})

	var fastGot []core.Event
	for i := 0; i < 10; i++ {
		r.HandleEvent(stateEvent("sensor.a", "x"))
		fastGot = append(fastGot, drain(fast.Events())...)
	}

	// Two buffered, then three consecutive drops end the slow subscriber.
	buffered := drain(slow.Events())
	assert.Len(t, buffered, 2)
	_, open := <-slow.Events()
	assert.False(t, open)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	assert.Len(t, fastGot, 10)
	assert.Equal(t, 1, r.Count())
}

func TestDropsResetAfterDelivery(t *testing.T) {
	r := NewRegistry(1, 2)
	s := r.Subscribe(Filter{})

	for i := 0; i < 5; i++ {
		r.HandleEvent(stateEvent("sensor.a", "1")) // fills
		r.HandleEvent(stateEvent("sensor.a", "2")) // one drop
		<-s.Events()
	}
	assert.NoError(t, s.Err())
	assert.Equal(t, 1, r.Count())
}

func TestClose(t *testing.T) {
	r := NewRegistry(4, 4)
	s := r.Subscribe(Filter{})

	r.Close()
	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
	assert.ErrorIs(t, s.Err(), ErrClosed)

	late := r.Subscribe(Filter{})
	_, ok := <-late.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, late.Err(), ErrClosed)
}

func TestRegistryAsBusSink(t *testing.T) {
	bus := core.NewBus(16)
	defer bus.Close()

	r := NewRegistry(16, 4)
	_, err := bus.Register("subscriptions", 0, r)
	require.NoError(t, err)

	s := r.Subscribe(Filter{EntityIDs: []string{"switch.a"}})
	store := core.NewStore(bus)
	_, err = store.Write("switch.a", "on", nil, core.Replace)
	require.NoError(t, err)
	_, err = store.Write("switch.b", "on", nil, core.Replace)
	require.NoError(t, err)

	select {
	case ev := <-s.Events():
		assert.Equal(t, "switch.a", ev.EntityID())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
