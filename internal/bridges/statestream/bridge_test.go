package statestream

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// fakeClient records publishes and captures subscription handlers.
type fakeClient struct {
	mu         sync.Mutex
	messages   []published
	handlers   map[string]mqtt.MessageHandler
	publishErr error
	subErr     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, published{topic, payload, qos, retained})
	return nil
}

func (f *fakeClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeClient) deliver(topic string, payload string) error {
	f.mu.Lock()
	h := f.handlers["graylogic/set/+/+"]
	f.mu.Unlock()
	if h == nil {
		return errors.New("not subscribed")
	}
	return h(topic, []byte(payload))
}

func (f *fakeClient) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return published{}, false
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func newBridge(t *testing.T, store Store, exclude ...string) (*Bridge, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	b := New(client, store, Options{Topics: mqtt.NewTopics("graylogic"), QoS: 1, Exclude: exclude})
	return b, client
}

func TestStart_SubscribesAndPublishesSnapshot(t *testing.T) {
	store := core.NewStore(nil)
	_, err := store.Write("light.kitchen", "on", map[string]any{"brightness": 200}, core.Replace)
	require.NoError(t, err)
	_, err = store.Write("sensor.temp", "21.5", nil, core.Replace)
	require.NoError(t, err)

	b, client := newBridge(t, store)
	require.NoError(t, b.Start())
	require.NoError(t, b.Start(), "second Start is a no-op")

	assert.Contains(t, client.handlers, "graylogic/set/+/+")
	msg, ok := client.last("graylogic/state/light/kitchen")
	require.True(t, ok)
	assert.True(t, msg.retained)
	assert.Equal(t, byte(1), msg.qos)

	var ent core.Entity
	require.NoError(t, json.Unmarshal(msg.payload, &ent))
	assert.Equal(t, "light.kitchen", ent.EntityID)
	assert.Equal(t, "on", ent.State)
	assert.Equal(t, float64(200), ent.Attributes["brightness"])

	_, ok = client.last("graylogic/state/sensor/temp")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), b.Metrics().Published)

	b.Stop()
	assert.Empty(t, client.handlers)
}

func TestStart_SubscribeError(t *testing.T) {
	b, client := newBridge(t, core.NewStore(nil))
	client.subErr = mqtt.ErrNotConnected

	assert.ErrorIs(t, b.Start(), mqtt.ErrNotConnected)

	client.subErr = nil
	assert.NoError(t, b.Start(), "a failed Start can be retried")
}

func TestHandleEvent(t *testing.T) {
	store := core.NewStore(nil)
	b, client := newBridge(t, store, "sun", "sensor.secret")

	res, err := store.Write("light.hall", "off", nil, core.Replace)
	require.NoError(t, err)
	b.HandleEvent(core.Event{
		EventType: core.EventStateChanged,
		Data:      core.StateChangedData{EntityID: "light.hall", NewState: res.New},
	})
	msg, ok := client.last("graylogic/state/light/hall")
	require.True(t, ok)
	assert.Contains(t, string(msg.payload), `"state":"off"`)

	// Removal clears the retained message.
	b.HandleEvent(core.Event{
		EventType: core.EventStateChanged,
		Data:      core.StateChangedData{EntityID: "light.hall", OldState: res.New},
	})
	msg, ok = client.last("graylogic/state/light/hall")
	require.True(t, ok)
	assert.Empty(t, msg.payload)
	assert.True(t, msg.retained)

	before := client.count()
	b.HandleEvent(core.Event{EventType: "custom", Data: map[string]any{"x": 1}})
	b.HandleEvent(core.Event{
		EventType: core.EventStateChanged,
		Data:      core.StateChangedData{EntityID: "sun.sun", NewState: &core.Entity{EntityID: "sun.sun", State: "above_horizon"}},
	})
	b.HandleEvent(core.Event{
		EventType: core.EventStateChanged,
		Data:      core.StateChangedData{EntityID: "sensor.secret", NewState: &core.Entity{EntityID: "sensor.secret", State: "1"}},
	})
	assert.Equal(t, before, client.count(), "ignored and excluded events publish nothing")
}

func TestHandleEvent_PublishErrorCounted(t *testing.T) {
	b, client := newBridge(t, core.NewStore(nil))
	client.publishErr = mqtt.ErrNotConnected

	b.HandleEvent(core.Event{
		EventType: core.EventStateChanged,
		Data:      core.StateChangedData{EntityID: "light.a", NewState: &core.Entity{EntityID: "light.a", State: "on"}},
	})
	assert.Equal(t, uint64(1), b.Metrics().PublishErrors)
	assert.Zero(t, b.Metrics().Published)
}

func TestSet_WritesReplace(t *testing.T) {
	store := core.NewStore(nil)
	_, err := store.Write("light.porch", "off", map[string]any{"friendly_name": "Porch", "brightness": 10}, core.Replace)
	require.NoError(t, err)

	b, client := newBridge(t, store)
	require.NoError(t, b.Start())

	require.NoError(t, client.deliver("graylogic/set/light/porch", `{"state":"on","attributes":{"brightness":255}}`))

	ent, err := store.Get("light.porch")
	require.NoError(t, err)
	assert.Equal(t, "on", ent.State)
	assert.Equal(t, float64(255), ent.Attributes["brightness"])
	_, kept := ent.Attributes["friendly_name"]
	assert.False(t, kept, "set messages replace attributes")

	require.NoError(t, client.deliver("graylogic/set/binary_sensor/door", `{"state":"open"}`))
	door, err := store.Get("binary_sensor.door")
	require.NoError(t, err)
	assert.Equal(t, "open", door.State)

	assert.Equal(t, uint64(2), b.Metrics().SetsReceived)
}

func TestSet_Rejections(t *testing.T) {
	store := core.NewStore(nil)
	b, client := newBridge(t, store)
	require.NoError(t, b.Start())

	tests := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{name: "not json", topic: "graylogic/set/light/a", payload: "on", want: ErrInvalidPayload},
		{name: "missing state", topic: "graylogic/set/light/a", payload: `{"attributes":{}}`, want: ErrInvalidPayload},
		{name: "bad topic", topic: "graylogic/set/light", payload: `{"state":"on"}`, want: ErrInvalidTopic},
		{name: "invalid entity id", topic: "graylogic/set/Light/A", payload: `{"state":"on"}`, want: core.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, client.deliver(tt.topic, tt.payload), tt.want)
		})
	}
	assert.Equal(t, uint64(len(tests)), b.Metrics().SetsRejected)
	assert.Zero(t, store.Count())
}

func TestSetRoundTripThroughBus(t *testing.T) {
	bus := core.NewBus(64)
	store := core.NewStore(bus)
	b, client := newBridge(t, store)

	_, err := bus.Register("statestream", 0, core.HandlerFunc(b.HandleEvent))
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	require.NoError(t, b.Start())

	require.NoError(t, client.deliver("graylogic/set/switch/pump", `{"state":"on"}`))

	require.Eventually(t, func() bool {
		msg, ok := client.last("graylogic/state/switch/pump")
		return ok && len(msg.payload) > 0
	}, 2*time.Second, 5*time.Millisecond)
}
