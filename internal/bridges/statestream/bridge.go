package statestream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
)

// Sentinel errors.
var (
	ErrInvalidTopic   = errors.New("statestream: invalid set topic")
	ErrInvalidPayload = errors.New("statestream: invalid set payload")
)

// Client is the MQTT surface the bridge needs. *mqtt.Client satisfies it.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Store is the part of the State Store the bridge reads and writes.
type Store interface {
	All() []*core.Entity
	Write(entityID, state string, attrs map[string]any, mode core.WriteMode, opts ...core.WriteOption) (core.WriteResult, error)
}

// Logger defines the logging interface used by the bridge.
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

// Options configures a Bridge.
type Options struct {
	Topics mqtt.Topics
	QoS    byte

	// Exclude lists entity ids and bare domains that are not published.
	Exclude []string
}

// SetMessage is the payload accepted on set topics.
type SetMessage struct {
	State      *string        `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// Metrics is a snapshot of bridge counters.
type Metrics struct {
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	SetsReceived  uint64 `json:"sets_received"`
	SetsRejected  uint64 `json:"sets_rejected"`
}

// Bridge publishes state changes to MQTT and applies inbound set messages.
//
// Thread Safety: all methods are safe for concurrent use.
type Bridge struct {
	client Client
	store  Store
	opts   Options

	excludeEntities map[string]bool
	excludeDomains  map[string]bool

	mu      sync.Mutex
	started bool
	logger  Logger

	published     atomic.Uint64
	publishErrors atomic.Uint64
	setsReceived  atomic.Uint64
	setsRejected  atomic.Uint64
}

// New creates a bridge. Call Start to subscribe and publish a snapshot.
func New(client Client, store Store, opts Options) *Bridge {
	b := &Bridge{
		client:          client,
		store:           store,
		opts:            opts,
		excludeEntities: make(map[string]bool),
		excludeDomains:  make(map[string]bool),
		logger:          noopLogger{},
	}
	if b.opts.Topics.Prefix() == "" {
		b.opts.Topics = mqtt.NewTopics("")
	}
	for _, ex := range opts.Exclude {
		if strings.Contains(ex, ".") {
			b.excludeEntities[ex] = true
		} else {
			b.excludeDomains[ex] = true
		}
	}
	return b
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	if logger != nil {
		b.mu.Lock()
		b.logger = logger
		b.mu.Unlock()
	}
}

func (b *Bridge) log() Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logger
}

// Start subscribes to the set topics and publishes every current entity.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	topic := b.opts.Topics.AllSets()
	if err := b.client.Subscribe(topic, b.opts.QoS, b.handleSet); err != nil {
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	b.log().Info("statestream subscribed", "topic", topic)

	b.PublishAll()
	return nil
}

// Stop removes the set subscription. Retained state topics are left in
// place for consumers.
func (b *Bridge) Stop() {
	b.mu.Lock()
	started := b.started
	b.started = false
	b.mu.Unlock()
	if !started {
		return
	}
	if err := b.client.Unsubscribe(b.opts.Topics.AllSets()); err != nil {
		b.log().Warn("statestream unsubscribe failed", "error", err)
	}
	b.log().Info("statestream stopped")
}

// PublishAll publishes a retained snapshot of every entity. It runs on
// Start and again after each broker reconnect.
func (b *Bridge) PublishAll() {
	for _, ent := range b.store.All() {
		b.publishEntity(ent.EntityID, ent)
	}
}

// HandleEvent publishes state_changed events. It is registered as an
// event bus sink; other event types are ignored.
func (b *Bridge) HandleEvent(ev core.Event) {
	data, ok := ev.StateChange()
	if !ok {
		return
	}
	b.publishEntity(data.EntityID, data.NewState)
}

// publishEntity publishes ent, or clears the retained topic when ent is
// nil.
func (b *Bridge) publishEntity(entityID string, ent *core.Entity) {
	domain, objectID, ok := core.SplitEntityID(entityID)
	if !ok || b.excluded(entityID, domain) {
		return
	}

	var payload []byte
	if ent != nil {
		var err error
		if payload, err = json.Marshal(ent); err != nil {
			b.publishErrors.Add(1)
			b.log().Error("statestream encode failed", "entity_id", entityID, "error", err)
			return
		}
	}

	topic := b.opts.Topics.State(domain, objectID)
	if err := b.client.Publish(topic, payload, b.opts.QoS, true); err != nil {
		b.publishErrors.Add(1)
		b.log().Warn("statestream publish failed", "topic", topic, "error", err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) excluded(entityID, domain string) bool {
	return b.excludeEntities[entityID] || b.excludeDomains[domain]
}

// handleSet applies one inbound set message as a Replace write.
func (b *Bridge) handleSet(topic string, payload []byte) error {
	b.setsReceived.Add(1)
	if err := b.applySet(topic, payload); err != nil {
		b.setsRejected.Add(1)
		return err
	}
	return nil
}

func (b *Bridge) applySet(topic string, payload []byte) error {
	domain, objectID, ok := b.opts.Topics.ParseSet(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	entityID := domain + "." + objectID

	var msg SetMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if msg.State == nil {
		return fmt.Errorf("%w: state is required", ErrInvalidPayload)
	}

	res, err := b.store.Write(entityID, *msg.State, msg.Attributes, core.Replace)
	if err != nil {
		return fmt.Errorf("statestream write %s: %w", entityID, err)
	}
	b.log().Debug("statestream set applied", "entity_id", entityID, "state", *msg.State, "changed", res.Changed())
	return nil
}

// Metrics returns a snapshot of the bridge counters.
func (b *Bridge) Metrics() Metrics {
	return Metrics{
		Published:     b.published.Load(),
		PublishErrors: b.publishErrors.Load(),
		SetsReceived:  b.setsReceived.Load(),
		SetsRejected:  b.setsRejected.Load(),
	}
}
