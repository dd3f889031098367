// Package subscription delivers bus events to live subscribers such as
// websocket connections.
//
// The Registry is a single bus sink. Each subscriber gets its own bounded
// channel; the registry never blocks on one. A subscriber that keeps its
// channel full for MaxDrops consecutive events is terminated with
// ErrSlowConsumer and removed, leaving every other subscriber untouched.
package subscription

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/metrics"
)

const (
	defaultQueueSize = 256
	defaultMaxDrops  = 64
)

var (
	// ErrSlowConsumer terminates a subscriber that stopped draining events.
	ErrSlowConsumer = errors.New("subscription: slow consumer")

	// ErrClosed is reported to subscribers when the registry shuts down.
	ErrClosed = errors.New("subscription: registry closed")
)

// Filter selects events. Empty lists match everything.
type Filter struct {
	EventTypes []string
	EntityIDs  []string
}

type compiledFilter struct {
	eventTypes map[string]bool
	entityIDs  map[string]bool
}

func compile(f Filter) compiledFilter {
	c := compiledFilter{}
	if len(f.EventTypes) > 0 {
		c.eventTypes = make(map[string]bool, len(f.EventTypes))
		for _, t := range f.EventTypes {
			c.eventTypes[t] = true
		}
	}
	if len(f.EntityIDs) > 0 {
		c.entityIDs = make(map[string]bool, len(f.EntityIDs))
		for _, id := range f.EntityIDs {
			c.entityIDs[id] = true
		}
	}
	return c
}

func (c compiledFilter) match(ev core.Event) bool {
	if c.eventTypes != nil && !c.eventTypes[ev.EventType] {
		return false
	}
	if c.entityIDs != nil && !c.entityIDs[ev.EntityID()] {
		return false
	}
	return true
}

// Subscriber is one live subscription.
type Subscriber struct {
	id     uint64
	filter compiledFilter
	events chan core.Event

	drops    atomic.Int64
	maxDrops int64

	mu  sync.Mutex
	err error
}

// ID returns the subscription id, unique within its registry.
func (s *Subscriber) ID() uint64 { return s.id }

// Events returns the delivery channel. It is closed when the subscription
// ends; Err then tells why.
func (s *Subscriber) Events() <-chan core.Event { return s.events }

// Err returns why the subscription ended, or nil after a normal
// unsubscribe.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Logger is the logging surface the registry needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Registry tracks live subscribers.
type Registry struct {
	queueSize int
	maxDrops  int64
	logger    Logger
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
}

// NewRegistry creates a registry. Non-positive sizes take defaults.
func NewRegistry(queueSize, maxDrops int) *Registry {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if maxDrops <= 0 {
		maxDrops = defaultMaxDrops
	}
	return &Registry{
		queueSize: queueSize,
		maxDrops:  int64(maxDrops),
		logger:    noopLogger{},
		subs:      make(map[uint64]*Subscriber),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors. nil disables them.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Subscribe registers a subscriber. On a closed registry the returned
// subscriber's channel is already closed.
func (r *Registry) Subscribe(filter Filter) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s := &Subscriber{
		id:       r.nextID,
		filter:   compile(filter),
		events:   make(chan core.Event, r.queueSize),
		maxDrops: r.maxDrops,
	}
	if r.closed {
		s.err = ErrClosed
		close(s.events)
		return s
	}
	r.subs[s.id] = s
	r.metrics.SetSubscribers(len(r.subs))
	return s
}

// Unsubscribe ends a subscription normally. Unknown ids are ignored.
func (r *Registry) Unsubscribe(id uint64) {
	r.terminate(id, nil)
}

// Count returns the number of live subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// HandleEvent delivers ev to every matching subscriber without blocking.
func (r *Registry) HandleEvent(ev core.Event) {
	var slow []uint64

	r.mu.RLock()
	for id, s := range r.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.events <- ev:
			s.drops.Store(0)
		default:
			if s.drops.Add(1) >= s.maxDrops {
				slow = append(slow, id)
			}
		}
	}
	r.mu.RUnlock()

	for _, id := range slow {
		r.logger.Warn("terminating slow subscriber", "subscription_id", id)
		r.terminate(id, ErrSlowConsumer)
	}
}

// Close terminates every subscriber.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.terminate(id, ErrClosed)
	}
}

func (r *Registry) terminate(id uint64, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	r.metrics.SetSubscribers(len(r.subs))

	s.mu.Lock()
	s.err = reason
	s.mu.Unlock()
	close(s.events)
}
