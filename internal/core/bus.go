package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/metrics"
)

// DefaultQueueSize is the sink queue depth used when none is given.
const DefaultQueueSize = 1024

// Handler consumes events delivered by the bus. Each sink's handler runs
// on its own goroutine and sees events one at a time.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

type sink struct {
	name    string
	queue   chan Event
	handler Handler
	dropped atomic.Uint64
	done    chan struct{}
}

// Bus fans events out to registered sinks without blocking publishers.
//
// Each sink has a bounded FIFO queue drained by a single worker, so the
// order in which one publisher hands events to the bus is the order every
// sink observes. When a queue is full the event is dropped for that sink
// only and counted.
type Bus struct {
	mu           sync.RWMutex
	sinks        map[string]*sink
	closed       bool
	defaultQueue int
	logger       Logger
	metrics      *metrics.Metrics
}

// NewBus creates a bus whose sinks default to queueSize slots.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		sinks:        make(map[string]*sink),
		defaultQueue: queueSize,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors. nil disables them.
func (b *Bus) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// Register adds a named sink with its own queue. queueSize <= 0 uses the
// bus default. The returned function unregisters the sink after draining
// what is already queued.
func (b *Bus) Register(name string, queueSize int, handler Handler) (func(), error) {
	if queueSize <= 0 {
		queueSize = b.defaultQueue
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.sinks[name]; exists {
		return nil, fmt.Errorf("bus: sink %q already registered", name)
	}

	s := &sink{
		name:    name,
		queue:   make(chan Event, queueSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.sinks[name] = s
	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() { b.unregister(name, s) })
	}, nil
}

func (b *Bus) unregister(name string, s *sink) {
	b.mu.Lock()
	if b.sinks[name] == s {
		delete(b.sinks, name)
		close(s.queue)
	}
	b.mu.Unlock()
	<-s.done
}

// Publish enqueues ev on every sink. It never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.sinks {
		select {
		case s.queue <- ev:
		default:
			n := s.dropped.Add(1)
			b.metrics.EventDropped(s.name)
			// Log the first drop and then every 1000th to avoid flooding.
			if n == 1 || n%1000 == 0 {
				b.logger.Warn("event dropped, sink queue full",
					"sink", s.name, "event_type", ev.EventType, "dropped_total", n)
			}
		}
	}
}

// Dropped returns how many events a sink has lost to a full queue.
func (b *Bus) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.sinks[name]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Sinks returns the names of the registered sinks.
func (b *Bus) Sinks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.sinks))
	for name := range b.sinks {
		names = append(names, name)
	}
	return names
}

// Close stops accepting events and waits for every sink to drain its queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sinks := make([]*sink, 0, len(b.sinks))
	for name, s := range b.sinks {
		close(s.queue)
		sinks = append(sinks, s)
		delete(b.sinks, name)
	}
	b.mu.Unlock()

	for _, s := range sinks {
		<-s.done
	}
}

func (b *Bus) run(s *sink) {
	defer close(s.done)
	for ev := range s.queue {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event sink",
				"sink", s.name, "event_type", ev.EventType, "panic", r)
		}
	}()
	s.handler.HandleEvent(ev)
}
