package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/metrics"
)

// numShards is the number of independent lock domains in the store.
const numShards = 32

// WriteMode selects how a write treats the existing attribute map.
type WriteMode int

const (
	// Replace swaps the attribute map wholesale.
	Replace WriteMode = iota

	// Merge overlays the given attributes on the existing map.
	Merge
)

func (m WriteMode) String() string {
	if m == Merge {
		return "merge"
	}
	return "replace"
}

// Publisher receives every event the store produces. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// WriteResult describes one accepted write.
type WriteResult struct {
	Old     *Entity
	New     *Entity
	Context Context
}

// Changed reports whether the state string differs from before the write.
func (r WriteResult) Changed() bool {
	return r.Old == nil || r.Old.State != r.New.State
}

type writeOptions struct {
	parentID  string
	userID    string
	keepState bool
	stateFrom func(current *Entity) string
}

// WriteOption adjusts a single write or delete.
type WriteOption func(*writeOptions)

// WithParentContext links the new context to the one that caused it.
func WithParentContext(parentID string) WriteOption {
	return func(o *writeOptions) { o.parentID = parentID }
}

// WithUserID records the user responsible for the write.
func WithUserID(userID string) WriteOption {
	return func(o *writeOptions) { o.userID = userID }
}

// KeepState ignores the state argument and keeps the entity's current
// state. An absent entity starts as "unknown".
func KeepState() WriteOption {
	return func(o *writeOptions) { o.keepState = true }
}

// StateFrom ignores the state argument and derives the new state from the
// current record while the entity is locked, so read-modify-write callers
// such as toggle cannot lose an update. current is nil for a new entity.
func StateFrom(fn func(current *Entity) string) WriteOption {
	return func(o *writeOptions) { o.stateFrom = fn }
}

// record is the stored form of an entity. attrJSON is the canonical
// serialisation used for change detection.
type record struct {
	entity   *Entity
	attrJSON []byte
}

type shard struct {
	mu       sync.Mutex
	entities map[string]*record
}

// Store holds the current state of every entity.
//
// Writes to one entity are serialised; writes to entities in different
// shards proceed in parallel.
type Store struct {
	shards    [numShards]shard
	publisher Publisher
	now       func() time.Time
	logger    Logger
	metrics   *metrics.Metrics
}

// NewStore creates an empty store publishing to publisher.
func NewStore(publisher Publisher) *Store {
	s := &Store{
		publisher: publisher,
		now:       time.Now,
		logger:    noopLogger{},
	}
	for i := range s.shards {
		s.shards[i].entities = make(map[string]*record)
	}
	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors. nil disables them.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock replaces the wall clock. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) shardFor(entityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(entityID)) //nolint:errcheck // hash.Hash never returns an error
	return &s.shards[h.Sum32()%numShards]
}

// Write applies a state transition to one entity and publishes a
// state_changed event. Writes whose result is identical to the current
// record are still accepted: last_reported advances and the event fires.
func (s *Store) Write(entityID, state string, attrs map[string]any, mode WriteMode, opts ...WriteOption) (WriteResult, error) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := ValidateEntityID(entityID); err != nil {
		return WriteResult{}, err
	}
	if !o.keepState && o.stateFrom == nil {
		if err := validateState(state); err != nil {
			return WriteResult{}, err
		}
	}

	sh := s.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev := sh.entities[entityID]

	switch {
	case o.keepState:
		state = StateUnknown
		if prev != nil {
			state = prev.entity.State
		}
	case o.stateFrom != nil:
		var current *Entity
		if prev != nil {
			current = prev.entity.Clone()
		}
		state = o.stateFrom(current)
		if err := validateState(state); err != nil {
			return WriteResult{}, err
		}
	}

	merged := attrs
	if mode == Merge && prev != nil {
		merged = make(map[string]any, len(prev.entity.Attributes)+len(attrs))
		for k, v := range prev.entity.Attributes {
			merged[k] = v
		}
		for k, v := range attrs {
			merged[k] = v
		}
	}

	attrJSON, normalized, err := normalizeAttributes(merged)
	if err != nil {
		return WriteResult{}, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	if prev != nil && now.Before(prev.entity.LastReported) {
		now = prev.entity.LastReported
	}

	ctx := NewContext(o.parentID, o.userID)
	next := &Entity{
		EntityID:     entityID,
		State:        state,
		Attributes:   normalized,
		Context:      ctx,
		LastChanged:  now,
		LastUpdated:  now,
		LastReported: now,
	}

	var old *Entity
	if prev != nil {
		old = prev.entity
		if old.State == state {
			next.LastChanged = old.LastChanged
			if bytes.Equal(prev.attrJSON, attrJSON) {
				next.LastUpdated = old.LastUpdated
			}
		}
	}

	sh.entities[entityID] = &record{entity: next, attrJSON: attrJSON}

	s.metrics.StateWritten(next.Domain())
	s.publish(Event{
		EventType: EventStateChanged,
		Data:      StateChangedData{EntityID: entityID, OldState: old, NewState: next},
		TimeFired: now,
		Context:   ctx,
	})

	return WriteResult{Old: old.Clone(), New: next.Clone(), Context: ctx}, nil
}

// Get returns a copy of the entity or ErrNotFound.
func (s *Store) Get(entityID string) (*Entity, error) {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	rec := sh.entities[entityID]
	sh.mu.Unlock()

	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	// Stored entities are never mutated after insertion, so copying outside
	// the lock is safe.
	return rec.entity.Clone(), nil
}

// All returns a copy of every entity, sorted by entity id.
func (s *Store) All() []*Entity {
	var out []*Entity
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, rec := range sh.entities {
			out = append(out, rec.entity)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	for i, e := range out {
		out[i] = e.Clone()
	}
	return out
}

// EntityIDs returns the sorted ids of every entity in domain, or of all
// entities when domain is empty.
func (s *Store) EntityIDs(domain string) []string {
	var ids []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, rec := range sh.entities {
			if domain == "" || rec.entity.Domain() == domain {
				ids = append(ids, id)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live entities.
func (s *Store) Count() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entities)
		sh.mu.Unlock()
	}
	return n
}

// Delete removes the live record and publishes a state_changed event with
// no new state. History is unaffected.
func (s *Store) Delete(entityID string, opts ...WriteOption) (*Entity, error) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	sh := s.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev := sh.entities[entityID]
	if prev == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	delete(sh.entities, entityID)

	ctx := NewContext(o.parentID, o.userID)
	s.publish(Event{
		EventType: EventStateChanged,
		Data:      StateChangedData{EntityID: entityID, OldState: prev.entity},
		TimeFired: s.now().UTC().Truncate(time.Microsecond),
		Context:   ctx,
	})
	return prev.entity.Clone(), nil
}

// Fire publishes a custom event. A zero ctx gets a fresh id.
func (s *Store) Fire(eventType string, data map[string]any, ctx Context) (Event, error) {
	if eventType == "" {
		return Event{}, ErrInvalidEventType
	}
	if ctx.ID == "" {
		ctx = NewContext(ctx.ParentID, ctx.UserID)
	}
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{
		EventType: eventType,
		Data:      data,
		TimeFired: s.now().UTC().Truncate(time.Microsecond),
		Context:   ctx,
	}
	s.publish(ev)
	return ev, nil
}

func (s *Store) publish(ev Event) {
	ev.Origin = "LOCAL"
	s.metrics.EventPublished(ev.EventType)
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

// normalizeAttributes serialises attrs once, both to validate them and to
// obtain a canonical copy with JSON-native value types.
func normalizeAttributes(attrs map[string]any) ([]byte, Attributes, error) {
	if len(attrs) == 0 {
		return []byte("{}"), Attributes{}, nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	var out Attributes
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return raw, out, nil
}
