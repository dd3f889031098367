package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// Generic service names understood by the fallback handler.
const (
	ServiceTurnOn  = "turn_on"
	ServiceTurnOff = "turn_off"
	ServiceToggle  = "toggle"
)

// ErrInvalidCall is returned for calls without a domain or service.
var ErrInvalidCall = errors.New("service: invalid call")

// Store is the part of the state store services need.
type Store interface {
	Get(entityID string) (*core.Entity, error)
	Write(entityID, state string, attrs map[string]any, mode core.WriteMode, opts ...core.WriteOption) (core.WriteResult, error)
	Fire(eventType string, data map[string]any, ctx core.Context) (core.Event, error)
}

// Call is one service invocation.
type Call struct {
	Domain  string
	Service string
	Data    map[string]any

	// Context is the caller's context. Writes made by the handler are
	// parented to it.
	Context core.Context
}

// WriteOptions returns the options handlers pass to Store.Write.
func (c Call) WriteOptions() []core.WriteOption {
	var opts []core.WriteOption
	if c.Context.ID != "" {
		opts = append(opts, core.WithParentContext(c.Context.ID))
	}
	if c.Context.UserID != "" {
		opts = append(opts, core.WithUserID(c.Context.UserID))
	}
	return opts
}

// Handler executes a call against its resolved targets and returns the
// entities it changed.
type Handler func(ctx context.Context, call Call, targets []string) ([]*core.Entity, error)

// Logger is the logging surface the registry needs.
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

type serviceKey struct {
	domain  string
	service string
}

// Registry maps (domain, service) pairs to handlers.
type Registry struct {
	store  Store
	logger Logger

	mu       sync.RWMutex
	handlers map[serviceKey]Handler
}

// NewRegistry creates a registry with the built-in lock and homeassistant
// services.
func NewRegistry(store Store) *Registry {
	r := &Registry{
		store:    store,
		logger:   noopLogger{},
		handlers: make(map[serviceKey]Handler),
	}
	r.registerBuiltins()
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register installs or replaces the handler for domain.service.
func (r *Registry) Register(domain, service string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[serviceKey{domain, service}] = h
}

// Has reports whether a specific handler is registered.
func (r *Registry) Has(domain, service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[serviceKey{domain, service}]
	return ok
}

// Services lists registered services grouped by domain, sorted.
func (r *Registry) Services() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for key := range r.handlers {
		out[key.domain] = append(out[key.domain], key.service)
	}
	for _, services := range out {
		sort.Strings(services)
	}
	return out
}

// Call dispatches a service call.
func (r *Registry) Call(ctx context.Context, call Call) ([]*core.Entity, error) {
	if call.Domain == "" || call.Service == "" {
		return nil, fmt.Errorf("%w: domain and service are required", ErrInvalidCall)
	}
	if call.Context.ID == "" {
		call.Context = core.NewContext(call.Context.ParentID, call.Context.UserID)
	}

	targets := ResolveTargets(call.Data)

	if _, err := r.store.Fire(core.EventCallService, map[string]any{
		"domain":       call.Domain,
		"service":      call.Service,
		"service_data": call.Data,
	}, call.Context); err != nil {
		r.logger.Warn("firing call_service event failed", "error", err)
	}

	r.mu.RLock()
	h, ok := r.handlers[serviceKey{call.Domain, call.Service}]
	r.mu.RUnlock()

	if !ok {
		switch call.Service {
		case ServiceTurnOn, ServiceTurnOff, ServiceToggle:
			h = r.generic
		default:
			r.logger.Debug("unknown service, ignoring", "domain", call.Domain, "service", call.Service)
			return nil, nil
		}
	}

	return h(ctx, call, targets)
}

// ResolveTargets returns the union of data["entity_id"] and
// data["target"]["entity_id"], in order of first appearance. Each may be a
// string, a comma separated string or a list.
func ResolveTargets(data map[string]any) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(v any) {
		for _, id := range EntityIDList(v) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	add(data["entity_id"])
	if target, ok := data["target"].(map[string]any); ok {
		add(target["entity_id"])
	}
	return out
}

// EntityIDList normalises a string, comma separated string or list into
// entity ids.
func EntityIDList(v any) []string {
	var out []string
	switch val := v.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			if id := strings.TrimSpace(part); id != "" {
				out = append(out, id)
			}
		}
	case []string:
		for _, item := range val {
			out = append(out, EntityIDList(item)...)
		}
	case []any:
		for _, item := range val {
			out = append(out, EntityIDList(item)...)
		}
	}
	return out
}

// ServiceAttributes returns the call data without targeting keys.
func ServiceAttributes(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "entity_id" || k == "target" {
			continue
		}
		out[k] = v
	}
	return out
}
