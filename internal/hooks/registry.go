package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry manages handler registrations and event dispatch. It implements Emitter.
type Registry struct {
	handlers map[EventType][]*Registration
	byID     map[string]*Registration
	logger   *slog.Logger
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[EventType][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// Register adds a handler for an event type and returns its registration ID.
// Handlers with equal priority run in registration order.
func (r *Registry) Register(eventType EventType, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
		Priority:  PriorityNormal,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[eventType] = append(r.handlers[eventType], reg)
	r.byID[reg.ID] = reg
	sort.SliceStable(r.handlers[eventType], func(i, j int) bool {
		return r.handlers[eventType][i].Priority < r.handlers[eventType][j].Priority
	})

	r.logger.Debug("registered hook", "id", reg.ID, "event", eventType, "name", reg.Name)
	return reg.ID
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) {
		r.Priority = p
	}
}

// WithName sets the handler name for debugging.
func WithName(name string) RegisterOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// Unregister removes a handler by its registration ID.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.byID[id]
	if !exists {
		return false
	}
	delete(r.byID, id)

	handlers := r.handlers[reg.EventType]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.EventType] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes all registered handlers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[EventType][]*Registration)
	r.byID = make(map[string]*Registration)
}

// HandlerCount returns the number of handlers for an event type.
func (r *Registry) HandlerCount(eventType EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// Trigger dispatches an event to the handlers for its type and to wildcard
// handlers. Errors and panics are logged and do not stop later handlers; the
// first error is returned.
func (r *Registry) Trigger(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	r.mu.RLock()
	all := make([]*Registration, 0, len(r.handlers[event.Type])+len(r.handlers[EventAll]))
	all = append(all, r.handlers[event.Type]...)
	if event.Type != EventAll {
		all = append(all, r.handlers[EventAll]...)
	}
	r.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Priority < all[j].Priority
	})

	var firstErr error
	for _, reg := range all {
		if err := r.callHandler(ctx, reg, event); err != nil {
			r.logger.Warn("hook handler error",
				"event", event.Type,
				"handler_id", reg.ID,
				"handler_name", reg.Name,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) callHandler(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.Handler(ctx, event)
}

// Emit publishes an event asynchronously. It never blocks on handlers.
func (r *Registry) Emit(ctx context.Context, eventType EventType, payload any) {
	event := NewEvent(eventType, payload)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if err := r.Trigger(context.WithoutCancel(ctx), event); err != nil {
			r.logger.Debug("async hook trigger error", "event", eventType, "error", err)
		}
	}()
}

// Wait blocks until all events published with Emit have been handled.
func (r *Registry) Wait() {
	r.inflight.Wait()
}
