package infra

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// HandlerRegistry is an ordered set of handlers addressed by subscription ID.
// Iteration follows registration order. Safe for concurrent use.
type HandlerRegistry[H any] struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]H
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry[H any]() *HandlerRegistry[H] {
	return &HandlerRegistry[H]{
		entries: make(map[string]H),
	}
}

// Add registers a handler and returns its subscription ID.
func (r *HandlerRegistry[H]) Add(handler H) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = handler
	r.order = append(r.order, id)
	return id
}

// Remove unregisters a handler. Returns false if the ID is unknown.
func (r *HandlerRegistry[H]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes every handler.
func (r *HandlerRegistry[H]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]H)
	r.order = nil
}

// Len returns the number of registered handlers.
func (r *HandlerRegistry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot returns the handlers in registration order. The returned slice
// is a copy, so handlers may add or remove subscriptions while it is iterated.
func (r *HandlerRegistry[H]) Snapshot() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]H, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Each invokes fn for every handler in order. A panic inside fn is recovered
// and logged so the remaining handlers still run.
func (r *HandlerRegistry[H]) Each(logger *slog.Logger, kind string, fn func(H)) {
	for _, handler := range r.Snapshot() {
		if err := SafeCall(func() { fn(handler) }); err != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("handler failed", "kind", kind, "error", err)
		}
	}
}

// SafeCall runs fn and converts a panic into an error.
func SafeCall(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	fn()
	return nil
}
