package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)

	called := false
	id := r.Register(EventModeChanged, func(ctx context.Context, e *Event) error {
		called = true
		return nil
	})
	if id == "" {
		t.Error("expected non-empty registration ID")
	}
	if r.HandlerCount(EventModeChanged) != 1 {
		t.Errorf("expected 1 handler, got %d", r.HandlerCount(EventModeChanged))
	}

	if err := r.Trigger(context.Background(), NewEvent(EventModeChanged, nil)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Register(EventWebhookReceived, func(ctx context.Context, e *Event) error { return nil })

	if !r.Unregister(id) {
		t.Error("expected Unregister to return true")
	}
	if r.HandlerCount(EventWebhookReceived) != 0 {
		t.Errorf("expected 0 handlers after unregister, got %d", r.HandlerCount(EventWebhookReceived))
	}
	if r.Unregister(id) {
		t.Error("expected Unregister to return false for already-removed handler")
	}
}

func TestRegistry_PriorityAndOrder(t *testing.T) {
	r := NewRegistry(nil)
	var order []string
	add := func(name string, p Priority) {
		r.Register(EventModeChanged, func(ctx context.Context, e *Event) error {
			order = append(order, name)
			return nil
		}, WithPriority(p), WithName(name))
	}
	add("normal-1", PriorityNormal)
	add("high", PriorityHigh)
	add("normal-2", PriorityNormal)
	add("low", PriorityLow)

	_ = r.Trigger(context.Background(), NewEvent(EventModeChanged, nil))

	want := []string{"high", "normal-1", "normal-2", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRegistry_ErrorsAndPanicsAreIsolated(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	wantErr := errors.New("first")

	r.Register(EventWebhookReceived, func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return wantErr
	})
	r.Register(EventWebhookReceived, func(ctx context.Context, e *Event) error {
		calls.Add(1)
		panic("boom")
	})
	r.Register(EventWebhookReceived, func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return nil
	})

	err := r.Trigger(context.Background(), NewEvent(EventWebhookReceived, nil))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected first error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected all handlers to run, got %d", calls.Load())
	}
}

func TestRegistry_Wildcard(t *testing.T) {
	r := NewRegistry(nil)
	var seen []EventType
	r.Register(EventAll, func(ctx context.Context, e *Event) error {
		seen = append(seen, e.Type)
		return nil
	})

	_ = r.Trigger(context.Background(), NewEvent(EventModeChanged, nil))
	_ = r.Trigger(context.Background(), NewEvent(EventWebhookReceived, nil))

	if len(seen) != 2 {
		t.Fatalf("expected wildcard to see both events, got %v", seen)
	}
}

func TestRegistry_EmitAsync(t *testing.T) {
	r := NewRegistry(nil)
	var got atomic.Value
	r.Register(EventModeChanged, func(ctx context.Context, e *Event) error {
		got.Store(e.Payload)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Emit(ctx, EventModeChanged, "relay")
	cancel()
	r.Wait()

	if got.Load() != "relay" {
		t.Fatalf("expected payload relay, got %v", got.Load())
	}
}

func TestRegistry_TriggerNil(t *testing.T) {
	if err := NewRegistry(nil).Trigger(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestRegistry_ImplementsEmitter(t *testing.T) {
	var _ Emitter = NewRegistry(nil)
}
