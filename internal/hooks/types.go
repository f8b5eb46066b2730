// Package hooks is the in-process event bus used to surface webhook
// notifications to the rest of BillClaw.
package hooks

import (
	"context"
	"time"
)

// EventType identifies a bus event.
type EventType string

const (
	// EventModeChanged fires after the webhook manager switches modes.
	EventModeChanged EventType = "webhook.mode_changed"

	// EventWebhookReceived fires for every webhook event delivered to consumers.
	EventWebhookReceived EventType = "webhook.received"

	// EventAll subscribes a handler to every event.
	EventAll EventType = "*"
)

// Event is a notification published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, payload any) *Event {
	return &Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler processes bus events. Handlers run on the emitting goroutine for
// Trigger and on a background goroutine for Emit.
type Handler func(ctx context.Context, event *Event) error

// Emitter publishes fire-and-forget notifications.
type Emitter interface {
	Emit(ctx context.Context, eventType EventType, payload any)
}

// Priority determines the order handlers are called.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration represents a registered handler.
type Registration struct {
	ID        string
	EventType EventType
	Handler   Handler
	Priority  Priority
	Name      string
}
