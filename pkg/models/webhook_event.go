// Package models provides domain types shared between BillClaw components
// and the consumers of its inbound connectivity layer.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventSource identifies the upstream provider that produced a webhook.
type EventSource string

const (
	SourcePlaid      EventSource = "plaid"
	SourceGoCardless EventSource = "gocardless"
	SourceGmail      EventSource = "gmail"
)

// KnownSources lists every source accepted by the receivers.
var KnownSources = []EventSource{SourcePlaid, SourceGoCardless, SourceGmail}

// ParseEventSource normalizes a raw source name.
func ParseEventSource(raw string) (EventSource, error) {
	source := EventSource(strings.ToLower(strings.TrimSpace(raw)))
	if !source.Valid() {
		return "", fmt.Errorf("unknown event source %q", raw)
	}
	return source, nil
}

// Valid reports whether the source is one of the known providers.
func (s EventSource) Valid() bool {
	for _, known := range KnownSources {
		if s == known {
			return true
		}
	}
	return false
}

// WebhookEvent is a provider notification delivered through any inbound mode.
// Data is kept opaque; parsing belongs to the sync engine.
type WebhookEvent struct {
	Source    EventSource     `json:"source"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewWebhookEvent creates an event stamped with the current time.
func NewWebhookEvent(source EventSource, eventType string, data json.RawMessage) WebhookEvent {
	return WebhookEvent{
		Source:    source,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Time returns the event timestamp as a time.Time.
func (e WebhookEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
