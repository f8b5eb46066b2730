// Package relay connects to the BillClaw relay service over WebSocket and
// receives webhook events forwarded by it.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/billclaw/pkg/models"
)

// MessageType is the frame discriminant. The values are shared with the
// relay service and must not change.
type MessageType string

const (
	MessageAuth         MessageType = "auth"
	MessageAuthSuccess  MessageType = "auth_success"
	MessageAuthError    MessageType = "auth_error"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageHeartbeatAck MessageType = "heartbeat_ack"
	MessageWebhookEvent MessageType = "webhook_event"
	MessageEventAck     MessageType = "event_ack"
	MessageStateChange  MessageType = "state_change"
)

// Message is a single JSON frame in either direction. Only the fields
// relevant to Type are set.
type Message struct {
	Type      MessageType          `json:"type"`
	WebhookID string               `json:"webhookId,omitempty"`
	APIKey    string               `json:"apiKey,omitempty"`
	Timestamp int64                `json:"timestamp,omitempty"`
	EventID   string               `json:"eventId,omitempty"`
	Event     *models.WebhookEvent `json:"event,omitempty"`
	Error     string               `json:"error,omitempty"`
	State     string               `json:"state,omitempty"`
	Message   string               `json:"message,omitempty"`
}

var errMissingType = errors.New("frame has no type")

// DecodeMessage parses a frame. Unknown types decode successfully and are
// left for the caller to ignore.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode relay frame: %w", err)
	}
	if strings.TrimSpace(string(msg.Type)) == "" {
		return nil, errMissingType
	}
	return &msg, nil
}

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case MessageAuth, MessageAuthSuccess, MessageAuthError,
		MessageHeartbeat, MessageHeartbeatAck,
		MessageWebhookEvent, MessageEventAck, MessageStateChange:
		return true
	}
	return false
}
