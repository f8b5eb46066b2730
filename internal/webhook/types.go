// Package webhook owns BillClaw's active inbound mode. The Manager selects a
// mode, keeps the relay connection alive while in relay mode, and moves
// between modes as health checks and relay state dictate.
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/connection"
	"github.com/haasonsaas/billclaw/internal/relay"
	"github.com/haasonsaas/billclaw/pkg/models"
)

// ConnectionStatus describes the active mode's connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusFailed       ConnectionStatus = "failed"
)

// State is a snapshot of the manager. CurrentMode is empty until Start.
type State struct {
	CurrentMode      connection.Mode  `json:"currentMode"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	LastHealthCheck  time.Time        `json:"lastHealthCheck,omitzero"`
	LastModeChange   time.Time        `json:"lastModeChange,omitzero"`
}

// ModeChange describes a completed mode switch.
type ModeChange struct {
	From   connection.Mode `json:"from"`
	To     connection.Mode `json:"to"`
	Reason string          `json:"reason"`
	At     time.Time       `json:"at"`
}

// EventHandler consumes webhook events from any mode.
type EventHandler func(event models.WebhookEvent)

// ModeChangeHandler observes mode switches.
type ModeChangeHandler func(change ModeChange)

// ConfigSource provides the current configuration. Implementations return a
// value the manager may read freely.
type ConfigSource interface {
	Get() *config.Config
}

// RelayConnector is the subset of *relay.Client the manager drives.
type RelayConnector interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	OnEvent(h relay.EventHandler) string
	OffEvent(id string) bool
	OnStateChange(h relay.StateHandler) string
	OffStateChange(id string) bool
	OnError(h relay.ErrorHandler) string
	OffError(id string) bool
}

// RelayFactory constructs a relay connection for one relay-mode session.
type RelayFactory func(cfg relay.Config) (RelayConnector, error)

var errNoRelayCredentials = errors.New("relay credentials not configured")
