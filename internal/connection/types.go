// Package connection chooses how BillClaw receives webhooks: directly on a
// public URL, through the relay service, or by polling.
package connection

import (
	"strings"
	"time"
)

// Mode is a webhook connection mode. ModeAuto is a configuration directive
// and is never the result of a selection.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeDirect  Mode = "direct"
	ModeRelay   Mode = "relay"
	ModePolling Mode = "polling"
)

// ParseMode converts a configured mode string. Unknown or empty values map to auto.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDirect:
		return ModeDirect
	case ModeRelay:
		return ModeRelay
	case ModePolling:
		return ModePolling
	default:
		return ModeAuto
	}
}

// Purpose is what the connection is used for.
type Purpose string

const (
	PurposeWebhook Purpose = "webhook"
	PurposeOAuth   Purpose = "oauth"
)

// HealthCheckResult is the outcome of a single probe. Results are never cached.
type HealthCheckResult struct {
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SelectionResult is a mode choice with its diagnostic reason.
type SelectionResult struct {
	Mode    Mode    `json:"mode"`
	Reason  string  `json:"reason"`
	Purpose Purpose `json:"purpose"`
}
