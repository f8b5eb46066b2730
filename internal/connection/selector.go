package connection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/billclaw/internal/config"
)

// Selector turns configuration and probe results into a mode choice.
type Selector struct {
	prober Prober
	logger *slog.Logger
}

// NewSelector creates a selector backed by prober.
func NewSelector(prober Prober, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		prober: prober,
		logger: logger.With("component", "mode-selector"),
	}
}

// Select picks a mode for purpose. An explicit mode is honored, except that
// polling cannot complete OAuth and is replaced by relay. Auto prefers
// direct, then relay, then the purpose's last resort.
func (s *Selector) Select(ctx context.Context, settings config.ReceiverSettings, purpose Purpose) SelectionResult {
	configured := ParseMode(settings.Mode)

	if configured != ModeAuto {
		if configured == ModePolling && purpose == PurposeOAuth {
			return SelectionResult{
				Mode:    ModeRelay,
				Reason:  "Polling mode not supported for OAuth, using relay fallback",
				Purpose: purpose,
			}
		}
		return SelectionResult{
			Mode:    configured,
			Reason:  fmt.Sprintf("Configured mode: %s", configured),
			Purpose: purpose,
		}
	}

	direct := s.prober.CheckDirect(ctx, settings)
	if direct.Available {
		return SelectionResult{
			Mode:    ModeDirect,
			Reason:  fmt.Sprintf("Direct mode available (latency: %dms)", direct.Latency.Milliseconds()),
			Purpose: purpose,
		}
	}

	relay := s.prober.CheckRelay(ctx, settings)
	if relay.Available {
		return SelectionResult{
			Mode:    ModeRelay,
			Reason:  fmt.Sprintf("Relay mode available (latency: %dms)", relay.Latency.Milliseconds()),
			Purpose: purpose,
		}
	}

	s.logger.Debug("no push mode available",
		"purpose", purpose,
		"direct_error", direct.Error,
		"relay_error", relay.Error)

	if purpose == PurposeOAuth {
		return SelectionResult{
			Mode:    ModeRelay,
			Reason:  "No mode available, attempting relay as last resort",
			Purpose: purpose,
		}
	}
	return SelectionResult{
		Mode:    ModePolling,
		Reason:  fmt.Sprintf("Direct and Relay unavailable (direct: %s; relay: %s), using polling", direct.Error, relay.Error),
		Purpose: purpose,
	}
}

// BestAvailable runs the auto selection regardless of the configured mode.
func (s *Selector) BestAvailable(ctx context.Context, settings config.ReceiverSettings, purpose Purpose) SelectionResult {
	settings.Mode = string(ModeAuto)
	return s.Select(ctx, settings, purpose)
}

// CanUpgrade reports whether a better mode than current is reachable.
func (s *Selector) CanUpgrade(ctx context.Context, settings config.ReceiverSettings, current Mode, purpose Purpose) bool {
	switch current {
	case ModePolling:
		if s.prober.CheckDirect(ctx, settings).Available {
			return true
		}
		return s.prober.CheckRelay(ctx, settings).Available
	case ModeRelay:
		return s.prober.CheckDirect(ctx, settings).Available
	default:
		return false
	}
}

// FallbackMode returns the mode to drop to when current is unhealthy.
// OAuth never falls back below relay.
func FallbackMode(current Mode, purpose Purpose) Mode {
	switch current {
	case ModeDirect:
		return ModeRelay
	case ModeRelay:
		if purpose == PurposeOAuth {
			return ModeRelay
		}
		return ModePolling
	case ModePolling, ModeAuto:
		return ModePolling
	default:
		return ModePolling
	}
}
