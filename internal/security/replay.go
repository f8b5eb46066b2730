package security

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/billclaw/internal/config"
)

const (
	DefaultMaxAge          = 15 * time.Minute
	DefaultFutureTolerance = 5 * time.Minute
	MinNonceTTL            = 60 * time.Second
)

// ReplayGuardConfig tunes a ReplayGuard.
type ReplayGuardConfig struct {
	MaxAge          time.Duration
	FutureTolerance time.Duration
	// NonceTTL is how long accepted nonces are remembered. It is never
	// shorter than the acceptance window (MaxAge + FutureTolerance) or
	// MinNonceTTL, so a nonce outlives every timestamp it could arrive with.
	NonceTTL time.Duration
}

// ReplayGuard rejects stale, future-dated and repeated webhook deliveries.
// Nonce tracking is check-then-mark, so two concurrent deliveries of the
// same nonce in different processes may both pass.
type ReplayGuard struct {
	store           NonceStore
	maxAge          time.Duration
	futureTolerance time.Duration
	nonceTTL        time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// NewReplayGuard creates a guard backed by store.
func NewReplayGuard(store NonceStore, cfg ReplayGuardConfig, logger *slog.Logger) *ReplayGuard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = DefaultFutureTolerance
	}
	cfg.NonceTTL = max(cfg.NonceTTL, cfg.MaxAge+cfg.FutureTolerance, MinNonceTTL)
	return &ReplayGuard{
		store:           store,
		maxAge:          cfg.MaxAge,
		futureTolerance: cfg.FutureTolerance,
		nonceTTL:        cfg.NonceTTL,
		now:             time.Now,
		logger:          logger.With("component", "replay-guard"),
	}
}

// NonceTTL returns the effective nonce retention.
func (g *ReplayGuard) NonceTTL() time.Duration {
	return g.nonceTTL
}

// Validate accepts a delivery stamped with timestamp (epoch milliseconds) and
// nonce at most once. Store failures reject the delivery.
func (g *ReplayGuard) Validate(ctx context.Context, timestamp int64, nonce string) bool {
	nonce = strings.TrimSpace(nonce)
	if timestamp <= 0 || nonce == "" {
		g.logger.Debug("replay check rejected", "reason", "missing timestamp or nonce")
		return false
	}

	now := g.now().UnixMilli()
	if now-timestamp > g.maxAge.Milliseconds() {
		g.logger.Debug("replay check rejected", "reason", "timestamp too old", "age_ms", now-timestamp)
		return false
	}
	if timestamp-now > g.futureTolerance.Milliseconds() {
		g.logger.Debug("replay check rejected", "reason", "timestamp in the future", "skew_ms", timestamp-now)
		return false
	}

	processed, err := g.store.IsProcessed(ctx, nonce)
	if err != nil {
		g.logger.Warn("nonce lookup failed", "error", err)
		return false
	}
	if processed {
		g.logger.Debug("replay check rejected", "reason", "nonce reused")
		return false
	}
	if err := g.store.MarkProcessed(ctx, nonce, g.nonceTTL); err != nil {
		g.logger.Warn("nonce mark failed", "error", err)
		return false
	}
	return true
}

// ValidateHeader parses an epoch-millisecond timestamp header before validating.
func (g *ReplayGuard) ValidateHeader(ctx context.Context, timestamp, nonce string) bool {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	return g.Validate(ctx, ts, nonce)
}

// OpenNonceStore builds the nonce store selected by cfg.Security.NonceStore.
// The closer releases background resources.
func OpenNonceStore(ctx context.Context, cfg *config.Config) (NonceStore, io.Closer, error) {
	if cfg.Security.NonceStore == config.NonceStoreRedis {
		store, err := DialRedisNonceStore(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	store := NewMemoryNonceStore(MemoryNonceStoreConfig{
		MaxSize:         100000,
		CleanupInterval: time.Minute,
	})
	return store, store, nil
}

// GuardConfigFrom maps security settings onto a ReplayGuardConfig.
func GuardConfigFrom(cfg config.SecurityConfig) ReplayGuardConfig {
	return ReplayGuardConfig{
		MaxAge:          cfg.MaxAge,
		FutureTolerance: cfg.FutureTolerance,
		NonceTTL:        cfg.NonceTTL,
	}
}
