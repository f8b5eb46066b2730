package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/connection"
	"github.com/haasonsaas/billclaw/internal/hooks"
	"github.com/haasonsaas/billclaw/internal/infra"
	"github.com/haasonsaas/billclaw/internal/observability"
	"github.com/haasonsaas/billclaw/internal/relay"
	"github.com/haasonsaas/billclaw/pkg/models"
)

// Options configures a Manager. Config is required.
type Options struct {
	Config  ConfigSource
	Secrets config.SecretLookup
	Prober  connection.Prober
	Purpose connection.Purpose
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Events  hooks.Emitter

	// RelayFactory overrides relay client construction.
	RelayFactory RelayFactory
}

type relaySubscriptions struct {
	event string
	state string
	err   string
}

// Manager owns the active inbound mode.
type Manager struct {
	cfg      ConfigSource
	secrets  config.SecretLookup
	prober   connection.Prober
	selector *connection.Selector
	purpose  connection.Purpose
	logger   *slog.Logger
	metrics  *observability.Metrics
	events   hooks.Emitter
	newRelay RelayFactory

	lifeMu       sync.Mutex
	started      bool
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
	shuttingDown atomic.Bool

	// switchMu serializes mode switches and relay lifecycle changes.
	switchMu sync.Mutex

	mu        sync.RWMutex
	state     State
	relay     RelayConnector
	relaySubs relaySubscriptions
	reactions sync.WaitGroup

	deliverMu     sync.Mutex
	eventHandlers *infra.HandlerRegistry[EventHandler]
	modeHandlers  *infra.HandlerRegistry[ModeChangeHandler]
}

// NewManager creates a stopped manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "webhook-manager")

	prober := opts.Prober
	if prober == nil {
		prober = connection.NewHTTPProber(nil, opts.Metrics)
	}
	purpose := opts.Purpose
	if purpose == "" {
		purpose = connection.PurposeWebhook
	}
	factory := opts.RelayFactory
	if factory == nil {
		factory = DefaultRelayFactory(logger, opts.Metrics)
	}

	return &Manager{
		cfg:           opts.Config,
		secrets:       opts.Secrets,
		prober:        prober,
		selector:      connection.NewSelector(prober, logger),
		purpose:       purpose,
		logger:        logger,
		metrics:       opts.Metrics,
		events:        opts.Events,
		newRelay:      factory,
		state:         State{ConnectionStatus: StatusDisconnected},
		eventHandlers: infra.NewHandlerRegistry[EventHandler](),
		modeHandlers:  infra.NewHandlerRegistry[ModeChangeHandler](),
	}
}

// DefaultRelayFactory builds *relay.Client instances.
func DefaultRelayFactory(logger *slog.Logger, metrics *observability.Metrics) RelayFactory {
	return func(cfg relay.Config) (RelayConnector, error) {
		if cfg.WebhookID == "" || cfg.APIKey == "" {
			return nil, errNoRelayCredentials
		}
		return relay.NewClient(cfg, relay.WithLogger(logger), relay.WithMetrics(metrics)), nil
	}
}

// Start selects the initial mode, connects it and begins periodic health
// checks. Calling Start on a running manager logs a warning and returns.
func (m *Manager) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.started {
		m.logger.Warn("webhook manager already started")
		return
	}
	m.started = true
	m.shuttingDown.Store(false)

	settings := m.settings()
	result := m.selector.Select(ctx, settings, m.purpose)
	m.logger.Info("selected webhook mode", "mode", result.Mode, "reason", result.Reason, "purpose", result.Purpose)
	m.switchMode(ctx, result.Mode, result.Reason, nil)

	hc := settings.HealthCheck
	if !hc.Enabled || hc.Interval <= 0 {
		m.logger.Info("health checks disabled")
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	go m.runHealthChecks(loopCtx, hc.Interval, m.loopDone)
}

// Stop halts health checks and tears down the active mode. Safe to call
// more than once.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if !m.started {
		return
	}
	m.mu.Lock()
	m.shuttingDown.Store(true)
	m.mu.Unlock()

	if m.loopCancel != nil {
		m.loopCancel()
		<-m.loopDone
		m.loopCancel = nil
		m.loopDone = nil
	}

	m.switchMu.Lock()
	m.teardownRelay()
	m.mu.Lock()
	m.state.CurrentMode = ""
	m.state.ConnectionStatus = StatusDisconnected
	m.mu.Unlock()
	m.switchMu.Unlock()

	m.reactions.Wait()
	m.started = false
	m.shuttingDown.Store(false)
	m.logger.Info("webhook manager stopped")
}

// Started reports whether Start has been called without a matching Stop.
func (m *Manager) Started() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.started
}

// State returns a copy of the manager state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentMode returns the active mode.
func (m *Manager) CurrentMode() connection.Mode {
	return m.State().CurrentMode
}

// Purpose returns what the manager selects modes for.
func (m *Manager) Purpose() connection.Purpose {
	return m.purpose
}

// OnEvent registers a webhook event handler.
func (m *Manager) OnEvent(h EventHandler) string { return m.eventHandlers.Add(h) }

// OffEvent removes a webhook event handler.
func (m *Manager) OffEvent(id string) bool { return m.eventHandlers.Remove(id) }

// OnModeChange registers a mode-change handler.
func (m *Manager) OnModeChange(h ModeChangeHandler) string { return m.modeHandlers.Add(h) }

// OffModeChange removes a mode-change handler.
func (m *Manager) OffModeChange(id string) bool { return m.modeHandlers.Remove(id) }

// ForceMode switches to mode regardless of health. ModeAuto re-runs
// selection. It returns whether the mode changed.
func (m *Manager) ForceMode(ctx context.Context, mode connection.Mode, reason string) (bool, error) {
	switch mode {
	case connection.ModeDirect, connection.ModeRelay, connection.ModePolling:
	case connection.ModeAuto:
		result := m.selector.BestAvailable(ctx, m.settings(), m.purpose)
		mode = result.Mode
		if reason == "" {
			reason = result.Reason
		}
	default:
		return false, fmt.Errorf("unknown mode %q", mode)
	}
	if reason == "" {
		reason = fmt.Sprintf("Forced mode: %s", mode)
	}
	return m.switchMode(ctx, mode, reason, nil), nil
}

// DispatchEvent delivers an event that arrived outside the relay, such as
// through the direct receiver or polling.
func (m *Manager) DispatchEvent(ctx context.Context, event models.WebhookEvent) {
	via := string(m.CurrentMode())
	if via == "" {
		via = string(connection.ModeDirect)
	}
	m.deliver(ctx, event, via)
}

// CheckHealth runs one health-check tick: upgrade if a better mode is
// reachable, otherwise fall back if the current mode is unhealthy.
func (m *Manager) CheckHealth(ctx context.Context) {
	if m.shuttingDown.Load() {
		return
	}
	settings := m.settings()

	m.mu.Lock()
	m.state.LastHealthCheck = time.Now()
	current := m.state.CurrentMode
	m.mu.Unlock()
	if current == "" {
		return
	}

	if settings.HealthCheck.AutoUpgrade && m.selector.CanUpgrade(ctx, settings, current, m.purpose) {
		best := m.selector.BestAvailable(ctx, settings, m.purpose)
		if best.Mode != current {
			m.logger.Info("better webhook mode available", "current", current, "best", best.Mode, "reason", best.Reason)
			m.switchMode(ctx, best.Mode, "Better mode available", nil)
			return
		}
	}

	if m.healthy(ctx, settings, current) {
		return
	}
	m.logger.Warn("webhook mode unhealthy", "mode", current)
	if !settings.HealthCheck.AutoModeSwitching {
		return
	}
	target := connection.FallbackMode(current, m.purpose)
	if !fallbackAllowed(settings, current, target) {
		m.logger.Info("relay fallback to polling disabled", "mode", current)
		return
	}
	m.switchMode(ctx, target, "Health check failed", nil)
}

// fallbackAllowed reports whether leaving from for to is permitted. Only
// the relay to polling step has its own switch.
func fallbackAllowed(settings config.ReceiverSettings, from, to connection.Mode) bool {
	if from == connection.ModeRelay && to == connection.ModePolling {
		return settings.Relay.AutoFallbackToPolling
	}
	return true
}

func (m *Manager) healthy(ctx context.Context, settings config.ReceiverSettings, mode connection.Mode) bool {
	switch mode {
	case connection.ModeDirect:
		return m.prober.CheckDirect(ctx, settings).Available
	case connection.ModeRelay:
		m.mu.RLock()
		client := m.relay
		m.mu.RUnlock()
		return client != nil && client.IsConnected()
	default:
		return true
	}
}

func (m *Manager) runHealthChecks(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// switchMode moves to target. It is a no-op when target is already active,
// while shutting down, or when precondition (if set) fails under the switch
// lock. Returns whether a switch happened.
func (m *Manager) switchMode(ctx context.Context, target connection.Mode, reason string, precondition func() bool) bool {
	if m.shuttingDown.Load() {
		m.logger.Debug("mode switch suppressed during shutdown", "target", target)
		return false
	}

	m.switchMu.Lock()
	if m.shuttingDown.Load() || (precondition != nil && !precondition()) {
		m.switchMu.Unlock()
		return false
	}

	m.mu.RLock()
	from := m.state.CurrentMode
	m.mu.RUnlock()
	if target == from {
		m.switchMu.Unlock()
		return false
	}

	m.logger.Info("switching webhook mode", "from", from, "to", target, "reason", reason)
	m.teardownRelay()

	now := time.Now()
	m.mu.Lock()
	m.state.CurrentMode = target
	m.state.LastModeChange = now
	m.state.ConnectionStatus = StatusDisconnected
	m.mu.Unlock()

	m.connectMode(ctx, target)
	m.switchMu.Unlock()

	change := ModeChange{From: from, To: target, Reason: reason, At: now}
	m.metrics.ModeChanged(string(from), string(target))
	m.modeHandlers.Each(m.logger, "mode change", func(h ModeChangeHandler) { h(change) })
	if m.events != nil {
		m.events.Emit(ctx, hooks.EventModeChanged, change)
	}
	return true
}

// connectMode must be called with switchMu held.
func (m *Manager) connectMode(ctx context.Context, mode connection.Mode) {
	if mode != connection.ModeRelay {
		m.setStatus(StatusConnected)
		return
	}

	settings := m.settings()
	client, err := m.newRelay(relay.ConfigFromSettings(settings.Relay))
	if err != nil {
		m.logger.Warn("failed to create relay client", "error", err)
		m.setStatus(StatusFailed)
		return
	}

	subs := relaySubscriptions{
		event: client.OnEvent(func(event models.WebhookEvent) {
			m.deliver(context.Background(), event, string(connection.ModeRelay))
		}),
		err: client.OnError(func(err error) {
			m.logger.Warn("relay client error", "error", err)
		}),
	}
	subs.state = client.OnStateChange(func(_, to relay.State) {
		m.onRelayState(client, to)
	})

	m.mu.Lock()
	m.relay = client
	m.relaySubs = subs
	m.state.ConnectionStatus = StatusConnecting
	m.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		m.logger.Warn("failed to connect relay client", "error", err)
		m.setStatus(StatusFailed)
	}
}

// teardownRelay unregisters handlers before disconnecting so the outgoing
// client cannot call back into the manager. Must be called with switchMu held.
func (m *Manager) teardownRelay() {
	m.mu.Lock()
	client := m.relay
	subs := m.relaySubs
	m.relay = nil
	m.relaySubs = relaySubscriptions{}
	m.mu.Unlock()

	if client == nil {
		return
	}
	client.OffEvent(subs.event)
	client.OffStateChange(subs.state)
	client.OffError(subs.err)
	client.Disconnect()
}

func (m *Manager) onRelayState(client RelayConnector, to relay.State) {
	terminal := to == relay.StateFailed || to == relay.StateClosed
	target := connection.FallbackMode(connection.ModeRelay, m.purpose)
	react := false
	if terminal && !m.shuttingDown.Load() {
		// Resolved outside m.mu: it reads the config and credential store.
		settings := m.settings()
		react = settings.HealthCheck.AutoModeSwitching && fallbackAllowed(settings, connection.ModeRelay, target)
	}

	m.mu.Lock()
	if m.relay != client {
		m.mu.Unlock()
		return
	}
	m.state.ConnectionStatus = statusForRelay(to)
	if !react || target == connection.ModeRelay || m.shuttingDown.Load() {
		m.mu.Unlock()
		return
	}
	m.reactions.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.reactions.Done()
		stillCurrent := func() bool {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return m.relay == client
		}
		m.switchMode(context.Background(), target, fmt.Sprintf("Relay connection %s", to), stillCurrent)
	}()
}

func (m *Manager) deliver(ctx context.Context, event models.WebhookEvent, via string) {
	m.metrics.WebhookReceived(string(event.Source), via)

	m.deliverMu.Lock()
	m.eventHandlers.Each(m.logger, "webhook event", func(h EventHandler) { h(event) })
	m.deliverMu.Unlock()

	if m.events != nil {
		m.events.Emit(ctx, hooks.EventWebhookReceived, event)
	}
}

func (m *Manager) setStatus(status ConnectionStatus) {
	m.mu.Lock()
	m.state.ConnectionStatus = status
	m.mu.Unlock()
}

func (m *Manager) settings() config.ReceiverSettings {
	var cfg *config.Config
	if m.cfg != nil {
		cfg = m.cfg.Get()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return config.ResolveReceiverWithSecrets(cfg, m.secrets)
}

func statusForRelay(state relay.State) ConnectionStatus {
	switch state {
	case relay.StateConnected:
		return StatusConnected
	case relay.StateConnecting, relay.StateReconnecting:
		return StatusConnecting
	case relay.StateFailed:
		return StatusFailed
	default:
		return StatusDisconnected
	}
}
