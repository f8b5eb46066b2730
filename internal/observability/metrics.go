package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds BillClaw's Prometheus collectors. All methods are safe to
// call on a nil *Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	// ProbeCounter counts health probes.
	// Labels: target (direct|relay), result (available|unavailable)
	ProbeCounter *prometheus.CounterVec

	// ProbeDuration measures probe round-trip time in seconds.
	// Labels: target
	ProbeDuration *prometheus.HistogramVec

	// RelayState is 1 for the relay client's current state and 0 otherwise.
	// Labels: state
	RelayState *prometheus.GaugeVec

	// RelayEvents counts relay webhook events.
	// Labels: stage (received|acked)
	RelayEvents *prometheus.CounterVec

	// RelayReconnects counts scheduled reconnect attempts.
	RelayReconnects prometheus.Counter

	// ModeChanges counts manager mode switches.
	// Labels: from, to
	ModeChanges *prometheus.CounterVec

	// CurrentMode is 1 for the manager's active mode and 0 otherwise.
	// Labels: mode
	CurrentMode *prometheus.GaugeVec

	// WebhooksReceived counts events delivered to consumers.
	// Labels: source (plaid|gocardless|gmail), via (relay|direct|polling)
	WebhooksReceived *prometheus.CounterVec

	// ReceiverRejections counts rejected direct webhook requests.
	// Labels: reason (rate_limited|unknown_source|too_large|no_secret|signature|replay|malformed)
	ReceiverRejections *prometheus.CounterVec
}

var relayStates = []string{"disconnected", "connecting", "connected", "reconnecting", "failed", "closed"}

var modes = []string{"direct", "relay", "polling"}

// NewMetrics creates the collectors on reg. A nil reg uses a fresh private
// registry, which keeps repeated construction in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		ProbeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billclaw_connection_probe_total",
				Help: "Health probes by target and result",
			},
			[]string{"target", "result"},
		),

		ProbeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billclaw_connection_probe_duration_seconds",
				Help:    "Health probe round-trip time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"target"},
		),

		RelayState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "billclaw_relay_connection_state",
				Help: "Relay client connection state (1 for the current state)",
			},
			[]string{"state"},
		),

		RelayEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billclaw_relay_events_total",
				Help: "Relay webhook events by stage",
			},
			[]string{"stage"},
		),

		RelayReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billclaw_relay_reconnects_total",
				Help: "Relay reconnect attempts",
			},
		),

		ModeChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billclaw_webhook_mode_changes_total",
				Help: "Webhook manager mode switches",
			},
			[]string{"from", "to"},
		),

		CurrentMode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "billclaw_webhook_mode",
				Help: "Active webhook mode (1 for the current mode)",
			},
			[]string{"mode"},
		),

		WebhooksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billclaw_webhooks_received_total",
				Help: "Webhook events delivered to consumers",
			},
			[]string{"source", "via"},
		),

		ReceiverRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billclaw_receiver_rejections_total",
				Help: "Rejected direct webhook requests by reason",
			},
			[]string{"reason"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveProbe records one health probe.
func (m *Metrics) ObserveProbe(target string, available bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "unavailable"
	if available {
		result = "available"
	}
	m.ProbeCounter.WithLabelValues(target, result).Inc()
	m.ProbeDuration.WithLabelValues(target).Observe(latency.Seconds())
}

// SetRelayState marks state as the relay client's current state.
func (m *Metrics) SetRelayState(state string) {
	if m == nil {
		return
	}
	for _, s := range relayStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.RelayState.WithLabelValues(s).Set(value)
	}
}

// RelayEventReceived counts an inbound relay event.
func (m *Metrics) RelayEventReceived() {
	if m == nil {
		return
	}
	m.RelayEvents.WithLabelValues("received").Inc()
}

// RelayEventAcked counts an acknowledged relay event.
func (m *Metrics) RelayEventAcked() {
	if m == nil {
		return
	}
	m.RelayEvents.WithLabelValues("acked").Inc()
}

// RelayReconnectScheduled counts a reconnect attempt.
func (m *Metrics) RelayReconnectScheduled() {
	if m == nil {
		return
	}
	m.RelayReconnects.Inc()
}

// ModeChanged records a manager mode switch.
func (m *Metrics) ModeChanged(from, to string) {
	if m == nil {
		return
	}
	if from != to {
		m.ModeChanges.WithLabelValues(from, to).Inc()
	}
	for _, mode := range modes {
		value := 0.0
		if mode == to {
			value = 1
		}
		m.CurrentMode.WithLabelValues(mode).Set(value)
	}
}

// WebhookReceived counts an event delivered to consumers.
func (m *Metrics) WebhookReceived(source, via string) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(source, via).Inc()
}

// ReceiverRejected counts a rejected direct request.
func (m *Metrics) ReceiverRejected(reason string) {
	if m == nil {
		return
	}
	m.ReceiverRejections.WithLabelValues(reason).Inc()
}
