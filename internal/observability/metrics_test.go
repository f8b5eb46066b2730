package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsProbe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveProbe("direct", true, 20*time.Millisecond)
	m.ObserveProbe("direct", false, time.Second)
	m.ObserveProbe("relay", true, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.ProbeCounter.WithLabelValues("direct", "available")); got != 1 {
		t.Errorf("direct available = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProbeCounter.WithLabelValues("direct", "unavailable")); got != 1 {
		t.Errorf("direct unavailable = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.ProbeCounter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
}

func TestMetricsRelayState(t *testing.T) {
	m := NewMetrics(nil)
	m.SetRelayState("connecting")
	m.SetRelayState("connected")

	if got := testutil.ToFloat64(m.RelayState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RelayState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting gauge = %v, want 0", got)
	}
}

func TestMetricsModeChanged(t *testing.T) {
	m := NewMetrics(nil)
	m.ModeChanged("relay", "polling")
	m.ModeChanged("polling", "polling")

	if got := testutil.ToFloat64(m.ModeChanges.WithLabelValues("relay", "polling")); got != 1 {
		t.Errorf("mode changes = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.ModeChanges); count != 1 {
		t.Errorf("same-mode update should not count, got %d series", count)
	}
	if got := testutil.ToFloat64(m.CurrentMode.WithLabelValues("polling")); got != 1 {
		t.Errorf("polling gauge = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProbe("direct", true, time.Millisecond)
	m.SetRelayState("connected")
	m.RelayEventReceived()
	m.RelayEventAcked()
	m.RelayReconnectScheduled()
	m.ModeChanged("direct", "relay")
	m.WebhookReceived("plaid", "relay")
	m.ReceiverRejected("replay")
	if m.Handler() == nil {
		t.Fatal("expected fallback handler")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(nil)
	m.WebhookReceived("plaid", "direct")
	m.RelayEventReceived()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`billclaw_webhooks_received_total{source="plaid",via="direct"} 1`,
		`billclaw_relay_events_total{stage="received"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
