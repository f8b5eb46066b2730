package connection

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/observability"
)

const (
	errNoPublicURL        = "No publicUrl configured"
	errNoRelayCredentials = "No Relay credentials configured"
	errRelayDisabled      = "Relay mode is disabled"
)

// Prober checks whether the direct and relay endpoints are reachable.
type Prober interface {
	CheckDirect(ctx context.Context, settings config.ReceiverSettings) HealthCheckResult
	CheckRelay(ctx context.Context, settings config.ReceiverSettings) HealthCheckResult
}

// HTTPProber probes {url}/health endpoints. It holds no per-probe state and
// is safe for concurrent use.
type HTTPProber struct {
	client  *http.Client
	metrics *observability.Metrics
}

// NewHTTPProber creates a prober. A nil client uses http.DefaultClient; the
// per-probe timeout comes from the settings.
func NewHTTPProber(client *http.Client, metrics *observability.Metrics) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{client: client, metrics: metrics}
}

// CheckDirect probes {publicUrl}/health.
func (p *HTTPProber) CheckDirect(ctx context.Context, settings config.ReceiverSettings) HealthCheckResult {
	if strings.TrimSpace(settings.PublicURL) == "" {
		return HealthCheckResult{Error: errNoPublicURL}
	}
	result := p.probe(ctx, settings.PublicURL+"/health", settings.HealthCheck.Timeout)
	p.metrics.ObserveProbe(string(ModeDirect), result.Available, result.Latency)
	return result
}

// CheckRelay probes {relayApiUrl}/health once credentials are present and
// relay mode is enabled.
func (p *HTTPProber) CheckRelay(ctx context.Context, settings config.ReceiverSettings) HealthCheckResult {
	if !settings.Relay.HasCredentials() {
		return HealthCheckResult{Error: errNoRelayCredentials}
	}
	if !settings.Relay.Enabled {
		return HealthCheckResult{Error: errRelayDisabled}
	}
	result := p.probe(ctx, settings.Relay.APIURL+"/health", settings.HealthCheck.Timeout)
	p.metrics.ObserveProbe(string(ModeRelay), result.Available, result.Latency)
	return result
}

func (p *HTTPProber) probe(ctx context.Context, url string, timeout time.Duration) HealthCheckResult {
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthCheckResult{Error: err.Error()}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthCheckResult{Latency: latency, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return HealthCheckResult{Latency: latency, Error: fmt.Sprintf("HTTP %s", resp.Status)}
	}
	return HealthCheckResult{Available: true, Latency: latency}
}
