// Package receiver serves direct-mode webhooks on BillClaw's public URL.
//
// Each delivery carries X-BillClaw-Timestamp (epoch milliseconds),
// X-BillClaw-Nonce and X-BillClaw-Signature. The signature is the hex
// HMAC-SHA256, under the source's secret, of
//
//	timestamp + "." + nonce + "." + body
//
// optionally prefixed with "sha256=".
package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/observability"
	"github.com/haasonsaas/billclaw/internal/security"
	"github.com/haasonsaas/billclaw/pkg/models"
)

// Request headers carrying replay protection and signature data.
const (
	HeaderTimestamp = "X-BillClaw-Timestamp"
	HeaderNonce     = "X-BillClaw-Nonce"
	HeaderSignature = "X-BillClaw-Signature"
	HeaderEventType = "X-BillClaw-Event"
)

// DefaultMaxBodyBytes caps webhook payloads.
const DefaultMaxBodyBytes = 1 << 20

// Dispatcher receives accepted events.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, event models.WebhookEvent)
}

// Options configures a Server.
type Options struct {
	Addr string
	// Path is the webhook prefix; events are posted to {Path}/{source}.
	Path string

	// Secrets maps an event source to its shared HMAC secret. Sources
	// without a secret are rejected.
	Secrets map[string]string

	Guard        *security.ReplayGuard
	Dispatcher   Dispatcher
	MaxBodyBytes int64
	RateLimit    float64
	RateBurst    int

	// ReadinessChecks are reported on /ready.
	ReadinessChecks map[string]healthcheck.Check

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server is the direct-mode HTTP receiver.
type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	health  healthcheck.Handler
	mux     *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New builds a receiver. It does not start listening.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Path == "" {
		opts.Path = config.DefaultDirectPath
	}
	opts.Path = "/" + strings.Trim(opts.Path, "/")
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = max(1, int(opts.RateLimit))
	}

	s := &Server{
		opts:    opts,
		logger:  opts.Logger.With("component", "webhook-receiver"),
		limiter: rate.NewLimiter(limit, burst),
		health:  healthcheck.NewHandler(),
		mux:     http.NewServeMux(),
	}

	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	for name, check := range opts.ReadinessChecks {
		s.health.AddReadinessCheck(name, check)
	}

	s.mux.HandleFunc("POST "+opts.Path+"/{source}", s.handleWebhook)
	s.mux.HandleFunc("GET /health", s.health.LiveEndpoint)
	s.mux.HandleFunc("GET /live", s.health.LiveEndpoint)
	s.mux.HandleFunc("GET /ready", s.health.ReadyEndpoint)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	return s
}

// Handler returns the receiver's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("receiver already started")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}

	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.server = server
	s.listener = listener

	s.logger.Info("starting webhook receiver", "addr", listener.Addr().String(), "path", s.opts.Path)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook receiver error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	s.logger.Info("stopping webhook receiver")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.reject(w, "rate_limited", http.StatusTooManyRequests, "Too many requests")
		return
	}

	source, err := models.ParseEventSource(r.PathValue("source"))
	if err != nil {
		s.reject(w, "unknown_source", http.StatusNotFound, "Not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes+1))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		s.reject(w, "read_error", http.StatusBadRequest, "Bad request")
		return
	}
	defer r.Body.Close()
	if int64(len(body)) > s.opts.MaxBodyBytes {
		s.logger.Warn("request body exceeds max bytes", "size", len(body), "max", s.opts.MaxBodyBytes)
		s.reject(w, "too_large", http.StatusRequestEntityTooLarge, "Request entity too large")
		return
	}

	secret := s.opts.Secrets[string(source)]
	if secret == "" {
		s.logger.Warn("no webhook secret configured", "source", source)
		s.reject(w, "no_secret", http.StatusUnauthorized, "Unauthorized")
		return
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if !security.VerifySignature(security.SignedPayload(timestamp, nonce, body), r.Header.Get(HeaderSignature), secret) {
		s.logger.Warn("webhook signature rejected", "source", source)
		s.reject(w, "signature", http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.opts.Guard == nil || !s.opts.Guard.ValidateHeader(r.Context(), timestamp, nonce) {
		s.logger.Warn("webhook replay check failed", "source", source)
		s.reject(w, "replay", http.StatusUnauthorized, "Unauthorized")
		return
	}

	eventType, err := eventTypeOf(r.Header.Get(HeaderEventType), body)
	if err != nil {
		s.reject(w, "malformed", http.StatusBadRequest, "Bad request")
		return
	}

	event := models.NewWebhookEvent(source, eventType, json.RawMessage(body))
	s.logger.Info("received webhook", "source", source, "type", eventType)
	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.DispatchEvent(r.Context(), event)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

func (s *Server) reject(w http.ResponseWriter, reason string, status int, message string) {
	s.opts.Metrics.ReceiverRejected(reason)
	http.Error(w, message, status)
}

// eventTypeOf picks the event type from the header, or from the payload's
// "type" field, or from Plaid's webhook_type/webhook_code pair.
func eventTypeOf(header string, body []byte) (string, error) {
	var envelope struct {
		Type        string `json:"type"`
		WebhookType string `json:"webhook_type"`
		WebhookCode string `json:"webhook_code"`
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&envelope); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	switch {
	case strings.TrimSpace(header) != "":
		return strings.TrimSpace(header), nil
	case envelope.Type != "":
		return envelope.Type, nil
	case envelope.WebhookType != "" && envelope.WebhookCode != "":
		return envelope.WebhookType + "." + envelope.WebhookCode, nil
	case envelope.WebhookType != "":
		return envelope.WebhookType, nil
	default:
		return "unknown", nil
	}
}
