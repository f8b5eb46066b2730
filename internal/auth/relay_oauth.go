// Package auth obtains BillClaw relay credentials through a one-shot OAuth
// authorization-code flow completed on a local callback server.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/credentials"
)

// Limits on callback parameters.
const (
	maxCodeLength  = 4096
	stateByteCount = 32
)

// RelayCredentials are issued by the relay service's token endpoint.
type RelayCredentials struct {
	WebhookID string `json:"webhookId"`
	APIKey    string `json:"apiKey"`
	WSURL     string `json:"wsUrl,omitempty"`
}

// RelayOAuthResult is the outcome of RunRelayOAuth. Exactly one of
// Credentials and Error is set.
type RelayOAuthResult struct {
	Success     bool              `json:"success"`
	Credentials *RelayCredentials `json:"credentials,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func failure(format string, args ...any) RelayOAuthResult {
	return RelayOAuthResult{Error: fmt.Sprintf(format, args...)}
}

// RelayOAuthOptions customizes RunRelayOAuth.
type RelayOAuthOptions struct {
	// Opener opens the authorization URL. When nil or failing, the URL is
	// logged for the user to open manually.
	Opener BrowserOpener
	// HTTPClient is used for the token exchange.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// RunRelayOAuth runs the flow to completion. It never returns an error;
// failures, including timeouts and listener errors, are reported in the result.
func RunRelayOAuth(ctx context.Context, settings config.OAuthSettings, opts RelayOAuthOptions) RelayOAuthResult {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay-oauth")

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = config.DefaultOAuthTimeout
	}
	path := settings.CallbackPath
	if path == "" {
		path = config.DefaultOAuthCallbackPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	state, err := newState()
	if err != nil {
		return failure("generate state: %v", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", settings.CallbackPort))
	if err != nil {
		return failure("start callback server: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	oauthCfg := &oauth2.Config{
		ClientID:    settings.ClientID,
		RedirectURL: fmt.Sprintf("http://127.0.0.1:%d%s", port, path),
		Endpoint: oauth2.Endpoint{
			AuthURL:   settings.AuthURL,
			TokenURL:  settings.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	exchangeCtx := context.WithoutCancel(ctx)
	if opts.HTTPClient != nil {
		exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, opts.HTTPClient)
	}

	results := make(chan RelayOAuthResult, 1)
	var once sync.Once
	finish := func(result RelayOAuthResult) {
		once.Do(func() { results <- result })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		result := handleCallback(exchangeCtx, oauthCfg, state, r)
		if result.Success {
			writePage(w, http.StatusOK, "BillClaw relay connected. You can close this window.")
		} else {
			writePage(w, http.StatusBadRequest, "BillClaw relay authorization failed. Return to the terminal for details.")
		}
		finish(result)
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			finish(failure("callback server: %v", err))
		}
	}()

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}
	defer shutdown()

	authURL := oauthCfg.AuthCodeURL(state)
	if opts.Opener == nil {
		logger.Info("open this URL to authorize the relay", "url", authURL)
	} else if err := opts.Opener(authURL); err != nil {
		logger.Warn("could not open browser", "error", err)
		logger.Info("open this URL to authorize the relay", "url", authURL)
	}

	timer := time.AfterFunc(timeout, func() {
		finish(failure("authorization timed out after %s", timeout))
	})
	defer timer.Stop()

	var result RelayOAuthResult
	select {
	case result = <-results:
	case <-ctx.Done():
		finish(failure("authorization cancelled: %v", ctx.Err()))
		result = <-results
	}

	timer.Stop()
	shutdown()
	if result.Success {
		logger.Info("relay credentials obtained", "webhook_id", result.Credentials.WebhookID)
	} else {
		logger.Warn("relay authorization failed", "error", result.Error)
	}
	return result
}

func handleCallback(ctx context.Context, cfg *oauth2.Config, state string, r *http.Request) RelayOAuthResult {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		if desc := query.Get("error_description"); desc != "" {
			return failure("authorization denied: %s (%s)", errCode, desc)
		}
		return failure("authorization denied: %s", errCode)
	}

	code := query.Get("code")
	if code == "" {
		return failure("no authorization code received")
	}
	if len(code) > maxCodeLength {
		return failure("authorization code too long")
	}
	if subtle.ConstantTimeCompare([]byte(query.Get("state")), []byte(state)) != 1 {
		return failure("state mismatch, possible CSRF attack")
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return failure("exchange authorization code: %v", err)
	}
	creds := credentialsFromToken(token)
	if creds.APIKey == "" || creds.WebhookID == "" {
		return failure("token response missing relay credentials")
	}
	return RelayOAuthResult{Success: true, Credentials: &creds}
}

func credentialsFromToken(token *oauth2.Token) RelayCredentials {
	extra := func(key string) string {
		if v, ok := token.Extra(key).(string); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}
	webhookID := extra("webhook_id")
	if webhookID == "" {
		webhookID = extra("webhookId")
	}
	wsURL := extra("ws_url")
	if wsURL == "" {
		wsURL = extra("wsUrl")
	}
	return RelayCredentials{
		WebhookID: webhookID,
		APIKey:    strings.TrimSpace(token.AccessToken),
		WSURL:     wsURL,
	}
}

func newState() (string, error) {
	buf := make([]byte, stateByteCount)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func writePage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><body><p>%s</p></body></html>", message)
}

// ConfigUpdater persists configuration changes.
type ConfigUpdater interface {
	Update(fn func(*config.Config)) error
}

// PersistRelayCredentials stores the API key in the credential store and
// the webhook ID (and relay URL, when issued) in the configuration. The API
// key is removed from the configuration file.
func PersistRelayCredentials(creds RelayCredentials, store credentials.Store, cfg ConfigUpdater) error {
	if creds.APIKey == "" || creds.WebhookID == "" {
		return errors.New("incomplete relay credentials")
	}
	if err := store.Set(config.RelayAPIKeyCredential, creds.APIKey); err != nil {
		return fmt.Errorf("store relay api key: %w", err)
	}
	err := cfg.Update(func(c *config.Config) {
		receiver := c.EnsureReceiver()
		receiver.Relay.Enabled = config.Bool(true)
		receiver.Relay.WebhookID = creds.WebhookID
		receiver.Relay.APIKey = ""
		if creds.WSURL != "" {
			receiver.Relay.WSURL = creds.WSURL
		}
		c.Relay.APIKey = ""
	})
	if err != nil {
		return fmt.Errorf("save relay config: %w", err)
	}
	return nil
}
