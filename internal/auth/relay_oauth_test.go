package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/credentials"
)

func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token request method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		handler(w, r.PostForm)
	}))
	t.Cleanup(server.Close)
	return server
}

func issueCredentials(w http.ResponseWriter, _ url.Values) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "key_live_123",
		"token_type":   "bearer",
		"webhook_id":   "wh_789",
		"ws_url":       "wss://relay.example.com/ws",
	})
}

func testSettings(tokenURL string) config.OAuthSettings {
	return config.OAuthSettings{
		AuthURL:      "https://relay.example.com/oauth/authorize",
		TokenURL:     tokenURL,
		ClientID:     "billclaw-cli",
		CallbackPath: "/callback",
		Timeout:      3 * time.Second,
	}
}

// browser simulates the user approving the request: it reads the redirect
// URI and state from the authorization URL and calls back with params.
func browser(t *testing.T, params func(state string) url.Values) BrowserOpener {
	return func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := parsed.Query()
		if q.Get("response_type") != "code" || q.Get("client_id") != "billclaw-cli" {
			t.Errorf("unexpected authorization URL: %s", authURL)
		}
		callback := q.Get("redirect_uri") + "?" + params(q.Get("state")).Encode()
		go func() {
			resp, err := http.Get(callback)
			if err != nil {
				return
			}
			resp.Body.Close()
		}()
		return nil
	}
}

func TestRunRelayOAuthSuccess(t *testing.T) {
	var gotForm url.Values
	tokens := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		gotForm = form
		issueCredentials(w, form)
	})

	result := RunRelayOAuth(t.Context(), testSettings(tokens.URL), RelayOAuthOptions{
		Opener: browser(t, func(state string) url.Values {
			return url.Values{"code": {"auth-code-1"}, "state": {state}}
		}),
	})

	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	want := RelayCredentials{WebhookID: "wh_789", APIKey: "key_live_123", WSURL: "wss://relay.example.com/ws"}
	if *result.Credentials != want {
		t.Fatalf("credentials = %+v, want %+v", *result.Credentials, want)
	}
	if gotForm.Get("code") != "auth-code-1" || gotForm.Get("grant_type") != "authorization_code" {
		t.Fatalf("token form = %v", gotForm)
	}
	if !strings.HasPrefix(gotForm.Get("redirect_uri"), "http://127.0.0.1:") {
		t.Fatalf("redirect_uri = %q", gotForm.Get("redirect_uri"))
	}
}

func TestRunRelayOAuthRejections(t *testing.T) {
	tests := []struct {
		name    string
		params  func(state string) url.Values
		wantErr string
	}{
		{
			name: "state mismatch",
			params: func(string) url.Values {
				return url.Values{"code": {"c"}, "state": {"forged"}}
			},
			wantErr: "state mismatch",
		},
		{
			name: "provider error",
			params: func(state string) url.Values {
				return url.Values{"error": {"access_denied"}, "state": {state}}
			},
			wantErr: "authorization denied: access_denied",
		},
		{
			name: "missing code",
			params: func(state string) url.Values {
				return url.Values{"state": {state}}
			},
			wantErr: "no authorization code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
				t.Error("token endpoint must not be called")
				issueCredentials(w, form)
			})
			result := RunRelayOAuth(t.Context(), testSettings(tokens.URL), RelayOAuthOptions{
				Opener: browser(t, tt.params),
			})
			if result.Success || result.Credentials != nil {
				t.Fatalf("expected failure, got %+v", result)
			}
			if !strings.Contains(result.Error, tt.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", result.Error, tt.wantErr)
			}
		})
	}
}

func TestRunRelayOAuthTokenFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, form url.Values)
		wantErr string
	}{
		{
			name: "token endpoint error",
			handler: func(w http.ResponseWriter, _ url.Values) {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			},
			wantErr: "exchange authorization code",
		},
		{
			name: "missing webhook id",
			handler: func(w http.ResponseWriter, _ url.Values) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"access_token":"key","token_type":"bearer"}`))
			},
			wantErr: "missing relay credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := newTokenServer(t, tt.handler)
			result := RunRelayOAuth(t.Context(), testSettings(tokens.URL), RelayOAuthOptions{
				Opener: browser(t, func(state string) url.Values {
					return url.Values{"code": {"c"}, "state": {state}}
				}),
				HTTPClient: tokens.Client(),
			})
			if result.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(result.Error, tt.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", result.Error, tt.wantErr)
			}
		})
	}
}

func TestRunRelayOAuthTimeout(t *testing.T) {
	settings := testSettings("http://127.0.0.1:1/token")
	settings.Timeout = 50 * time.Millisecond

	opened := false
	start := time.Now()
	result := RunRelayOAuth(t.Context(), settings, RelayOAuthOptions{
		Opener: func(string) error {
			opened = true
			return errors.New("no browser")
		},
	})
	if result.Success || !strings.Contains(result.Error, "timed out") {
		t.Fatalf("result = %+v", result)
	}
	if !opened {
		t.Fatal("opener not called")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not end the flow promptly")
	}
}

func TestRunRelayOAuthCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result := RunRelayOAuth(ctx, testSettings("http://127.0.0.1:1/token"), RelayOAuthOptions{})
	if result.Success || !strings.Contains(result.Error, "cancelled") {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunRelayOAuthPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	settings := testSettings("http://127.0.0.1:1/token")
	settings.CallbackPort = busy.Addr().(*net.TCPAddr).Port
	result := RunRelayOAuth(t.Context(), settings, RelayOAuthOptions{})
	if result.Success || !strings.Contains(result.Error, "start callback server") {
		t.Fatalf("result = %+v", result)
	}
}

func TestPersistRelayCredentials(t *testing.T) {
	dir := t.TempDir()
	store := credentials.NewFileStore(filepath.Join(dir, "credentials.json"))
	provider, err := config.NewProvider(filepath.Join(dir, "billclaw.yaml"), nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	creds := RelayCredentials{WebhookID: "wh_1", APIKey: "key_1", WSURL: "wss://relay.example.com/ws"}
	if err := PersistRelayCredentials(creds, store, provider); err != nil {
		t.Fatalf("PersistRelayCredentials() error = %v", err)
	}

	key, err := store.Get(config.RelayAPIKeyCredential)
	if err != nil || key != "key_1" {
		t.Fatalf("stored key = %q, %v", key, err)
	}

	reloaded, err := config.Load(provider.Path())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	relay := reloaded.Connect.Receiver.Relay
	if relay.WebhookID != "wh_1" || relay.APIKey != "" || relay.WSURL != creds.WSURL {
		t.Fatalf("persisted relay config = %+v", relay)
	}
	if relay.Enabled == nil || !*relay.Enabled {
		t.Fatal("relay not enabled")
	}

	settings := config.ResolveReceiverWithSecrets(reloaded, store)
	if !settings.Relay.HasCredentials() {
		t.Fatal("resolved settings should include credentials from the store")
	}

	if err := PersistRelayCredentials(RelayCredentials{APIKey: "k"}, store, provider); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
}
