package config

import (
	"strings"
	"time"
)

// Receiver defaults.
const (
	DefaultMode                = "auto"
	DefaultRelayWSURL          = "wss://relay.billclaw.dev/ws"
	DefaultRelayAPIURL         = "https://relay.billclaw.dev"
	DefaultReconnectDelay      = time.Second
	DefaultMaxReconnectDelay   = 5 * time.Minute
	DefaultHeartbeatTimeout    = 30 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultProbeTimeout        = 5 * time.Second
	DefaultPollingInterval     = 5 * time.Minute
	DefaultDirectPath          = "/webhook"
	DefaultOAuthCallbackPort   = 4457
	DefaultOAuthCallbackPath   = "/callback"
	DefaultOAuthTimeout        = 5 * time.Minute
	DefaultOAuthClientID       = "billclaw-cli"

	// RelayAPIKeyCredential names the credential-store entry holding the relay API key.
	RelayAPIKeyCredential = "relay_api_key"
)

// ReceiverSettings is the resolved, read-only view of the receiver
// configuration. It is a value type; callers get their own copy.
type ReceiverSettings struct {
	Mode            string
	PublicURL       string
	DirectPath      string
	PollingInterval time.Duration
	Relay           RelaySettings
	HealthCheck     HealthCheckSettings
	OAuth           OAuthSettings
}

// RelaySettings is the resolved relay connection configuration.
type RelaySettings struct {
	Enabled               bool
	WSURL                 string
	APIURL                string
	WebhookID             string
	APIKey                string
	Reconnect             bool
	ReconnectDelay        time.Duration
	MaxReconnectDelay     time.Duration
	HeartbeatTimeout      time.Duration
	AutoFallbackToPolling bool
}

// HasCredentials reports whether both the webhook ID and API key are set.
func (r RelaySettings) HasCredentials() bool {
	return strings.TrimSpace(r.WebhookID) != "" && strings.TrimSpace(r.APIKey) != ""
}

// HealthCheckSettings tunes probing and the manager's health loop.
type HealthCheckSettings struct {
	Enabled           bool
	Interval          time.Duration
	Timeout           time.Duration
	AutoUpgrade       bool
	AutoModeSwitching bool
}

// OAuthSettings configures the relay credential OAuth flow.
type OAuthSettings struct {
	AuthURL      string
	TokenURL     string
	ClientID     string
	CallbackPort int
	CallbackPath string
	Timeout      time.Duration
}

// SecretLookup reads named secrets, typically from the credential store.
type SecretLookup interface {
	Get(name string) (string, error)
}

// ResolveReceiver merges the legacy webhook/relay sections with the modern
// connect.receiver section. Modern values win field by field. The input is
// never modified.
func ResolveReceiver(cfg *Config) ReceiverSettings {
	s := ReceiverSettings{
		Mode:            DefaultMode,
		DirectPath:      DefaultDirectPath,
		PollingInterval: DefaultPollingInterval,
		Relay: RelaySettings{
			WSURL:                 DefaultRelayWSURL,
			APIURL:                DefaultRelayAPIURL,
			Reconnect:             true,
			ReconnectDelay:        DefaultReconnectDelay,
			MaxReconnectDelay:     DefaultMaxReconnectDelay,
			HeartbeatTimeout:      DefaultHeartbeatTimeout,
			AutoFallbackToPolling: true,
		},
		HealthCheck: HealthCheckSettings{
			Enabled:           true,
			Interval:          DefaultHealthCheckInterval,
			Timeout:           DefaultProbeTimeout,
			AutoUpgrade:       true,
			AutoModeSwitching: true,
		},
		OAuth: OAuthSettings{
			AuthURL:      DefaultRelayAPIURL + "/oauth/authorize",
			TokenURL:     DefaultRelayAPIURL + "/oauth/token",
			ClientID:     DefaultOAuthClientID,
			CallbackPort: DefaultOAuthCallbackPort,
			CallbackPath: DefaultOAuthCallbackPath,
			Timeout:      DefaultOAuthTimeout,
		},
	}
	if cfg == nil {
		return s
	}

	legacyWebhook := cfg.Webhook
	setString(&s.Mode, strings.ToLower(legacyWebhook.Mode))
	setString(&s.PublicURL, legacyWebhook.PublicURL)
	setString(&s.DirectPath, legacyWebhook.Path)
	setDuration(&s.HealthCheck.Interval, legacyWebhook.HealthCheckInterval)
	setBool(&s.HealthCheck.AutoModeSwitching, legacyWebhook.AutoModeSwitching)

	legacyRelay := cfg.Relay
	setBool(&s.Relay.Enabled, legacyRelay.Enabled)
	setString(&s.Relay.WSURL, legacyRelay.URL)
	setString(&s.Relay.APIURL, legacyRelay.APIURL)
	setString(&s.Relay.WebhookID, legacyRelay.WebhookID)
	setString(&s.Relay.APIKey, legacyRelay.APIKey)

	if r := cfg.Connect.Receiver; r != nil {
		setString(&s.Mode, strings.ToLower(r.Mode))
		setString(&s.PublicURL, r.PublicURL)
		setString(&s.DirectPath, r.Direct.Path)
		setDuration(&s.PollingInterval, r.Polling.Interval)

		setBool(&s.Relay.Enabled, r.Relay.Enabled)
		setString(&s.Relay.WSURL, r.Relay.WSURL)
		setString(&s.Relay.APIURL, r.Relay.APIURL)
		setString(&s.Relay.WebhookID, r.Relay.WebhookID)
		setString(&s.Relay.APIKey, r.Relay.APIKey)
		setBool(&s.Relay.Reconnect, r.Relay.Reconnect)
		setDuration(&s.Relay.ReconnectDelay, r.Relay.ReconnectDelay)
		setDuration(&s.Relay.MaxReconnectDelay, r.Relay.MaxReconnectDelay)
		setDuration(&s.Relay.HeartbeatTimeout, r.Relay.HeartbeatTimeout)
		setBool(&s.Relay.AutoFallbackToPolling, r.Relay.AutoFallbackToPolling)

		setBool(&s.HealthCheck.Enabled, r.HealthCheck.Enabled)
		if r.HealthCheck.Interval != nil {
			s.HealthCheck.Interval = *r.HealthCheck.Interval
		}
		setDuration(&s.HealthCheck.Timeout, r.HealthCheck.Timeout)
		setBool(&s.HealthCheck.AutoUpgrade, r.HealthCheck.AutoUpgrade)
		setBool(&s.HealthCheck.AutoModeSwitching, r.HealthCheck.AutoModeSwitching)

		setString(&s.OAuth.AuthURL, r.OAuth.AuthURL)
		setString(&s.OAuth.TokenURL, r.OAuth.TokenURL)
		setString(&s.OAuth.ClientID, r.OAuth.ClientID)
		if r.OAuth.CallbackPort > 0 {
			s.OAuth.CallbackPort = r.OAuth.CallbackPort
		}
		setString(&s.OAuth.CallbackPath, r.OAuth.CallbackPath)
		setDuration(&s.OAuth.Timeout, r.OAuth.Timeout)
	}

	s.PublicURL = strings.TrimRight(s.PublicURL, "/")
	s.Relay.APIURL = strings.TrimRight(s.Relay.APIURL, "/")
	if !strings.HasPrefix(s.OAuth.CallbackPath, "/") {
		s.OAuth.CallbackPath = "/" + s.OAuth.CallbackPath
	}
	if s.Relay.MaxReconnectDelay < s.Relay.ReconnectDelay {
		s.Relay.MaxReconnectDelay = s.Relay.ReconnectDelay
	}
	return s
}

// ResolveReceiverWithSecrets resolves like ResolveReceiver and fills a missing
// relay API key from secrets.
func ResolveReceiverWithSecrets(cfg *Config, secrets SecretLookup) ReceiverSettings {
	s := ResolveReceiver(cfg)
	if secrets == nil || strings.TrimSpace(s.Relay.APIKey) != "" {
		return s
	}
	if key, err := secrets.Get(RelayAPIKeyCredential); err == nil {
		s.Relay.APIKey = strings.TrimSpace(key)
	}
	return s
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
