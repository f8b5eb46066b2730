// Package config loads and validates BillClaw configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for BillClaw.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Connect  ConnectConfig  `yaml:"connect,omitempty"`
	Security SecurityConfig `yaml:"security"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Webhook and Relay are the legacy (pre-"connect") layout. They are still
	// read, but values under connect.receiver win when both are set.
	Webhook LegacyWebhookConfig `yaml:"webhook,omitempty"`
	Relay   LegacyRelayConfig   `yaml:"relay,omitempty"`
}

// ServerConfig configures the direct-mode HTTP receiver.
type ServerConfig struct {
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	MaxBodyBytes int64   `yaml:"max_body_bytes"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
}

// ConnectConfig groups the unified connection settings.
type ConnectConfig struct {
	Receiver *ReceiverConfig `yaml:"receiver,omitempty"`
}

// ReceiverConfig is the modern unified receiver layout.
type ReceiverConfig struct {
	Mode        string            `yaml:"mode,omitempty"`
	PublicURL   string            `yaml:"public_url,omitempty"`
	Direct      DirectConfig      `yaml:"direct,omitempty"`
	Relay       RelayConfig       `yaml:"relay,omitempty"`
	Polling     PollingConfig     `yaml:"polling,omitempty"`
	HealthCheck HealthCheckConfig `yaml:"health_check,omitempty"`
	OAuth       RelayOAuthConfig  `yaml:"oauth,omitempty"`
}

// DirectConfig configures direct webhook delivery.
type DirectConfig struct {
	Path string `yaml:"path,omitempty"`
}

// RelayConfig configures the relay service connection.
type RelayConfig struct {
	Enabled               *bool         `yaml:"enabled,omitempty"`
	WSURL                 string        `yaml:"ws_url,omitempty"`
	APIURL                string        `yaml:"api_url,omitempty"`
	WebhookID             string        `yaml:"webhook_id,omitempty"`
	APIKey                string        `yaml:"api_key,omitempty"`
	Reconnect             *bool         `yaml:"reconnect,omitempty"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay,omitempty"`
	MaxReconnectDelay     time.Duration `yaml:"max_reconnect_delay,omitempty"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout,omitempty"`
	AutoFallbackToPolling *bool         `yaml:"auto_fallback_to_polling,omitempty"`
}

// PollingConfig configures polling mode.
type PollingConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
}

// HealthCheckConfig tunes the manager's periodic health checks.
type HealthCheckConfig struct {
	Enabled           *bool          `yaml:"enabled,omitempty"`
	Interval          *time.Duration `yaml:"interval,omitempty"`
	Timeout           time.Duration  `yaml:"timeout,omitempty"`
	AutoUpgrade       *bool          `yaml:"auto_upgrade,omitempty"`
	AutoModeSwitching *bool          `yaml:"auto_mode_switching,omitempty"`
}

// RelayOAuthConfig configures the relay credential OAuth flow.
type RelayOAuthConfig struct {
	AuthURL      string        `yaml:"auth_url,omitempty"`
	TokenURL     string        `yaml:"token_url,omitempty"`
	ClientID     string        `yaml:"client_id,omitempty"`
	CallbackPort int           `yaml:"callback_port,omitempty"`
	CallbackPath string        `yaml:"callback_path,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// LegacyWebhookConfig is the original top-level webhook section.
type LegacyWebhookConfig struct {
	Mode                string        `yaml:"mode,omitempty"`
	PublicURL           string        `yaml:"public_url,omitempty"`
	Path                string        `yaml:"path,omitempty"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`
	AutoModeSwitching   *bool         `yaml:"auto_mode_switching,omitempty"`
}

// LegacyRelayConfig is the original top-level relay section.
type LegacyRelayConfig struct {
	Enabled   *bool  `yaml:"enabled,omitempty"`
	URL       string `yaml:"url,omitempty"`
	APIURL    string `yaml:"api_url,omitempty"`
	WebhookID string `yaml:"webhook_id,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
}

// SecurityConfig configures inbound webhook verification.
type SecurityConfig struct {
	MaxAge          time.Duration     `yaml:"max_age"`
	FutureTolerance time.Duration     `yaml:"future_tolerance"`
	NonceTTL        time.Duration     `yaml:"nonce_ttl"`
	NonceStore      string            `yaml:"nonce_store"`
	Secrets         map[string]string `yaml:"secrets,omitempty"`
}

// RedisConfig configures the optional redis-backed nonce store.
type RedisConfig struct {
	Address   string `yaml:"address,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	NonceStoreMemory = "memory"
	NonceStoreRedis  = "redis"
)

var validModes = map[string]bool{
	"auto":    true,
	"direct":  true,
	"relay":   true,
	"polling": true,
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4456
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 20
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 40
	}
	if cfg.Security.MaxAge == 0 {
		cfg.Security.MaxAge = 15 * time.Minute
	}
	if cfg.Security.FutureTolerance == 0 {
		cfg.Security.FutureTolerance = 5 * time.Minute
	}
	if cfg.Security.NonceTTL == 0 {
		cfg.Security.NonceTTL = cfg.Security.MaxAge + cfg.Security.FutureTolerance
	}
	if cfg.Security.NonceStore == "" {
		cfg.Security.NonceStore = NonceStoreMemory
	}
	if cfg.Redis.KeyPrefix == "" && cfg.Security.NonceStore == NonceStoreRedis {
		cfg.Redis.KeyPrefix = "billclaw:nonce:"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		problems = append(problems, "server.rate_limit must not be negative")
	}
	if mode := c.Webhook.Mode; mode != "" && !validModes[strings.ToLower(mode)] {
		problems = append(problems, fmt.Sprintf("webhook.mode %q is not one of auto, direct, relay, polling", mode))
	}
	if r := c.Connect.Receiver; r != nil {
		if r.Mode != "" && !validModes[strings.ToLower(r.Mode)] {
			problems = append(problems, fmt.Sprintf("connect.receiver.mode %q is not one of auto, direct, relay, polling", r.Mode))
		}
		if r.HealthCheck.Interval != nil && *r.HealthCheck.Interval < 0 {
			problems = append(problems, "connect.receiver.health_check.interval must not be negative")
		}
		if r.Relay.ReconnectDelay < 0 || r.Relay.MaxReconnectDelay < 0 {
			problems = append(problems, "connect.receiver.relay reconnect delays must not be negative")
		}
		if r.OAuth.CallbackPort < 0 || r.OAuth.CallbackPort > 65535 {
			problems = append(problems, fmt.Sprintf("connect.receiver.oauth.callback_port out of range: %d", r.OAuth.CallbackPort))
		}
	}
	if c.Security.MaxAge < 0 || c.Security.FutureTolerance < 0 || c.Security.NonceTTL < 0 {
		problems = append(problems, "security durations must not be negative")
	}
	switch c.Security.NonceStore {
	case "", NonceStoreMemory:
	case NonceStoreRedis:
		if strings.TrimSpace(c.Redis.Address) == "" {
			problems = append(problems, "redis.address is required when security.nonce_store is redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("security.nonce_store %q is not one of memory, redis", c.Security.NonceStore))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Connect.Receiver != nil {
		receiver := *c.Connect.Receiver
		receiver.Relay.Enabled = cloneBool(receiver.Relay.Enabled)
		receiver.Relay.Reconnect = cloneBool(receiver.Relay.Reconnect)
		receiver.Relay.AutoFallbackToPolling = cloneBool(receiver.Relay.AutoFallbackToPolling)
		receiver.HealthCheck.Enabled = cloneBool(receiver.HealthCheck.Enabled)
		receiver.HealthCheck.Interval = cloneDuration(receiver.HealthCheck.Interval)
		receiver.HealthCheck.AutoUpgrade = cloneBool(receiver.HealthCheck.AutoUpgrade)
		receiver.HealthCheck.AutoModeSwitching = cloneBool(receiver.HealthCheck.AutoModeSwitching)
		out.Connect.Receiver = &receiver
	}
	out.Webhook.AutoModeSwitching = cloneBool(c.Webhook.AutoModeSwitching)
	out.Relay.Enabled = cloneBool(c.Relay.Enabled)
	if c.Security.Secrets != nil {
		out.Security.Secrets = make(map[string]string, len(c.Security.Secrets))
		for k, v := range c.Security.Secrets {
			out.Security.Secrets[k] = v
		}
	}
	return &out
}

// EnsureReceiver returns the modern receiver section, creating it if needed.
func (c *Config) EnsureReceiver() *ReceiverConfig {
	if c.Connect.Receiver == nil {
		c.Connect.Receiver = &ReceiverConfig{}
	}
	return c.Connect.Receiver
}

// Bool returns a pointer to v, for populating optional flags.
func Bool(v bool) *bool {
	return &v
}

// Duration returns a pointer to d. An explicit zero health check interval
// disables the health loop.
func Duration(d time.Duration) *time.Duration {
	return &d
}

func cloneDuration(v *time.Duration) *time.Duration {
	if v == nil {
		return nil
	}
	d := *v
	return &d
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	b := *v
	return &b
}
