package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/billclaw/internal/auth"
	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/connection"
	"github.com/haasonsaas/billclaw/internal/credentials"
	"github.com/haasonsaas/billclaw/internal/hooks"
	"github.com/haasonsaas/billclaw/internal/infra"
	"github.com/haasonsaas/billclaw/internal/observability"
	"github.com/haasonsaas/billclaw/internal/profile"
	"github.com/haasonsaas/billclaw/internal/receiver"
	"github.com/haasonsaas/billclaw/internal/security"
	"github.com/haasonsaas/billclaw/internal/webhook"
)

const maskedValue = "********"

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe wires the receiver, nonce store and webhook manager together and
// blocks until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	provider, err := config.NewProvider(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := provider.Get()

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger, logCloser := observability.NewLogger(observability.LogConfig{
		Level:      level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting BillClaw receiver",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := provider.Watch(ctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(nil)
	}

	store := credentials.NewFileStore(profile.CredentialsPath())

	nonces, nonceCloser, err := security.OpenNonceStore(ctx, cfg)
	if err != nil {
		_ = provider.Close()
		return fmt.Errorf("failed to open nonce store: %w", err)
	}
	guard := security.NewReplayGuard(nonces, security.GuardConfigFrom(cfg.Security), logger)

	bus := hooks.NewRegistry(logger)
	bus.Register(hooks.EventModeChanged, func(_ context.Context, event *hooks.Event) error {
		if change, ok := event.Payload.(webhook.ModeChange); ok {
			logger.Info("inbound mode changed", "from", change.From, "to", change.To, "reason", change.Reason)
		}
		return nil
	}, hooks.WithName("log-mode-changes"))

	manager := webhook.NewManager(webhook.Options{
		Config:  provider,
		Secrets: store,
		Logger:  logger,
		Metrics: metrics,
		Events:  bus,
	})

	settings := config.ResolveReceiverWithSecrets(cfg, store)
	server := receiver.New(receiver.Options{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Path:         settings.DirectPath,
		Secrets:      cfg.Security.Secrets,
		Guard:        guard,
		Dispatcher:   manager,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		ReadinessChecks: map[string]healthcheck.Check{
			"webhook-manager": func() error {
				if !manager.Started() {
					return errors.New("webhook manager not started")
				}
				return nil
			},
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err := server.Start(ctx); err != nil {
		_ = nonceCloser.Close()
		_ = provider.Close()
		return fmt.Errorf("failed to start receiver: %w", err)
	}

	manager.Start(ctx)
	changeID := provider.OnChange(func(*config.Config) {
		logger.Info("configuration changed, re-checking inbound mode")
		go manager.CheckHealth(ctx)
	})

	logger.Info("BillClaw receiver started",
		"addr", server.Addr(),
		"mode", manager.CurrentMode(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdown := infra.NewShutdown(10*time.Second, logger)
	shutdown.Register("receiver", infra.PhaseIntake, server.Stop)
	shutdown.Register("config-listener", infra.PhaseIntake, func(context.Context) error {
		provider.OffChange(changeID)
		return nil
	})
	shutdown.Register("webhook-manager", infra.PhaseServices, func(context.Context) error {
		manager.Stop()
		bus.Wait()
		return nil
	})
	shutdown.Register("nonce-store", infra.PhaseConnections, func(context.Context) error {
		return nonceCloser.Close()
	})
	shutdown.Register("config-watcher", infra.PhaseConnections, func(context.Context) error {
		return provider.Close()
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	var failed []string
	for _, result := range shutdown.Run(shutdownCtx) {
		if result.Error != nil {
			failed = append(failed, result.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("shutdown failed: %s", strings.Join(failed, ", "))
	}

	logger.Info("BillClaw receiver stopped")
	return nil
}

// =============================================================================
// Connect Command Handlers
// =============================================================================

type connectStatus struct {
	Mode      string                       `json:"mode"`
	PublicURL string                       `json:"publicUrl,omitempty"`
	RelayURL  string                       `json:"relayUrl,omitempty"`
	Direct    connection.HealthCheckResult `json:"direct"`
	Relay     connection.HealthCheckResult `json:"relay"`
}

func runConnectStatus(cmd *cobra.Command, configPath string, jsonOut bool) error {
	settings, err := loadReceiverSettings(configPath)
	if err != nil {
		return err
	}

	prober := connection.NewHTTPProber(nil, nil)
	status := connectStatus{
		Mode:      settings.Mode,
		PublicURL: settings.PublicURL,
		RelayURL:  settings.Relay.APIURL,
		Direct:    prober.CheckDirect(cmd.Context(), settings),
		Relay:     prober.CheckRelay(cmd.Context(), settings),
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, status)
	}
	fmt.Fprintf(out, "Configured mode: %s\n", status.Mode)
	printProbe(out, "Direct", status.Direct)
	printProbe(out, "Relay", status.Relay)
	return nil
}

func printProbe(out io.Writer, name string, result connection.HealthCheckResult) {
	if result.Available {
		fmt.Fprintf(out, "%-7s available (%dms)\n", name+":", result.Latency.Milliseconds())
		return
	}
	fmt.Fprintf(out, "%-7s unavailable: %s\n", name+":", result.Error)
}

func runConnectSelect(cmd *cobra.Command, configPath string, purpose connection.Purpose, best bool) error {
	switch purpose {
	case connection.PurposeWebhook, connection.PurposeOAuth:
	default:
		return fmt.Errorf("unknown purpose %q (want webhook or oauth)", purpose)
	}
	settings, err := loadReceiverSettings(configPath)
	if err != nil {
		return err
	}

	selector := connection.NewSelector(connection.NewHTTPProber(nil, nil), slog.Default())
	var result connection.SelectionResult
	if best {
		result = selector.BestAvailable(cmd.Context(), settings, purpose)
	} else {
		result = selector.Select(cmd.Context(), settings, purpose)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", result.Mode, result.Reason)
	return nil
}

func loadReceiverSettings(configPath string) (config.ReceiverSettings, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return config.ReceiverSettings{}, fmt.Errorf("failed to load config: %w", err)
	}
	store := credentials.NewFileStore(profile.CredentialsPath())
	return config.ResolveReceiverWithSecrets(cfg, store), nil
}

// =============================================================================
// Relay Command Handlers
// =============================================================================

func runRelayLogin(cmd *cobra.Command, configPath string, noBrowser bool) error {
	provider, err := config.NewProvider(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	settings := config.ResolveReceiver(provider.Get())

	opts := auth.RelayOAuthOptions{Logger: slog.Default()}
	if !noBrowser {
		opts.Opener = auth.SystemBrowser
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Waiting for relay authorization (timeout %s)...\n", settings.OAuth.Timeout)

	result := auth.RunRelayOAuth(cmd.Context(), settings.OAuth, opts)
	if !result.Success {
		return fmt.Errorf("relay login failed: %s", result.Error)
	}

	store := credentials.NewFileStore(profile.CredentialsPath())
	if err := auth.PersistRelayCredentials(*result.Credentials, store, provider); err != nil {
		return err
	}
	fmt.Fprintf(out, "Relay connected. Webhook ID: %s\n", result.Credentials.WebhookID)
	return nil
}

func runRelayLogout(cmd *cobra.Command, configPath string) error {
	provider, err := config.NewProvider(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store := credentials.NewFileStore(profile.CredentialsPath())
	if err := store.Delete(config.RelayAPIKeyCredential); err != nil {
		return fmt.Errorf("remove relay api key: %w", err)
	}
	err = provider.Update(func(c *config.Config) {
		receiver := c.EnsureReceiver()
		receiver.Relay.Enabled = config.Bool(false)
		receiver.Relay.WebhookID = ""
		receiver.Relay.APIKey = ""
		c.Relay.WebhookID = ""
		c.Relay.APIKey = ""
	})
	if err != nil {
		return fmt.Errorf("save relay config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Relay credentials removed.")
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigShow(cmd *cobra.Command, configPath string, resolved bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()

	if resolved {
		settings := config.ResolveReceiverWithSecrets(cfg, credentials.NewFileStore(profile.CredentialsPath()))
		if settings.Relay.APIKey != "" {
			settings.Relay.APIKey = maskedValue
		}
		return writeJSON(out, settings)
	}

	data, err := yaml.Marshal(maskConfig(cfg))
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// maskConfig returns a copy of cfg with secret values replaced.
func maskConfig(cfg *config.Config) *config.Config {
	masked := cfg.Clone()
	for source, secret := range masked.Security.Secrets {
		if secret != "" {
			masked.Security.Secrets[source] = maskedValue
		}
	}
	if masked.Relay.APIKey != "" {
		masked.Relay.APIKey = maskedValue
	}
	if r := masked.Connect.Receiver; r != nil && r.Relay.APIKey != "" {
		r.Relay.APIKey = maskedValue
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = maskedValue
	}
	return masked
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config OK: %s\n", configPath)
	return nil
}

// =============================================================================
// Profile Command Handlers
// =============================================================================

func runProfileList(cmd *cobra.Command, _ []string) error {
	names, err := profile.ListProfiles()
	if err != nil {
		return err
	}
	active, err := profile.ReadActiveProfile()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No profiles found.")
		return nil
	}
	for _, name := range names {
		marker := " "
		if name == active {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, name)
	}
	return nil
}

func runProfileUse(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	if err := profile.WriteActiveProfile(name); err != nil {
		return err
	}
	if name == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Active profile cleared.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Active profile: %s (%s)\n", name, profile.ProfileConfigPath(name))
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
