// Package main provides the CLI entry point for BillClaw's inbound webhook
// connectivity.
//
// BillClaw receives provider webhooks (Plaid, GoCardless, Gmail) directly on
// a public URL, through the BillClaw relay service, or falls back to polling.
//
// # Basic Usage
//
// Start the receiver:
//
//	billclaw serve --config billclaw.yaml
//
// Show which inbound mode would be used:
//
//	billclaw connect status
//
// Obtain relay credentials:
//
//	billclaw relay login
//
// # Environment Variables
//
//   - BILLCLAW_PROFILE: Named profile to use (see "billclaw profile")
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/billclaw/internal/profile"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version     = "dev"
	commit      = "none"
	date        = "unknown"
	profileName string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "billclaw",
		Short: "BillClaw - inbound webhook connectivity",
		Long: `BillClaw receives financial data webhooks and keeps the best available
inbound path connected.

Modes: direct (public URL), relay (BillClaw relay WebSocket), polling
Sources: Plaid, GoCardless, Gmail`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Profile name (uses $XDG_CONFIG_HOME/billclaw/profiles/<name>.yaml; or set BILLCLAW_PROFILE)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConnectCmd(),
		buildRelayCmd(),
		buildConfigCmd(),
		buildProfileCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	activeProfile := strings.TrimSpace(profileName)
	if activeProfile == "" {
		activeProfile = strings.TrimSpace(os.Getenv("BILLCLAW_PROFILE"))
	}
	if activeProfile != "" {
		return profile.ProfileConfigPath(activeProfile)
	}
	if strings.TrimSpace(path) == "" || path == profile.DefaultConfigName {
		return profile.DefaultConfigPath()
	}
	return path
}
