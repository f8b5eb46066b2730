package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/billclaw/internal/connection"
	"github.com/haasonsaas/billclaw/internal/profile"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the receiver and the
// webhook manager until interrupted.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		Long: `Run the direct-mode webhook receiver and the webhook manager.

The server will:
1. Load configuration and watch it for changes
2. Open the nonce store used for replay protection
3. Serve signed webhooks, health checks and metrics over HTTP
4. Select the best inbound mode and keep it healthy

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  billclaw serve

  # Start with a specific config and debug logging
  billclaw serve --config ./billclaw.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Connect Commands
// =============================================================================

func buildConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Inspect inbound connection modes",
	}
	cmd.AddCommand(buildConnectStatusCmd(), buildConnectSelectCmd())
	return cmd
}

func buildConnectStatusCmd() *cobra.Command {
	var (
		configPath string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the direct and relay endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runConnectStatus(cmd, configPath, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func buildConnectSelectCmd() *cobra.Command {
	var (
		configPath string
		purpose    string
		best       bool
	)
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Show the mode that would be selected",
		Example: `  billclaw connect select
  billclaw connect select --purpose oauth
  billclaw connect select --best`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runConnectSelect(cmd, configPath, connection.Purpose(purpose), best)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&purpose, "purpose", string(connection.PurposeWebhook), "Connection purpose (webhook or oauth)")
	cmd.Flags().BoolVar(&best, "best", false, "Ignore the configured mode and pick the best available")
	return cmd
}

// =============================================================================
// Relay Commands
// =============================================================================

func buildRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Manage relay service credentials",
	}
	cmd.AddCommand(buildRelayLoginCmd(), buildRelayLogoutCmd())
	return cmd
}

func buildRelayLoginCmd() *cobra.Command {
	var (
		configPath string
		noBrowser  bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize this machine with the relay service",
		Long: `Run the relay OAuth flow. A local callback server receives the
authorization code, which is exchanged for relay credentials. The API key is
kept in the credential store; the webhook ID is written to the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runRelayLogin(cmd, configPath, noBrowser)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	return cmd
}

func buildRelayLogoutCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove stored relay credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runRelayLogout(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigShowCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var (
		configPath string
		resolved   bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runConfigShow(cmd, configPath, resolved)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&resolved, "resolved", false, "Print the merged receiver settings instead of the file contents")
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Profile Commands
// =============================================================================

func buildProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage named configuration profiles",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles",
			RunE:  runProfileList,
		},
		&cobra.Command{
			Use:   "use [name]",
			Short: "Set the active profile (omit the name to clear it)",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runProfileUse,
		},
	)
	return cmd
}
