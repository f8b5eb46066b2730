package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/billclaw/internal/config"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "connect", "relay", "config", "profile"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billclaw.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BILLCLAW_PROFILE", "")
	profileName = ""

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigValidateCommand(t *testing.T) {
	valid := writeConfig(t, "connect:\n  receiver:\n    mode: relay\n")
	out, err := execute(t, "config", "validate", "--config", valid)
	if err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
	if !strings.Contains(out, "Config OK") {
		t.Fatalf("output = %q", out)
	}

	invalid := writeConfig(t, "connect:\n  receiver:\n    mode: carrier-pigeon\n")
	if _, err := execute(t, "config", "validate", "--config", invalid); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestConnectSelectHonorsConfiguredMode(t *testing.T) {
	path := writeConfig(t, "connect:\n  receiver:\n    mode: polling\n")

	tests := []struct {
		purpose string
		want    string
	}{
		{"webhook", "polling (Configured mode: polling)"},
		{"oauth", "relay (Polling mode not supported for OAuth, using relay fallback)"},
	}
	for _, tt := range tests {
		t.Run(tt.purpose, func(t *testing.T) {
			out, err := execute(t, "connect", "select", "--config", path, "--purpose", tt.purpose)
			if err != nil {
				t.Fatalf("connect select: %v", err)
			}
			if strings.TrimSpace(out) != tt.want {
				t.Fatalf("output = %q, want %q", out, tt.want)
			}
		})
	}

	if _, err := execute(t, "connect", "select", "--config", path, "--purpose", "billing"); err == nil {
		t.Fatal("expected error for unknown purpose")
	}
}

func TestMaskConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Security.Secrets = map[string]string{"plaid": "whsec_real"}
	cfg.Relay.APIKey = "legacy-key"
	cfg.EnsureReceiver().Relay.APIKey = "modern-key"
	cfg.Redis.Password = "hunter2"

	masked := maskConfig(cfg)
	if masked.Security.Secrets["plaid"] != maskedValue ||
		masked.Relay.APIKey != maskedValue ||
		masked.Connect.Receiver.Relay.APIKey != maskedValue ||
		masked.Redis.Password != maskedValue {
		t.Fatalf("secrets not masked: %+v", masked)
	}
	if cfg.Security.Secrets["plaid"] != "whsec_real" || cfg.Connect.Receiver.Relay.APIKey != "modern-key" {
		t.Fatal("maskConfig modified its input")
	}
}
