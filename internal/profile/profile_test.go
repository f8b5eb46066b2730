package profile

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adrg/xdg"
)

func withTempHomes(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origConfig, origData := xdg.ConfigHome, xdg.DataHome
	xdg.ConfigHome = filepath.Join(dir, "config")
	xdg.DataHome = filepath.Join(dir, "data")
	t.Cleanup(func() {
		xdg.ConfigHome = origConfig
		xdg.DataHome = origData
	})
	return dir
}

func TestProfileConfigPath(t *testing.T) {
	dir := withTempHomes(t)

	if got, want := ProfileConfigPath(""), filepath.Join(dir, "config", "billclaw", "billclaw.yaml"); got != want {
		t.Fatalf("default path = %q, want %q", got, want)
	}
	if got, want := ProfileConfigPath("work"), filepath.Join(dir, "config", "billclaw", "profiles", "work.yaml"); got != want {
		t.Fatalf("profile path = %q, want %q", got, want)
	}
	if got, want := CredentialsPath(), filepath.Join(dir, "data", "billclaw", "credentials.json"); got != want {
		t.Fatalf("credentials path = %q, want %q", got, want)
	}
}

func TestActiveProfile(t *testing.T) {
	withTempHomes(t)

	if got := DefaultConfigPath(); got != ProfileConfigPath("") {
		t.Fatalf("expected default config without active profile, got %q", got)
	}
	if err := WriteActiveProfile("home"); err != nil {
		t.Fatalf("WriteActiveProfile() error = %v", err)
	}
	if got := DefaultConfigPath(); got != ProfileConfigPath("home") {
		t.Fatalf("expected home profile path, got %q", got)
	}
	if err := WriteActiveProfile(""); err != nil {
		t.Fatalf("clear active profile: %v", err)
	}
	if name, _ := ReadActiveProfile(); name != "" {
		t.Fatalf("expected cleared profile, got %q", name)
	}
}

func TestListProfiles(t *testing.T) {
	withTempHomes(t)

	names, err := ListProfiles()
	if err != nil || names != nil {
		t.Fatalf("expected no profiles, got %v, %v", names, err)
	}
	if err := os.MkdirAll(ConfigDir(), 0o700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.yaml", "a.yaml", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(ConfigDir(), name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	names, err = ListProfiles()
	if err != nil {
		t.Fatalf("ListProfiles() error = %v", err)
	}
	if !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Fatalf("unexpected profiles %v", names)
	}
}
