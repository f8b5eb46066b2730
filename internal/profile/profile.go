// Package profile resolves BillClaw's on-disk locations and named profiles.
package profile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/xdg"
)

const (
	AppName           = "billclaw"
	DefaultConfigName = "billclaw.yaml"
	ProfileExt        = ".yaml"
)

// BaseDir returns the configuration root, $XDG_CONFIG_HOME/billclaw.
func BaseDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// DataDir returns the data root, $XDG_DATA_HOME/billclaw.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// ConfigDir returns the directory holding named profile configs.
func ConfigDir() string {
	return filepath.Join(BaseDir(), "profiles")
}

// ActiveProfileFile returns the path to the active profile marker.
func ActiveProfileFile() string {
	return filepath.Join(BaseDir(), "active_profile")
}

// ProfileConfigPath returns the config path for a profile name. An empty
// name maps to the default config file.
func ProfileConfigPath(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return filepath.Join(BaseDir(), DefaultConfigName)
	}
	return filepath.Join(ConfigDir(), name+ProfileExt)
}

// DefaultConfigPath returns the active profile config path if set, otherwise
// the default config file.
func DefaultConfigPath() string {
	name, err := ReadActiveProfile()
	if err != nil {
		name = ""
	}
	return ProfileConfigPath(name)
}

// CredentialsPath returns the credential store file.
func CredentialsPath() string {
	return filepath.Join(DataDir(), "credentials.json")
}

// ReadActiveProfile loads the active profile name.
func ReadActiveProfile() (string, error) {
	data, err := os.ReadFile(ActiveProfileFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteActiveProfile sets the active profile name. An empty name clears it.
func WriteActiveProfile(name string) error {
	path := ActiveProfileFile()
	name = strings.TrimSpace(name)
	if name == "" {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(name+"\n"), 0o600)
}

// ListProfiles returns available profile names.
func ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(ConfigDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ProfileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ProfileExt))
	}
	sort.Strings(names)
	return names, nil
}
