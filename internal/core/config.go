package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

// Config is the on-disk tunnelctl configuration.
type Config struct {
	Credentials struct {
		User string `yaml:"user"`
		Key  string `yaml:"key"`
	} `yaml:"credentials"`
	Binary struct {
		// Path pins an agent executable and skips provisioning.
		Path    string   `yaml:"path"`
		BaseURL string   `yaml:"base_url"`
		Dirs    []string `yaml:"dirs"`
	} `yaml:"binary"`
	Timeouts struct {
		StartSeconds    int `yaml:"start_seconds"`
		StopSeconds     int `yaml:"stop_seconds"`
		DownloadSeconds int `yaml:"download_seconds"`
		DownloadRetries int `yaml:"download_retries"`
	} `yaml:"timeouts"`
	// Options are default tunnel options, overridden per invocation.
	Options api.Options `yaml:"options"`
	State   struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"state"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
	SSH struct {
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
}

// ConfigDir is $XDG_CONFIG_HOME/tunnelctl, or ~/.config/tunnelctl.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tunnelctl")
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() Config {
	var cfg Config
	cfg.Timeouts.StartSeconds = 120
	cfg.Timeouts.StopSeconds = 60
	cfg.Timeouts.DownloadSeconds = 300
	cfg.Timeouts.DownloadRetries = 3
	cfg.State.DBPath = filepath.Join(ConfigDir(), "state.db")
	cfg.SSH.KeyPath = filepath.Join(ConfigDir(), "id_ed25519")
	cfg.SSH.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	cfg.Options = api.Options{}
	return cfg
}

// LoadConfig reads YAML configuration from path. If path is empty it resolves
// $XDG_CONFIG_HOME/tunnelctl/config.yaml; a missing default file is not an
// error. Credentials from secrets.env and LT_USERNAME/LT_ACCESS_KEY are
// merged in, environment last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if cfg.Options == nil {
		cfg.Options = api.Options{}
	}

	secrets, _ := LoadSecretsEnv("")
	for _, k := range []string{"LT_USERNAME", "LT_ACCESS_KEY"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if v := secrets["LT_USERNAME"]; v != "" {
		cfg.Credentials.User = v
	}
	if v := secrets["LT_ACCESS_KEY"]; v != "" {
		cfg.Credentials.Key = v
	}
	return cfg, nil
}

func (c Config) StartTimeout() time.Duration {
	return time.Duration(c.Timeouts.StartSeconds) * time.Second
}

func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.Timeouts.StopSeconds) * time.Second
}

func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Timeouts.DownloadSeconds) * time.Second
}

// TunnelOptions layers the configured defaults, the credentials and the
// pinned binary under overrides. Overrides win.
func (c Config) TunnelOptions(overrides api.Options) api.Options {
	out := c.Options.Clone()
	if c.Credentials.User != "" {
		out[api.OptUser] = c.Credentials.User
	}
	if c.Credentials.Key != "" {
		out[api.OptKey] = c.Credentials.Key
	}
	if c.Binary.Path != "" {
		out[api.OptBinaryPath] = c.Binary.Path
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
