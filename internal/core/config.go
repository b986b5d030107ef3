package core

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML configuration of benchctl. Keys live in
// secrets.env or the environment rather than in this file.
type Config struct {
	DashboardURL string     `yaml:"dashboard_url"`
	TargetURL    string     `yaml:"target_url"`
	ReportFolder string     `yaml:"report_folder"`
	AssetFolder  string     `yaml:"asset_folder"`
	LogFilter    string     `yaml:"log_filter"`
	Ledger       *string    `yaml:"ledger,omitempty"`
	APIKey       string     `yaml:"-"`
	MasterKey    string     `yaml:"-"`
	AssetsKey    string     `yaml:"-"`
	Mirror       MirrorConf `yaml:"mirror"`
}

// MirrorConf configures the SFTP asset mirror.
type MirrorConf struct {
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
}

const (
	DefaultDashboardURL = "http://localhost:9001"
	DefaultTargetURL    = "http://127.0.0.1:7700"
	DefaultReportFolder = "./bench/reports/"
	DefaultAssetFolder  = "./bench/assets/"
	DefaultLogFilter    = "info"
)

// Secret names read from secrets.env and the environment.
const (
	EnvAPIKey    = "BENCHCTL_API_KEY"
	EnvMasterKey = "BENCHCTL_MASTER_KEY"
	EnvAssetsKey = "BENCHCTL_ASSETS_KEY"
)

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		DashboardURL: DefaultDashboardURL,
		TargetURL:    DefaultTargetURL,
		ReportFolder: DefaultReportFolder,
		AssetFolder:  DefaultAssetFolder,
		LogFilter:    DefaultLogFilter,
		Mirror: MirrorConf{
			KeyPath:    filepath.Join(ConfigDir(), "keys", "mirror_ed25519"),
			KnownHosts: filepath.Join(ConfigDir(), "known_hosts"),
		},
	}
}

// ConfigDir resolves $XDG_CONFIG_HOME/benchctl or ~/.config/benchctl.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "benchctl")
}

// DefaultLedgerPath resolves $XDG_STATE_HOME/benchctl/ledger.db or
// ~/.local/state/benchctl/ledger.db.
func DefaultLedgerPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "benchctl", "ledger.db")
}

// LedgerPath returns the configured ledger path. An explicit empty value
// disables the ledger.
func (c Config) LedgerPath() string {
	if c.Ledger == nil {
		return DefaultLedgerPath()
	}
	return *c.Ledger
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// ConfigDir()/config.yaml, and a missing file there yields the defaults. Keys
// are merged from secrets.env next to the config, then from the environment.
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
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return cfg, errors.Wrap(err, "open config")
	}

	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{EnvAPIKey, EnvMasterKey, EnvAssetsKey} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	cfg.APIKey = secrets[EnvAPIKey]
	cfg.MasterKey = secrets[EnvMasterKey]
	cfg.AssetsKey = secrets[EnvAssetsKey]
	return cfg, nil
}

// WriteConfig writes cfg as YAML, creating the parent directory.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrap(os.WriteFile(path, out, 0o644), "write config")
}
