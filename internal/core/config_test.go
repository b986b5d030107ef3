package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigMissingDefaultIsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvAPIKey, "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DashboardURL != DefaultDashboardURL || cfg.TargetURL != DefaultTargetURL {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LedgerPath() == "" {
		t.Fatal("expected a default ledger path")
	}
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}

func TestLoadConfigMergesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "dashboard_url: https://bench.example.com\nledger: \"\"\nmirror:\n  user: bench\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	secrets := "# keys\nBENCHCTL_API_KEY=from-file\nexport BENCHCTL_MASTER_KEY=\"master\"\n"
	if err := os.WriteFile(filepath.Join(dir, "secrets.env"), []byte(secrets), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvMasterKey, "")
	t.Setenv(EnvAssetsKey, "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DashboardURL != "https://bench.example.com" {
		t.Errorf("dashboard url = %q", cfg.DashboardURL)
	}
	if cfg.TargetURL != DefaultTargetURL {
		t.Errorf("target url default lost: %q", cfg.TargetURL)
	}
	if cfg.APIKey != "from-env" {
		t.Errorf("env must win over secrets.env, got %q", cfg.APIKey)
	}
	if cfg.MasterKey != "master" {
		t.Errorf("master key = %q", cfg.MasterKey)
	}
	if cfg.LedgerPath() != "" {
		t.Errorf("empty ledger must disable it, got %q", cfg.LedgerPath())
	}
	if cfg.Mirror.User != "bench" {
		t.Errorf("mirror user = %q", cfg.Mirror.User)
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.APIKey = "never-written"
	if err := WriteConfig(path, cfg); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" || strings.Contains(string(data), "never-written") {
		t.Fatalf("unexpected config file:\n%s", data)
	}
}
