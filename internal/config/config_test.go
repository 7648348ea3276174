package config

import (
	"os"
	"testing"
)

func TestLoadFromBytesAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(""))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir default = %q", cfg.DataDir)
	}
	if cfg.HubPort != 7410 {
		t.Errorf("HubPort default = %d", cfg.HubPort)
	}
	if cfg.MetricsPort != 7411 {
		t.Errorf("MetricsPort default = %d", cfg.MetricsPort)
	}
	if cfg.GoalMaxAttempts != 2 {
		t.Errorf("GoalMaxAttempts default = %d", cfg.GoalMaxAttempts)
	}
	if _, ok := cfg.DefaultBudgets["executing"]; !ok {
		t.Error("expected a default executing budget window")
	}
	if _, ok := cfg.RateLimitTiers["default"]; !ok {
		t.Error("expected a default rate limit tier")
	}
	if cfg.Admin.TokenTTLSec != 3600 {
		t.Errorf("Admin.TokenTTLSec default = %d", cfg.Admin.TokenTTLSec)
	}
}

func TestLoadFromBytesExpandsEnv(t *testing.T) {
	os.Setenv("AGENTCOM_TEST_DATA_DIR", "/tmp/agentcom-test-data")
	defer os.Unsetenv("AGENTCOM_TEST_DATA_DIR")

	cfg, err := LoadFromBytes([]byte("DataDir: ${AGENTCOM_TEST_DATA_DIR}\nHubPort: 9000\n"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.DataDir != "/tmp/agentcom-test-data" {
		t.Errorf("DataDir = %q, want expanded env value", cfg.DataDir)
	}
	if cfg.HubPort != 9000 {
		t.Errorf("HubPort = %d, want 9000", cfg.HubPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("expected an error loading a nonexistent config file")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("AcceptanceTimeoutMs: 1500\n"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if got := cfg.AcceptanceTimeout().Milliseconds(); got != 1500 {
		t.Errorf("AcceptanceTimeout = %dms, want 1500ms", got)
	}
}
