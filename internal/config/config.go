// Package config loads AgentCom's YAML configuration with environment
// variable expansion, the way Nebo's internal/config package does.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitTier configures one admission tier for C9.
type RateLimitTier struct {
	RatePerSec float64 `yaml:"RatePerSec"`
	Burst      int     `yaml:"Burst"`
}

// BudgetWindow configures C10's budget verdicts for one hub-FSM state.
type BudgetWindow struct {
	MaxInvocationsPerWindow int     `yaml:"MaxInvocationsPerWindow"`
	MaxCostPerWindow        float64 `yaml:"MaxCostPerWindow"`
	WindowMs                int64   `yaml:"WindowMs"`
}

// Config is the top-level AgentCom configuration document.
type Config struct {
	DataDir      string `yaml:"DataDir"`
	BackupDir    string `yaml:"BackupDir"`
	ProposalsDir string `yaml:"ProposalsDir"`
	RepoRoot     string `yaml:"RepoRoot"`
	HubPort      int    `yaml:"HubPort"`
	MetricsPort  int    `yaml:"MetricsPort"`

	BackupIntervalMs      int64   `yaml:"BackupIntervalMs"`
	BackupRetention       int     `yaml:"BackupRetention"`
	CompactionIntervalMs  int64   `yaml:"CompactionIntervalMs"`
	CompactionThreshold   float64 `yaml:"CompactionThreshold"`
	AcceptanceTimeoutMs   int64   `yaml:"AcceptanceTimeoutMs"`
	StuckSweepIntervalMs  int64   `yaml:"StuckSweepIntervalMs"`
	StuckThresholdMs      int64   `yaml:"StuckThresholdMs"`
	HeartbeatIntervalMs   int64   `yaml:"HeartbeatIntervalMs"`
	MaxRetries            int     `yaml:"MaxRetries"`
	LLMCallTimeoutMs      int64   `yaml:"LLMCallTimeoutMs"`
	ImprovementCronSpec   string  `yaml:"ImprovementCronSpec"`
	HealingWatchdogMs     int64   `yaml:"HealingWatchdogMs"`
	GoalMaxAttempts       int     `yaml:"GoalMaxAttempts"`

	DefaultBudgets map[string]BudgetWindow  `yaml:"DefaultBudgets"`
	RateLimitTiers map[string]RateLimitTier `yaml:"RateLimitTiers"`

	Admin struct {
		JWTSecret   string `yaml:"JWTSecret"`
		TokenTTLSec int64  `yaml:"TokenTTLSec"`
	} `yaml:"Admin"`
}

// LoadFromBytes parses YAML config bytes after expanding ${VAR} references
// against the process environment, then applies defaults for unset fields.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	return c, nil
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

func applyDefaults(c *Config) {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.BackupDir == "" {
		c.BackupDir = "./data/backups"
	}
	if c.ProposalsDir == "" {
		c.ProposalsDir = "./data/proposals"
	}
	if c.RepoRoot == "" {
		c.RepoRoot = "."
	}
	if c.HubPort == 0 {
		c.HubPort = 7410
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 7411
	}
	if c.BackupIntervalMs == 0 {
		c.BackupIntervalMs = int64(time.Hour / time.Millisecond)
	}
	if c.BackupRetention == 0 {
		c.BackupRetention = 3
	}
	if c.CompactionIntervalMs == 0 {
		c.CompactionIntervalMs = int64(6 * time.Hour / time.Millisecond)
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = 0.10
	}
	if c.AcceptanceTimeoutMs == 0 {
		c.AcceptanceTimeoutMs = 60_000
	}
	if c.StuckSweepIntervalMs == 0 {
		c.StuckSweepIntervalMs = 30_000
	}
	if c.StuckThresholdMs == 0 {
		c.StuckThresholdMs = 300_000
	}
	if c.HeartbeatIntervalMs == 0 {
		c.HeartbeatIntervalMs = 900_000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.LLMCallTimeoutMs == 0 {
		c.LLMCallTimeoutMs = 120_000
	}
	if c.ImprovementCronSpec == "" {
		c.ImprovementCronSpec = "0 3 * * *" // daily at 03:00
	}
	if c.HealingWatchdogMs == 0 {
		c.HealingWatchdogMs = 600_000
	}
	if c.GoalMaxAttempts == 0 {
		c.GoalMaxAttempts = 2
	}
	if c.DefaultBudgets == nil {
		c.DefaultBudgets = map[string]BudgetWindow{
			"executing":     {MaxInvocationsPerWindow: 500, MaxCostPerWindow: 20.0, WindowMs: int64(time.Hour / time.Millisecond)},
			"improving":     {MaxInvocationsPerWindow: 200, MaxCostPerWindow: 8.0, WindowMs: int64(time.Hour / time.Millisecond)},
			"contemplating": {MaxInvocationsPerWindow: 100, MaxCostPerWindow: 5.0, WindowMs: int64(time.Hour / time.Millisecond)},
		}
	}
	if c.RateLimitTiers == nil {
		c.RateLimitTiers = map[string]RateLimitTier{
			"default": {RatePerSec: 5, Burst: 10},
			"admin":   {RatePerSec: 1, Burst: 3},
		}
	}
	if c.Admin.TokenTTLSec == 0 {
		c.Admin.TokenTTLSec = 3600
	}
}

// AcceptanceTimeout returns the configured acceptance timeout as a Duration.
func (c Config) AcceptanceTimeout() time.Duration {
	return time.Duration(c.AcceptanceTimeoutMs) * time.Millisecond
}

// StuckSweepInterval returns the configured stuck-sweep tick interval.
func (c Config) StuckSweepInterval() time.Duration {
	return time.Duration(c.StuckSweepIntervalMs) * time.Millisecond
}

// StuckThreshold returns the configured stuck-task age threshold.
func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMs) * time.Millisecond
}

// BackupInterval returns the configured backup coordinator interval.
func (c Config) BackupInterval() time.Duration {
	return time.Duration(c.BackupIntervalMs) * time.Millisecond
}

// CompactionInterval returns the configured compaction coordinator interval.
func (c Config) CompactionInterval() time.Duration {
	return time.Duration(c.CompactionIntervalMs) * time.Millisecond
}

// LLMCallTimeout returns the configured external-LLM call timeout.
func (c Config) LLMCallTimeout() time.Duration {
	return time.Duration(c.LLMCallTimeoutMs) * time.Millisecond
}

// HealingWatchdog returns the configured healing-state watchdog timeout.
func (c Config) HealingWatchdog() time.Duration {
	return time.Duration(c.HealingWatchdogMs) * time.Millisecond
}
