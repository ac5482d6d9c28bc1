// Package config loads the engine configuration from the evoloop home
// directory. Precedence: defaults, then config.yaml, then EVOLOOP_* env
// vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SelfImproveConfig tunes the improvement loop.
type SelfImproveConfig struct {
	Enabled              bool    `yaml:"enabled"`
	AutoApply            bool    `yaml:"auto_apply"`
	PerformanceThreshold float64 `yaml:"performance_threshold"`
	StagnationThreshold  float64 `yaml:"stagnation_threshold"`
	PatternTriggerN      int     `yaml:"pattern_trigger_n"`
	MinPatchConfidence   float64 `yaml:"min_patch_confidence"`
	UseLLMVerifier       bool    `yaml:"use_llm_verifier"`
	UseLLMEvolver        bool    `yaml:"use_llm_evolver"`
}

// MaintenanceConfig schedules background store maintenance.
type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression
}

// OtelConfig enables metrics export.
type OtelConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the engine configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	StateDB      string `yaml:"state_db"`
	ImproveDB    string `yaml:"improve_db"`
	WorkflowsDir string `yaml:"workflows_dir"`
	LogLevel     string `yaml:"log_level"`

	// Executor is the command run for each agent step. The persona arrives
	// in the EVOLOOP_PERSONA environment variable and the step input on
	// stdin; stdout is the step output.
	Executor string `yaml:"executor"`

	SelfImprove SelfImproveConfig `yaml:"self_improve"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Otel        OtelConfig        `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		SelfImprove: SelfImproveConfig{
			Enabled:              true,
			PerformanceThreshold: 0.85,
			StagnationThreshold:  0.05,
			PatternTriggerN:      5,
			MinPatchConfidence:   0.5,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "0 3 * * *",
		},
	}
}

// HomeDir resolves the evoloop home directory.
func HomeDir() string {
	if override := os.Getenv("EVOLOOP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".evoloop")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads the configuration, creating the home directory if needed.
// A missing config.yaml is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create evoloop home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.StateDB == "" {
		cfg.StateDB = filepath.Join(cfg.HomeDir, "state.db")
	}
	if cfg.ImproveDB == "" {
		cfg.ImproveDB = filepath.Join(cfg.HomeDir, "improve.db")
	}
	if cfg.WorkflowsDir == "" {
		cfg.WorkflowsDir = filepath.Join(cfg.HomeDir, "workflows")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SelfImprove.PerformanceThreshold <= 0 {
		cfg.SelfImprove.PerformanceThreshold = 0.85
	}
	if cfg.SelfImprove.StagnationThreshold <= 0 {
		cfg.SelfImprove.StagnationThreshold = 0.05
	}
	if cfg.SelfImprove.PatternTriggerN <= 0 {
		cfg.SelfImprove.PatternTriggerN = 5
	}
	if cfg.SelfImprove.MinPatchConfidence <= 0 {
		cfg.SelfImprove.MinPatchConfidence = 0.5
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = "0 3 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("EVOLOOP_STATE_DB"); raw != "" {
		cfg.StateDB = raw
	}
	if raw := os.Getenv("EVOLOOP_IMPROVE_DB"); raw != "" {
		cfg.ImproveDB = raw
	}
	if raw := os.Getenv("EVOLOOP_WORKFLOWS_DIR"); raw != "" {
		cfg.WorkflowsDir = raw
	}
	if raw := os.Getenv("EVOLOOP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("EVOLOOP_EXECUTOR"); raw != "" {
		cfg.Executor = raw
	}
	if raw := os.Getenv("EVOLOOP_SELF_IMPROVE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.SelfImprove.Enabled = v
		}
	}
	if raw := os.Getenv("EVOLOOP_AUTO_APPLY"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.SelfImprove.AutoApply = v
		}
	}
	if raw := os.Getenv("EVOLOOP_OTEL"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Otel.Enabled = v
		}
	}
}
