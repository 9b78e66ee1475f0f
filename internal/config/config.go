// Package config provides YAML configuration loading and validation for the
// keysentinel agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keysentinel/agent/internal/heuristics"
)

// Config is the top-level configuration structure for the keysentinel agent.
type Config struct {
	// Sensitivity scales every heuristic rule's weight: "low", "medium", or
	// "high". Defaults to "medium" when omitted.
	Sensitivity string `yaml:"sensitivity"`

	// IntervalSeconds is the monitor cycle interval. Defaults to 2.0 when
	// omitted or zero.
	IntervalSeconds float64 `yaml:"interval_seconds"`

	// OutputDir is where snapshot/event/summary exports and detection.log
	// are written. Defaults to "./reports" when omitted.
	OutputDir string `yaml:"output_dir"`

	// AdminEnabled turns on the administrative actions subsystem
	// (terminate/suspend/quarantine).
	AdminEnabled bool `yaml:"admin_enabled"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DetectionLogCapBytes is the byte cap at which detection.log rotates.
	// Defaults to 10 MiB when omitted or zero.
	DetectionLogCapBytes int64 `yaml:"detection_log_cap_bytes"`

	// ConsentValidDays is how long a recorded consent timestamp remains
	// valid. Defaults to 30 when omitted or zero.
	ConsentValidDays int `yaml:"consent_valid_days"`

	// WhitelistOverrides is loaded from whitelist_overrides but is not read
	// by any other package: the decision core uses only the fixed
	// safe-process set in internal/pathclass, and names listed here are not
	// treated as safe.
	WhitelistOverrides []string `yaml:"whitelist_overrides"`

	// Dashboard holds the optional fleet-mode transport settings. An empty
	// Dashboard.Addr means the agent runs standalone with no transport, the
	// same way the teacher's Agent treats a nil Transport in tests.
	Dashboard DashboardConfig `yaml:"dashboard"`

	// QueuePath is the path to the local SQLite at-least-once queue
	// database. Defaults to "<output_dir>/queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`
}

// DashboardConfig holds the gRPC transport and mTLS settings used when the
// agent streams Detections/MonitorEvents to a fleet collector. Leaving
// Addr empty disables fleet mode entirely.
type DashboardConfig struct {
	Addr         string `yaml:"addr"`
	CertPath     string `yaml:"cert_path"`
	KeyPath      string `yaml:"key_path"`
	CAPath       string `yaml:"ca_path"`
	AgentVersion string `yaml:"agent_version"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validSensitivities = map[heuristics.Sensitivity]bool{
	heuristics.SensitivityLow:    true,
	heuristics.SensitivityMedium: true,
	heuristics.SensitivityHigh:   true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a joined error
// describing every validation failure encountered, matching the teacher's
// config validation shape.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with their documented
// defaults (spec §6 CLI surface / §9).
func applyDefaults(cfg *Config) {
	if cfg.Sensitivity == "" {
		cfg.Sensitivity = string(heuristics.SensitivityMedium)
	}
	if cfg.IntervalSeconds == 0 {
		cfg.IntervalSeconds = 2.0
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./reports"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DetectionLogCapBytes == 0 {
		cfg.DetectionLogCapBytes = 10 * 1024 * 1024
	}
	if cfg.ConsentValidDays == 0 {
		cfg.ConsentValidDays = 30
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = cfg.OutputDir + "/queue.db"
	}
}

// validate checks that all fields are populated correctly. A fatal
// misconfiguration (invalid interval, invalid enumerated field) is reported
// here so the caller can terminate before the monitor starts, per spec §7.
func validate(cfg *Config) error {
	var errs []error

	if !validSensitivities[heuristics.Sensitivity(cfg.Sensitivity)] {
		errs = append(errs, fmt.Errorf("sensitivity %q must be one of: low, medium, high", cfg.Sensitivity))
	}
	if cfg.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("interval_seconds must be positive, got %v", cfg.IntervalSeconds))
	}
	if cfg.OutputDir == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.DetectionLogCapBytes <= 0 {
		errs = append(errs, fmt.Errorf("detection_log_cap_bytes must be positive, got %d", cfg.DetectionLogCapBytes))
	}
	if cfg.ConsentValidDays <= 0 {
		errs = append(errs, fmt.Errorf("consent_valid_days must be positive, got %d", cfg.ConsentValidDays))
	}

	if cfg.Dashboard.Addr != "" {
		if cfg.Dashboard.CertPath == "" {
			errs = append(errs, errors.New("dashboard.cert_path is required when dashboard.addr is set"))
		}
		if cfg.Dashboard.KeyPath == "" {
			errs = append(errs, errors.New("dashboard.key_path is required when dashboard.addr is set"))
		}
		if cfg.Dashboard.CAPath == "" {
			errs = append(errs, errors.New("dashboard.ca_path is required when dashboard.addr is set"))
		}
	}

	return errors.Join(errs...)
}

// Interval returns IntervalSeconds as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}
