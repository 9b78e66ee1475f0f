package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/keysentinel/agent/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
sensitivity: high
interval_seconds: 1.5
output_dir: "/tmp/keysentinel-reports"
admin_enabled: true
log_level: debug
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensitivity != "high" {
		t.Errorf("Sensitivity = %q, want %q", cfg.Sensitivity, "high")
	}
	if cfg.IntervalSeconds != 1.5 {
		t.Errorf("IntervalSeconds = %v, want 1.5", cfg.IntervalSeconds)
	}
	if cfg.DetectionLogCapBytes != 10*1024*1024 {
		t.Errorf("expected default detection_log_cap_bytes, got %d", cfg.DetectionLogCapBytes)
	}
	if cfg.ConsentValidDays != 30 {
		t.Errorf("expected default consent_valid_days of 30, got %d", cfg.ConsentValidDays)
	}
	if cfg.QueuePath != "/tmp/keysentinel-reports/queue.db" {
		t.Errorf("expected derived queue_path, got %q", cfg.QueuePath)
	}
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensitivity != "medium" {
		t.Errorf("expected default sensitivity medium, got %q", cfg.Sensitivity)
	}
	if cfg.IntervalSeconds != 2.0 {
		t.Errorf("expected default interval 2.0, got %v", cfg.IntervalSeconds)
	}
	if cfg.OutputDir != "./reports" {
		t.Errorf("expected default output_dir, got %q", cfg.OutputDir)
	}
}

func TestLoadConfig_InvalidSensitivity(t *testing.T) {
	path := writeTemp(t, "sensitivity: extreme\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "sensitivity") {
		t.Fatalf("expected validation error mentioning sensitivity, got %v", err)
	}
}

func TestLoadConfig_InvalidInterval(t *testing.T) {
	path := writeTemp(t, "interval_seconds: -1\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "interval_seconds") {
		t.Fatalf("expected validation error mentioning interval_seconds, got %v", err)
	}
}

func TestLoadConfig_DashboardRequiresTLSPaths(t *testing.T) {
	path := writeTemp(t, "dashboard:\n  addr: \"collector.example.com:4443\"\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error when dashboard.addr is set without TLS paths")
	}
	if !strings.Contains(err.Error(), "cert_path") {
		t.Errorf("expected error to mention cert_path, got %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
