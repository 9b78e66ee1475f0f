package report_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/monitor"
	"github.com/keysentinel/agent/internal/report"
)

func sampleEntries() []monitor.SnapshotEntry {
	return []monitor.SnapshotEntry{
		{
			Hook: factmodel.HookCandidate{HookID: 1, HookType: factmodel.HookKeyboardLowLevel, OwnerPID: 4120, OwnerName: "svchost.exe"},
			Process: factmodel.ProcessFact{PID: 4120, Name: "svchost.exe", Path: `C:\Temp\svchost.exe`},
			Assessment: factmodel.RiskAssessment{
				PID: 4120, Name: "svchost.exe", Score: 75, Level: factmodel.RiskHigh, Explanation: "spoofed",
				TriggeredRules: []factmodel.Rule{{ID: "R008", DisplayName: "Name Spoofing", Weight: 35, Evidence: "spoofed"}},
			},
		},
	}
}

func TestReporter_ExportSnapshotJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	r := report.New()
	if err := r.ExportSnapshotJSON(path, sampleEntries(), time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc report.SnapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.ReportType != "snapshot" {
		t.Errorf("report_type = %q, want snapshot", doc.ReportType)
	}
	if len(doc.Hooks) != 1 || doc.Hooks[0].Assessment.RiskScore != 75 {
		t.Fatalf("expected round-tripped risk_score 75, got %+v", doc.Hooks)
	}
}

func TestReporter_ExportSnapshotCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.csv")
	r := report.New()
	if err := r.ExportSnapshotCSV(path, sampleEntries()); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty CSV output")
	}
}

func TestReporter_ExportSummaryJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	r := report.New()
	events := []factmodel.MonitorEvent{{EventType: factmodel.EventHookAdded, Timestamp: time.Now()}}
	if err := r.ExportSummaryJSON(path, sampleEntries(), events, time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc report.SummaryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.RiskDistribution["HIGH"] != 1 {
		t.Fatalf("expected 1 HIGH risk process, got %+v", doc.RiskDistribution)
	}
	if len(doc.HighRiskProcesses) != 1 {
		t.Fatalf("expected 1 high risk process entry, got %+v", doc.HighRiskProcesses)
	}
}

func TestReporter_ExportFailureSurfacesError(t *testing.T) {
	r := report.New()
	err := r.ExportSnapshotJSON("/nonexistent-dir/snapshot.json", sampleEntries(), "")
	if err == nil {
		t.Fatalf("expected export to an unwritable path to return an error")
	}
}
