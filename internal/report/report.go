// Package report implements the Reporter adapter: JSON/CSV exporters for
// snapshots, event history, and summaries, matching the three stable JSON
// schemas in spec §6. Export failures are surfaced to the caller and never
// affect monitor state (spec §7).
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/monitor"
)

// snapshotRuleView is the stable JSON shape of one triggered rule within a
// snapshot export (spec §6: "{rule_id,name,weight,evidence}").
type snapshotRuleView struct {
	RuleID  string `json:"rule_id"`
	Name    string `json:"name"`
	Weight  int    `json:"weight"`
	Evidence string `json:"evidence"`
}

type snapshotAssessmentView struct {
	RiskScore      int                `json:"risk_score"`
	RiskLevel      factmodel.RiskLevel `json:"risk_level"`
	Explanation    string             `json:"explanation"`
	TriggeredRules []snapshotRuleView `json:"triggered_rules"`
}

type snapshotHookView struct {
	HookID     int64                  `json:"hook_id"`
	HookType   factmodel.HookType     `json:"hook_type"`
	Process    factmodel.ProcessFact  `json:"process"`
	Assessment snapshotAssessmentView `json:"risk_assessment"`
}

// SnapshotDocument is the top-level stable schema for a snapshot export
// (spec §6).
type SnapshotDocument struct {
	ReportType string             `json:"report_type"`
	Timestamp  string             `json:"timestamp"`
	TotalHooks int                `json:"total_hooks"`
	Hooks      []snapshotHookView `json:"hooks"`
}

func toSnapshotDocument(entries []monitor.SnapshotEntry, now string) SnapshotDocument {
	doc := SnapshotDocument{ReportType: "snapshot", Timestamp: now, TotalHooks: len(entries)}
	for _, e := range entries {
		rules := make([]snapshotRuleView, 0, len(e.Assessment.TriggeredRules))
		for _, r := range e.Assessment.TriggeredRules {
			rules = append(rules, snapshotRuleView{RuleID: r.ID, Name: r.DisplayName, Weight: r.Weight, Evidence: r.Evidence})
		}
		doc.Hooks = append(doc.Hooks, snapshotHookView{
			HookID:   e.Hook.HookID,
			HookType: e.Hook.HookType,
			Process:  e.Process,
			Assessment: snapshotAssessmentView{
				RiskScore: e.Assessment.Score, RiskLevel: e.Assessment.Level,
				Explanation: e.Assessment.Explanation, TriggeredRules: rules,
			},
		})
	}
	return doc
}

// eventView is the stable JSON shape of one entry within an events export
// (spec §6: "{event_type, timestamp, details, hook?, process?, risk?}").
type eventView struct {
	EventType string                  `json:"event_type"`
	Timestamp string                  `json:"timestamp"`
	Details   string                  `json:"details"`
	Hook      *factmodel.HookCandidate `json:"hook,omitempty"`
	Process   *factmodel.ProcessFact   `json:"process,omitempty"`
	Risk      *factmodel.RiskAssessment `json:"risk,omitempty"`
}

// EventsDocument is the top-level stable schema for an events export.
type EventsDocument struct {
	ReportType  string      `json:"report_type"`
	Timestamp   string      `json:"timestamp"`
	TotalEvents int         `json:"total_events"`
	Events      []eventView `json:"events"`
}

func toEventsDocument(events []factmodel.MonitorEvent, now string) EventsDocument {
	doc := EventsDocument{ReportType: "events", Timestamp: now, TotalEvents: len(events)}
	for _, e := range events {
		doc.Events = append(doc.Events, eventView{
			EventType: string(e.EventType),
			Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Details:   e.Details,
			Hook:      e.Hook,
			Process:   e.Process,
			Risk:      e.Assessment,
		})
	}
	return doc
}

// highRiskProcessView is one entry in a summary's high_risk_processes list.
type highRiskProcessView struct {
	PID   int    `json:"pid"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	Score int    `json:"score"`
}

// SummaryDocument is the top-level stable schema for a summary export.
type SummaryDocument struct {
	GeneratedAt        string                `json:"generated_at"`
	TotalHooks         int                   `json:"total_hooks"`
	UniqueProcesses    int                   `json:"unique_processes"`
	TotalEvents        int                   `json:"total_events"`
	RiskDistribution   map[string]int        `json:"risk_distribution"`
	EventTypes         map[string]int        `json:"event_types"`
	HighRiskProcesses  []highRiskProcessView `json:"high_risk_processes"`
}

// BuildSummary aggregates entries and the event log into a SummaryDocument.
func BuildSummary(entries []monitor.SnapshotEntry, events []factmodel.MonitorEvent, now string) SummaryDocument {
	doc := SummaryDocument{
		GeneratedAt:      now,
		TotalHooks:       len(entries),
		TotalEvents:      len(events),
		RiskDistribution: map[string]int{"LOW": 0, "MEDIUM": 0, "HIGH": 0},
		EventTypes:       map[string]int{},
	}

	seen := make(map[int]bool)
	for _, e := range entries {
		if !seen[e.Process.PID] {
			seen[e.Process.PID] = true
			doc.UniqueProcesses++
		}
		doc.RiskDistribution[string(e.Assessment.Level)]++
		if e.Assessment.Level == factmodel.RiskHigh {
			doc.HighRiskProcesses = append(doc.HighRiskProcesses, highRiskProcessView{
				PID: e.Process.PID, Name: e.Process.Name, Path: e.Process.Path, Score: e.Assessment.Score,
			})
		}
	}
	for _, ev := range events {
		doc.EventTypes[string(ev.EventType)]++
	}
	return doc
}

// Reporter exports snapshots, event history, and summaries in both JSON and
// CSV form (spec §6 Reporter adapter).
type Reporter struct{}

// New constructs a Reporter. There is no configuration: export paths are
// supplied per call.
func New() *Reporter { return &Reporter{} }

// ExportSnapshotJSON writes entries as a SnapshotDocument to path.
func (r *Reporter) ExportSnapshotJSON(path string, entries []monitor.SnapshotEntry, now string) error {
	return writeJSON(path, toSnapshotDocument(entries, now))
}

// ExportSnapshotCSV writes one row per hook entry to path.
func (r *Reporter) ExportSnapshotCSV(path string, entries []monitor.SnapshotEntry) error {
	header := []string{"hook_id", "hook_type", "pid", "name", "path", "risk_score", "risk_level"}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.Hook.HookID, 10), string(e.Hook.HookType),
			strconv.Itoa(e.Process.PID), e.Process.Name, e.Process.Path,
			strconv.Itoa(e.Assessment.Score), string(e.Assessment.Level),
		})
	}
	return writeCSV(path, header, rows)
}

// ExportEventsJSON writes events as an EventsDocument to path.
func (r *Reporter) ExportEventsJSON(path string, events []factmodel.MonitorEvent, now string) error {
	return writeJSON(path, toEventsDocument(events, now))
}

// ExportEventsCSV writes one row per event to path.
func (r *Reporter) ExportEventsCSV(path string, events []factmodel.MonitorEvent) error {
	header := []string{"event_type", "timestamp", "details"}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{string(e.EventType), e.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"), e.Details})
	}
	return writeCSV(path, header, rows)
}

// ExportSummaryJSON writes a SummaryDocument built from entries and events.
func (r *Reporter) ExportSummaryJSON(path string, entries []monitor.SnapshotEntry, events []factmodel.MonitorEvent, now string) error {
	return writeJSON(path, BuildSummary(entries, events, now))
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %q: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("report: encode %q: %w", path, err)
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %q: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write header %q: %w", path, err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("report: write row %q: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush %q: %w", path, err)
	}
	return nil
}
