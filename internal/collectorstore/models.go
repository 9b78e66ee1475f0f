// Package collectorstore provides the PostgreSQL-backed persistence layer
// for the keysentinel fleet collector. It exposes typed model structs for
// the hosts/detections/monitor_events tables and a Store wrapping a pgxpool
// connection pool with a batched detection-insert path.
//
// Adapted from the teacher's internal/server/storage package: the batched
// insert, the host-upsert-returning-stable-id pattern, and the partition-
// pruning time-range query shape are all kept; the row shapes are
// keylogger-domain (Host, DetectionRecord, MonitorEventRecord) rather than
// the teacher's tripwire alert/rule rows.
package collectorstore

import (
	"encoding/json"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
)

// HostStatus represents the liveness state of a monitored host as seen by
// the collector.
type HostStatus string

const (
	HostStatusOnline  HostStatus = "ONLINE"
	HostStatusOffline HostStatus = "OFFLINE"
)

// Host maps to the `hosts` table. Platform and AgentVersion are stored as
// SQL NULL when empty. LastSeen is nil when the host has never sent a report.
type Host struct {
	HostID       string     `json:"host_id"`
	Hostname     string     `json:"hostname"`
	Platform     string     `json:"platform,omitempty"`
	AgentVersion string     `json:"agent_version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Status       HostStatus `json:"status"`
}

// DetectionRecord maps to the `detections` partitioned table: a
// factmodel.Detection plus the host and delivery metadata the collector
// adds on ingest.
type DetectionRecord struct {
	DetectionID string             `json:"detection_id"`
	HostID      string             `json:"host_id"`
	PID         int                `json:"pid"`
	Name        string             `json:"name"`
	Path        string             `json:"path"`
	Confidence  float64            `json:"confidence"`
	Evidence    json.RawMessage    `json:"evidence"`
	ThreatScore int                `json:"threat_score"`
	Flags       factmodel.DetectionFlags `json:"flags"`
	Timestamp   time.Time          `json:"timestamp"`
	ReceivedAt  time.Time          `json:"received_at"`
}

// MonitorEventRecord maps to the `monitor_events` table: a
// factmodel.MonitorEvent plus host and delivery metadata.
type MonitorEventRecord struct {
	EventID    string          `json:"event_id"`
	HostID     string          `json:"host_id"`
	EventType  factmodel.EventType `json:"event_type"`
	Details    string          `json:"details"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	ReceivedAt time.Time       `json:"received_at"`
}

// DetectionQuery carries the filter and pagination parameters for
// QueryDetections. From and To are mandatory and bracket the received_at
// column, enabling partition pruning. Limit defaults to 100 when <= 0. A
// MinScore <= 0 means no threat-score filter is applied. An empty HostID
// matches all hosts.
type DetectionQuery struct {
	HostID   string
	MinScore int
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
type EventQuery struct {
	HostID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
