// Package queue provides a WAL-mode SQLite-backed local queue for Detection
// and MonitorEvent records awaiting delivery to a fleet collector. It adds
// Dequeue and Ack operations on top of Enqueue to support at-least-once
// delivery: records are persisted on Enqueue and are not removed until the
// caller calls Ack, so a crash between Enqueue and the next successful send
// simply replays the record after restart. Adapted from the teacher's
// internal/queue SQLite alert queue; the schema and WAL/synchronous pragmas
// are unchanged, only the payload shape differs.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/keysentinel/agent/internal/factmodel"
)

// Kind distinguishes the two record shapes the queue can hold.
type Kind string

const (
	KindDetection   Kind = "DETECTION"
	KindMonitorEvent Kind = "MONITOR_EVENT"
)

// Record is one unit of queued data: either a Detection or a MonitorEvent,
// tagged by Kind so the caller can dispatch on the right field.
type Record struct {
	Kind      Kind
	Detection *factmodel.Detection
	Event     *factmodel.MonitorEvent
	Timestamp time.Time
}

// SQLiteQueue is a WAL-mode SQLite-backed local queue. It is safe for
// concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors under concurrent Enqueue calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM detection_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS detection_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_detection_queue_pending
    ON detection_queue (delivered, id);
`

// EnqueueDetection persists a Detection for at-least-once delivery.
func (q *SQLiteQueue) EnqueueDetection(ctx context.Context, d factmodel.Detection) error {
	return q.enqueue(ctx, KindDetection, d, d.Timestamp)
}

// EnqueueEvent persists a MonitorEvent for at-least-once delivery.
func (q *SQLiteQueue) EnqueueEvent(ctx context.Context, e factmodel.MonitorEvent) error {
	return q.enqueue(ctx, KindMonitorEvent, e, e.Timestamp)
}

func (q *SQLiteQueue) enqueue(ctx context.Context, kind Kind, payload any, ts time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO detection_queue (kind, payload, ts) VALUES (?, ?, ?)`,
		string(kind), string(raw), ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingRecord is an unacknowledged record returned by Dequeue. ID is the
// database primary key used to acknowledge it via Ack.
type PendingRecord struct {
	ID     int64
	Record Record
}

// Dequeue returns up to n unacknowledged records in insertion order (oldest
// first). It does not mark records as delivered; call Ack with the returned
// IDs to do that. n <= 0 returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, payload, ts FROM detection_queue WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var (
			id        int64
			kindStr   string
			payload   string
			tsStr     string
		)
		if err := rows.Scan(&id, &kindStr, &payload, &tsStr); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}

		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			ts, _ = time.Parse(time.RFC3339, tsStr)
		}

		rec := Record{Kind: Kind(kindStr), Timestamp: ts}
		switch rec.Kind {
		case KindDetection:
			var d factmodel.Detection
			if err := json.Unmarshal([]byte(payload), &d); err == nil {
				rec.Detection = &d
			}
		case KindMonitorEvent:
			var e factmodel.MonitorEvent
			if err := json.Unmarshal([]byte(payload), &e); err == nil {
				rec.Event = &e
			}
		}

		out = append(out, PendingRecord{ID: id, Record: rec})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the records identified by ids as delivered. Idempotent: calling
// it again with already-acked IDs is safe and a no-op for those IDs.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE detection_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) records.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
