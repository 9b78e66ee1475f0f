package collectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keysentinel/agent/internal/factmodel"
)

const (
	// DefaultBatchSize is the maximum number of detection rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending detections even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the keysentinel
// collector.
//
// Detection ingestion is batched: callers enqueue individual
// DetectionRecord values via BatchInsertDetections, which accumulates them
// in memory and flushes to the database either when the buffer reaches
// batchSize or when the background ticker fires, whichever comes first.
// MonitorEvents and host upserts are executed immediately, since events are
// comparatively rare and hosts need to observe their own LastSeen promptly.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []DetectionRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("collectorstore: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("collectorstore: pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]DetectionRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered detections, and closes the connection pool. Safe to call more
// than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertDetections enqueues rec for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertDetections(ctx context.Context, rec DetectionRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current detection buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored (idempotent replay support).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]DetectionRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO detections
			(detection_id, host_id, pid, name, path, confidence, evidence, threat_score, flags, timestamp, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		d := &toInsert[i]
		evidence := []byte(d.Evidence)
		if evidence == nil {
			evidence = []byte("[]")
		}
		flags, err := json.Marshal(d.Flags)
		if err != nil {
			return fmt.Errorf("collectorstore: marshal flags: %w", err)
		}
		b.Queue(query,
			d.DetectionID, d.HostID, d.PID, d.Name, d.Path,
			d.Confidence, evidence, d.ThreatScore, flags,
			d.Timestamp, d.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("collectorstore: batch exec detection: %w", err)
		}
	}
	return nil
}

// QueryDetections returns paginated detections that fall within
// [q.From, q.To) on the received_at column, optionally filtered by HostID
// and MinScore.
func (s *Store) QueryDetections(ctx context.Context, q DetectionQuery) ([]DetectionRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.HostID != "" {
		where += fmt.Sprintf(" AND host_id = $%d", argIdx)
		args = append(args, q.HostID)
		argIdx++
	}
	if q.MinScore > 0 {
		where += fmt.Sprintf(" AND threat_score >= $%d", argIdx)
		args = append(args, q.MinScore)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT detection_id, host_id, pid, name, path, confidence, evidence,
		       threat_score, flags, timestamp, received_at
		FROM   detections
		%s
		ORDER  BY received_at DESC, detection_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("collectorstore: query detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var d DetectionRecord
		var evidence, flags []byte
		err := rows.Scan(
			&d.DetectionID, &d.HostID, &d.PID, &d.Name, &d.Path,
			&d.Confidence, &evidence, &d.ThreatScore, &flags,
			&d.Timestamp, &d.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("collectorstore: scan detection: %w", err)
		}
		d.Evidence = evidence
		if err := json.Unmarshal(flags, &d.Flags); err != nil {
			return nil, fmt.Errorf("collectorstore: unmarshal flags: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertMonitorEvent persists a single MonitorEventRecord immediately.
func (s *Store) InsertMonitorEvent(ctx context.Context, e MonitorEventRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitor_events
			(event_id, host_id, event_type, details, payload, timestamp, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EventID, e.HostID, string(e.EventType), e.Details,
		[]byte(e.Payload), e.Timestamp, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("collectorstore: insert monitor event: %w", err)
	}
	return nil
}

// QueryEvents returns paginated monitor events within [q.From, q.To),
// optionally filtered by HostID.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]MonitorEventRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	if q.HostID != "" {
		where += " AND host_id = $5"
		args = append(args, q.HostID)
	}

	sql := fmt.Sprintf(`
		SELECT event_id, host_id, event_type, details, payload, timestamp, received_at
		FROM   monitor_events
		%s
		ORDER  BY received_at DESC, event_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("collectorstore: query events: %w", err)
	}
	defer rows.Close()

	var out []MonitorEventRecord
	for rows.Next() {
		var e MonitorEventRecord
		var eventType string
		var payload []byte
		err := rows.Scan(&e.EventID, &e.HostID, &eventType, &e.Details, &payload, &e.Timestamp, &e.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("collectorstore: scan event: %w", err)
		}
		e.EventType = factmodel.EventType(eventType)
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Host CRUD ---

// UpsertHost inserts a new host or, on hostname conflict, updates all
// mutable fields. It returns the effective host_id that is persisted in
// the database: on a clean insert this equals h.HostID; on a hostname
// conflict the existing host_id is returned unchanged, so callers always
// receive a stable identifier that correlates with historical detections
// even across agent reconnects.
func (s *Store) UpsertHost(ctx context.Context, h Host) (string, error) {
	var effectiveHostID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hosts
			(host_id, hostname, platform, agent_version, last_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hostname) DO UPDATE SET
			platform      = EXCLUDED.platform,
			agent_version = EXCLUDED.agent_version,
			last_seen     = EXCLUDED.last_seen,
			status        = EXCLUDED.status
		RETURNING host_id`,
		h.HostID, h.Hostname, nullableStr(h.Platform), nullableStr(h.AgentVersion),
		h.LastSeen, string(h.Status),
	).Scan(&effectiveHostID)
	if err != nil {
		return "", fmt.Errorf("collectorstore: upsert host: %w", err)
	}
	return effectiveHostID, nil
}

// GetHost returns the host with the given id, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetHost(ctx context.Context, hostID string) (*Host, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT host_id, hostname, platform, agent_version, last_seen, status
		FROM   hosts
		WHERE  host_id = $1`, hostID)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("collectorstore: get host %s: %w", hostID, err)
	}
	return h, nil
}

// ListHosts returns all registered hosts ordered alphabetically by
// hostname.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host_id, hostname, platform, agent_version, last_seen, status
		FROM   hosts
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("collectorstore: list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("collectorstore: scan host: %w", err)
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(s scanner) (*Host, error) {
	var h Host
	var platform, agentVersion *string
	var status string
	err := s.Scan(&h.HostID, &h.Hostname, &platform, &agentVersion, &h.LastSeen, &status)
	if err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)
	if platform != nil {
		h.Platform = *platform
	}
	if agentVersion != nil {
		h.AgentVersion = *agentVersion
	}
	return &h, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
