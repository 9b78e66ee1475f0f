// Package transport implements the gRPC transport client used in fleet mode
// to forward Detections and MonitorEvents to a remote collector. The
// [GRPCClient] manages a persistent bidirectional StreamReports connection
// with the following key properties:
//
//   - mTLS: the client presents a certificate signed by the shared CA; the
//     collector certificate is verified against the same CA.
//   - RegisterAgent: called once on each successful connection to obtain a
//     stable agent_id that is embedded in every Report.
//   - Exponential backoff: on any connection or stream error the client waits
//     an exponentially increasing interval (with ±25 % jitter) before
//     reconnecting. The back-off ceiling defaults to 60 s and is configurable
//     via [ClientConfig.MaxBackoff].
//   - Queue drain on reconnect: each time the stream is established the
//     client first drains all pending records from the local SQLite queue
//     (oldest first) before forwarding new live records. Each record is
//     acked in the queue only after the collector sends an ACK ServerCommand.
//   - Metrics: [GRPCClient.ReportsSentTotal] and [GRPCClient.ReconnectTotal]
//     are atomic counters incremented on successful delivery and on each
//     reconnect attempt respectively. [GRPCClient.QueueDepth] reads directly
//     from the underlying queue.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/queue"
	detectionpb "github.com/keysentinel/agent/proto/detection"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect back-off.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of records dequeued per iteration in
	// drainQueue.
	drainBatchSize = 50

	// liveChanCap is the capacity of the buffered channel used to forward
	// live records from Send to the stream goroutine.
	liveChanCap = 256
)

// DrainQueue is the subset of [queue.SQLiteQueue] used by GRPCClient. It is
// satisfied by *queue.SQLiteQueue and can be stubbed in unit tests.
type DrainQueue interface {
	// Dequeue returns up to n unacknowledged records in insertion order.
	Dequeue(ctx context.Context, n int) ([]queue.PendingRecord, error)
	// Ack marks records as delivered. Idempotent.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the count of pending (unacknowledged) records.
	Depth() int
}

// ClientConfig holds the parameters for connecting to a collector.
type ClientConfig struct {
	// Addr is the collector gRPC address (e.g. "collector.example.com:4443").
	// Required.
	Addr string

	// CertPath is the path to the PEM-encoded agent client certificate.
	// Required when Insecure is false.
	CertPath string

	// KeyPath is the path to the PEM-encoded agent private key. Required
	// when Insecure is false.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector certificate. Required when Insecure is false.
	CAPath string

	// ServerName overrides the TLS server name for SNI verification. When
	// empty the hostname portion of Addr is used. Ignored when Insecure is
	// true.
	ServerName string

	// Hostname is the agent host name sent in RegisterAgent. When empty
	// os.Hostname() is used.
	Hostname string

	// Platform is the OS label sent in RegisterAgent (e.g. "windows").
	Platform string

	// AgentVersion is the semantic version sent in RegisterAgent.
	AgentVersion string

	// MaxBackoff is the maximum reconnect back-off interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests; never in production.
	Insecure bool
}

// GRPCClient is a bidirectional gRPC transport client for fleet mode. It is
// safe for concurrent use: [GRPCClient.SendDetection] and
// [GRPCClient.SendEvent] may be called from any goroutine while the internal
// run loop manages the stream.
//
// Use [New] to construct a GRPCClient. Call [Start] once to begin the
// connection loop. Call [Stop] to shut down cleanly.
type GRPCClient struct {
	cfg    ClientConfig
	queue  DrainQueue
	logger *slog.Logger

	// liveCh carries records from Send* to the run-loop goroutine.
	liveCh chan queue.Record

	// stopCh is closed by Stop to signal the run loop to exit.
	stopCh   chan struct{}
	stopOnce sync.Once

	// done is closed by the run loop when it exits.
	done chan struct{}

	// agentID is set after the first successful RegisterAgent call.
	// Protected by hostMu so both the run loop (writer) and callers
	// (readers) can access it safely.
	hostMu  sync.RWMutex
	agentID string

	// Counters.
	reportsSentTotal atomic.Int64
	reconnectTotal   atomic.Int64
}

// New creates a new GRPCClient but does not start it. Call [Start] to begin
// the connection loop.
//
//   - cfg must have Addr set; CertPath/KeyPath/CAPath are required unless
//     cfg.Insecure is true (testing only).
//   - q is the local SQLite queue; it is used to drain pending records on
//     each reconnect. May be nil, in which case draining is skipped.
//   - logger is used for structured logging; pass slog.Default() when no
//     custom logger is required.
func New(cfg ClientConfig, q DrainQueue, logger *slog.Logger) *GRPCClient {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCClient{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		liveCh: make(chan queue.Record, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately.
//
// Start always returns nil. Connection failures are retried internally with
// exponential back-off and are not surfaced as errors from Start. Start does
// not check whether the client is already running; a second call starts a
// second run loop.
func (c *GRPCClient) Start(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// SendDetection forwards d to the live channel consumed by the stream
// goroutine.
//
// SendDetection returns an error if the live channel is full (back-pressure
// from a slow stream) or if the client has been stopped. The caller should
// already have persisted d to the local queue before calling SendDetection;
// a failed send is not fatal because the record will be re-delivered by the
// queue drain on reconnect.
func (c *GRPCClient) SendDetection(ctx context.Context, d factmodel.Detection) error {
	return c.send(ctx, queue.Record{Kind: queue.KindDetection, Detection: &d, Timestamp: d.Timestamp})
}

// SendEvent forwards e to the live channel consumed by the stream goroutine.
// See SendDetection for back-pressure semantics.
func (c *GRPCClient) SendEvent(ctx context.Context, e factmodel.MonitorEvent) error {
	return c.send(ctx, queue.Record{Kind: queue.KindMonitorEvent, Event: &e, Timestamp: e.Timestamp})
}

func (c *GRPCClient) send(ctx context.Context, rec queue.Record) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
	}

	select {
	case c.liveCh <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
		return fmt.Errorf("transport: live channel full, record will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has. Calling Stop
// more than once is safe.
func (c *GRPCClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// ReportsSentTotal returns the total number of reports successfully
// acknowledged by the collector (ACK commands received) since the client was
// created.
func (c *GRPCClient) ReportsSentTotal() int64 { return c.reportsSentTotal.Load() }

// ReconnectTotal returns the total number of reconnect attempts (connection
// losses) since the client was created.
func (c *GRPCClient) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying DrainQueue.Depth. It returns 0 when
// no queue is configured.
func (c *GRPCClient) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// AgentID returns the agent_id assigned by the collector during the most
// recent successful RegisterAgent call. It returns an empty string before
// the first successful registration.
func (c *GRPCClient) AgentID() string {
	c.hostMu.RLock()
	defer c.hostMu.RUnlock()
	return c.agentID
}

// --- internal ---

// run is the main connection loop. It runs in a background goroutine started
// by Start and exits when stopCh is closed or ctx is cancelled. On each
// connection failure it increments reconnectTotal and sleeps for an
// exponentially increasing interval with ±25 % jitter before retrying.
func (c *GRPCClient) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("transport: connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)

		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// runOnce performs a single connect -> register -> stream cycle. It returns
// nil only when the exit is clean (stop/context cancellation). Any other
// return value means the connection was lost and the caller should retry.
func (c *GRPCClient) runOnce(ctx context.Context) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := detectionpb.NewDetectionServiceClient(conn)

	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	resp, err := client.RegisterAgent(regCtx, &detectionpb.RegisterRequest{
		Hostname:     hostname,
		Platform:     c.cfg.Platform,
		AgentVersion: c.cfg.AgentVersion,
	})
	regCancel()

	if err != nil {
		return fmt.Errorf("RegisterAgent: %w", err)
	}

	c.hostMu.Lock()
	c.agentID = resp.AgentID
	c.hostMu.Unlock()

	c.logger.Info("transport: registered with collector",
		slog.String("agent_id", resp.AgentID),
		slog.String("collector_addr", c.cfg.Addr),
	)

	stream, err := client.StreamReports(ctx)
	if err != nil {
		return fmt.Errorf("StreamReports: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("transport: draining queue before live records",
			slog.Int("depth", c.queue.Depth()),
		)
		if err := c.drainQueue(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("queue drain: %w", err)
			}
		}
		c.logger.Info("transport: queue drain complete")
	}

	if err := c.processLive(ctx, stream); err != nil {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}

// drainQueue sends all pending records from the queue to the collector in
// FIFO order. For each record it:
//  1. Generates a new report_id UUID.
//  2. Sends the Report on the stream.
//  3. Receives the ServerCommand response.
//  4. If the command is ACK, calls Ack on the queue and increments
//     reportsSentTotal.
//
// Records whose collector response is ERROR are left in the queue
// (delivered=0) so they are retried on the next reconnect. Any stream
// send/recv error terminates the drain and is returned to the caller.
func (c *GRPCClient) drainQueue(ctx context.Context, stream detectionpb.DetectionService_StreamReportsClient) error {
	agentID := c.AgentID()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		acked := 0
		for _, pr := range pending {
			report, err := toWireReport(agentID, pr.Record)
			if err != nil {
				c.logger.Warn("transport: skipping undeliverable queued record",
					slog.Int64("queue_id", pr.ID), slog.Any("error", err))
				continue
			}

			if err := stream.Send(report); err != nil {
				return fmt.Errorf("send (queued): %w", err)
			}

			cmd, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ACK (queued): %w", err)
			}

			switch cmd.Type {
			case "ACK":
				if ackErr := c.queue.Ack(ctx, []int64{pr.ID}); ackErr != nil {
					c.logger.Warn("transport: queue Ack failed",
						slog.Int64("queue_id", pr.ID),
						slog.Any("error", ackErr),
					)
				} else {
					acked++
					c.reportsSentTotal.Add(1)
					c.logger.Debug("transport: queued record delivered",
						slog.String("report_id", report.ReportID),
					)
				}
			default:
				c.logger.Warn("transport: collector rejected queued record",
					slog.String("report_id", report.ReportID),
					slog.String("collector_response", cmd.Type),
				)
			}
		}

		if acked == 0 {
			// Nothing in this batch was delivered: what remains stays
			// queued for the next reconnect instead of being re-sent now.
			return nil
		}
	}
}

// processLive forwards live records received from [GRPCClient.SendDetection]
// / [GRPCClient.SendEvent] onto the gRPC stream. It starts a background
// goroutine that reads ServerCommand ACKs and increments reportsSentTotal.
// The method returns when:
//   - ctx is cancelled,
//   - stopCh is closed,
//   - the collector closes the stream (EOF), or
//   - a send or receive error occurs.
func (c *GRPCClient) processLive(ctx context.Context, stream detectionpb.DetectionService_StreamReportsClient) error {
	agentID := c.AgentID()

	recvErrCh := make(chan error, 1)
	go func() {
		for {
			cmd, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if cmd.Type == "ACK" {
				c.reportsSentTotal.Add(1)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case rec := <-c.liveCh:
			report, err := toWireReport(agentID, rec)
			if err != nil {
				c.logger.Warn("transport: dropping undeliverable live record", slog.Any("error", err))
				continue
			}
			if err := stream.Send(report); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

// toWireReport marshals a queue.Record into its JSON wire representation.
func toWireReport(agentID string, rec queue.Record) (*detectionpb.Report, error) {
	report := &detectionpb.Report{
		AgentID:            agentID,
		ReportID:           uuid.NewString(),
		TimestampUnixMicro: rec.Timestamp.UnixMicro(),
	}

	switch rec.Kind {
	case queue.KindDetection:
		if rec.Detection == nil {
			return nil, fmt.Errorf("transport: DETECTION record has nil Detection")
		}
		raw, err := json.Marshal(rec.Detection)
		if err != nil {
			return nil, fmt.Errorf("marshal detection: %w", err)
		}
		report.Kind = "DETECTION"
		report.DetectionJSON = raw
	case queue.KindMonitorEvent:
		if rec.Event == nil {
			return nil, fmt.Errorf("transport: MONITOR_EVENT record has nil Event")
		}
		raw, err := json.Marshal(rec.Event)
		if err != nil {
			return nil, fmt.Errorf("marshal monitor event: %w", err)
		}
		report.Kind = "MONITOR_EVENT"
		report.MonitorEventJSON = raw
	default:
		return nil, fmt.Errorf("transport: unknown record kind %q", rec.Kind)
	}

	return report, nil
}

// buildCredentials constructs gRPC transport credentials from the config.
// When cfg.Insecure is true it returns insecure credentials (testing only).
func (c *GRPCClient) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}

	return credentials.NewTLS(tlsCfg), nil
}

// nextBackoff returns the next back-off duration: double the current value
// with ±25 % jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}

	jitterFactor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	next = time.Duration(float64(next) * jitterFactor)

	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
