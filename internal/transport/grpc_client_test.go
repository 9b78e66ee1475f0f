package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/queue"
	"github.com/keysentinel/agent/internal/transport"
	detectionpb "github.com/keysentinel/agent/proto/detection"
)

// ---------------------------------------------------------------------------
// Mock gRPC server
// ---------------------------------------------------------------------------

// mockDetectionServer is a minimal DetectionServiceServer for tests. It
// records every received Report and sends an ACK for each one.
//
// When closeFirstStreamAfterN > 0 the FIRST stream handler returns io.EOF (no
// ACK) after receiving that many reports within a single stream invocation.
// Subsequent stream invocations always ACK every report normally. This lets
// tests simulate a transient server error without causing an infinite
// reconnect loop.
type mockDetectionServer struct {
	detectionpb.UnimplementedDetectionServiceServer

	mu      sync.Mutex
	reports []*detectionpb.Report

	closeFirstStreamAfterN int
	firstStreamClosed      atomic.Bool
}

func (s *mockDetectionServer) RegisterAgent(_ context.Context, _ *detectionpb.RegisterRequest) (*detectionpb.RegisterResponse, error) {
	return &detectionpb.RegisterResponse{AgentID: "test-agent-id"}, nil
}

func (s *mockDetectionServer) StreamReports(stream detectionpb.DetectionService_StreamReportsServer) error {
	perStreamCount := 0

	for {
		r, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.reports = append(s.reports, r)
		s.mu.Unlock()

		perStreamCount++

		if s.closeFirstStreamAfterN > 0 &&
			perStreamCount >= s.closeFirstStreamAfterN &&
			s.firstStreamClosed.CompareAndSwap(false, true) {
			return io.EOF
		}

		if sendErr := stream.Send(&detectionpb.ServerCommand{Type: "ACK"}); sendErr != nil {
			return sendErr
		}
	}
}

func (s *mockDetectionServer) recordedPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.reports))
	for i, r := range s.reports {
		var d factmodel.Detection
		_ = json.Unmarshal(r.DetectionJSON, &d)
		out[i] = d.PID
	}
	return out
}

func (s *mockDetectionServer) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// ---------------------------------------------------------------------------
// Server launch helper
// ---------------------------------------------------------------------------

func startInsecureServer(t *testing.T, svc detectionpb.DetectionServiceServer) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gs := grpc.NewServer()
	detectionpb.RegisterDetectionServiceServer(gs, svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gs.Serve(lis)
	}()

	t.Cleanup(func() {
		gs.GracefulStop()
		<-done
	})

	return lis.Addr().String()
}

// ---------------------------------------------------------------------------
// Client helper
// ---------------------------------------------------------------------------

func newInsecureClient(addr string, q transport.DrainQueue, logger *slog.Logger) *transport.GRPCClient {
	cfg := transport.ClientConfig{
		Addr:         addr,
		Hostname:     "test-agent",
		Platform:     "windows",
		AgentVersion: "0.0.1-test",
		MaxBackoff:   200 * time.Millisecond,
		Insecure:     true,
	}
	return transport.New(cfg, q, logger)
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Queue helpers
// ---------------------------------------------------------------------------

func openMemQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueueN(t *testing.T, q *queue.SQLiteQueue, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		d := factmodel.Detection{
			PID:         1000 + i,
			Name:        "svchost.exe",
			Confidence:  1.0,
			ThreatScore: 6,
			Timestamp:   time.Now().UTC(),
		}
		if err := q.EnqueueDetection(ctx, d); err != nil {
			t.Fatalf("EnqueueDetection %d: %v", i, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Utility helpers
// ---------------------------------------------------------------------------

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestGRPCClient_QueueDrainOnConnect verifies that all records pending in the
// SQLite queue are delivered to the server (oldest first) immediately after
// the bidirectional stream is established.
func TestGRPCClient_QueueDrainOnConnect(t *testing.T) {
	const numRecords = 5

	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, numRecords)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return svc.recordedCount() == numRecords && q.Depth() == 0
	}) {
		t.Fatalf("timed out: server received %d records (want %d), queue depth=%d",
			svc.recordedCount(), numRecords, q.Depth())
	}

	cancel()
	client.Stop()

	got := svc.recordedPIDs()
	for i, pid := range got {
		want := 1000 + i
		if pid != want {
			t.Errorf("record[%d].PID = %d, want %d", i, pid, want)
		}
	}
}

// TestGRPCClient_ReportsSentTotalCountsACKedRecords verifies that
// ReportsSentTotal increments for every server ACK across both the
// queue-drain path and the live-record path.
func TestGRPCClient_ReportsSentTotalCountsACKedRecords(t *testing.T) {
	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 2)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return client.ReportsSentTotal() >= 2
	}) {
		t.Fatalf("ReportsSentTotal=%d after queued records, want >=2", client.ReportsSentTotal())
	}

	liveDet := factmodel.Detection{
		PID:         9999,
		Name:        "evil.exe",
		ThreatScore: 8,
		Timestamp:   time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		ok := waitFor(t, 2*time.Second, func() bool {
			return client.SendDetection(ctx, liveDet) == nil
		})
		if !ok {
			t.Fatalf("SendDetection(%d) failed: channel not ready within timeout", i)
		}
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return client.ReportsSentTotal() >= 4
	}) {
		t.Fatalf("ReportsSentTotal=%d, want >=4", client.ReportsSentTotal())
	}

	cancel()
	client.Stop()
}

// TestGRPCClient_QueueDepthReflectsUndeliveredRows verifies that QueueDepth
// returns the SQLite queue's pending-record count.
func TestGRPCClient_QueueDepthReflectsUndeliveredRows(t *testing.T) {
	q := openMemQueue(t)
	enqueueN(t, q, 3)

	cfg := transport.ClientConfig{
		Addr:     "127.0.0.1:1",
		Insecure: true,
	}
	client := transport.New(cfg, q, noopLogger())

	if d := client.QueueDepth(); d != 3 {
		t.Errorf("QueueDepth=%d before delivery, want 3", d)
	}

	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)
	client2 := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client2.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return client2.QueueDepth() == 0
	}) {
		t.Errorf("QueueDepth=%d after drain, want 0", client2.QueueDepth())
	}

	cancel()
	client2.Stop()
}

// TestGRPCClient_StreamErrorTriggersReconnect verifies that a server-side
// stream error causes the client to re-enter the backoff loop
// (ReconnectTotal increments) and eventually delivers all queued records.
func TestGRPCClient_StreamErrorTriggersReconnect(t *testing.T) {
	svc := &mockDetectionServer{closeFirstStreamAfterN: 1}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 3)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 10*time.Second, func() bool {
		return q.Depth() == 0
	}) {
		t.Fatalf("queue not drained: depth=%d", q.Depth())
	}

	if client.ReconnectTotal() < 1 {
		t.Errorf("ReconnectTotal=%d, want >=1", client.ReconnectTotal())
	}

	if svc.recordedCount() < 3 {
		t.Errorf("server received %d records, want >=3", svc.recordedCount())
	}

	cancel()
	client.Stop()
}

// TestGRPCClient_NoQueue_LiveRecordsDelivered verifies that the transport
// works without a queue: live records sent via SendDetection are delivered
// normally.
func TestGRPCClient_NoQueue_LiveRecordsDelivered(t *testing.T) {
	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d := factmodel.Detection{PID: 42, Name: "bash", ThreatScore: 3, Timestamp: time.Now().UTC()}

	if !waitFor(t, 3*time.Second, func() bool {
		return client.SendDetection(ctx, d) == nil
	}) {
		t.Fatal("SendDetection failed: channel not ready within timeout")
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return svc.recordedCount() >= 1
	}) {
		t.Fatalf("server received %d records, want >=1", svc.recordedCount())
	}

	cancel()
	client.Stop()
}

// TestGRPCClient_StopIsIdempotent verifies that Stop may be called multiple
// times without panicking.
func TestGRPCClient_StopIsIdempotent(t *testing.T) {
	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client.Stop()
	client.Stop()
}

// TestGRPCClient_AgentIDSetAfterRegister verifies that AgentID returns a
// non-empty string once the client has successfully registered.
func TestGRPCClient_AgentIDSetAfterRegister(t *testing.T) {
	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return client.AgentID() != ""
	}) {
		t.Error("AgentID is empty after timeout; want non-empty after registration")
	}

	cancel()
	client.Stop()

	if id := client.AgentID(); id != "test-agent-id" {
		t.Errorf("AgentID = %q, want %q", id, "test-agent-id")
	}
}

// TestGRPCClient_SendReturnsErrorAfterStop verifies that SendDetection
// returns an error once Stop has been called.
func TestGRPCClient_SendReturnsErrorAfterStop(t *testing.T) {
	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	client.Stop()

	err := client.SendDetection(ctx, factmodel.Detection{PID: 1, Name: "x", Timestamp: time.Now()})
	if err == nil {
		t.Error("SendDetection after Stop returned nil, want error")
	}
}

// TestGRPCClient_QueueDrainOrdering_MultiBatch verifies FIFO delivery order
// for more records than drainBatchSize (50), requiring multiple dequeue
// rounds.
func TestGRPCClient_QueueDrainOrdering_MultiBatch(t *testing.T) {
	const n = 75

	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, n)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 10*time.Second, func() bool {
		return svc.recordedCount() == n && q.Depth() == 0
	}) {
		t.Fatalf("timed out: server received %d/%d records, queue depth=%d",
			svc.recordedCount(), n, q.Depth())
	}

	cancel()
	client.Stop()

	got := svc.recordedPIDs()
	if len(got) != n {
		t.Fatalf("recorded %d records, want %d", len(got), n)
	}
	for i, pid := range got {
		want := 1000 + i
		if pid != want {
			t.Errorf("record[%d].PID = %d, want %d", i, pid, want)
		}
	}
}

// TestGRPCClient_MetricsAfterQueueDrain verifies that ReportsSentTotal equals
// the number of queued records after a full drain, and that QueueDepth is 0.
func TestGRPCClient_MetricsAfterQueueDrain(t *testing.T) {
	const n = 10

	svc := &mockDetectionServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, n)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return client.ReportsSentTotal() == int64(n) && client.QueueDepth() == 0
	}) {
		t.Errorf("ReportsSentTotal=%d (want %d), QueueDepth=%d (want 0)",
			client.ReportsSentTotal(), n, client.QueueDepth())
	}

	cancel()
	client.Stop()

	if r := client.ReconnectTotal(); r != 0 {
		t.Errorf("ReconnectTotal=%d, want 0 (no errors expected)", r)
	}
}
