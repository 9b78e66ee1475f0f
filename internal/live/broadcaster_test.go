package live_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/keysentinel/agent/internal/live"
)

func newTestBroadcaster() *live.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return live.NewBroadcaster(logger, 16)
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}
	if c2.ID() != "c2" {
		t.Errorf("client ID mismatch: got %q, want %q", c2.ID(), "c2")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcasterBroadcast(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	msg := live.DetectionMessage{
		Type: "detection",
		Data: live.DetectionData{
			DetectionID: "det-uuid",
			HostID:      "host-uuid",
			Hostname:    "win-01",
			PID:         4120,
			Name:        "svchost.exe",
			Confidence:  1.0,
			ThreatScore: 6,
			Timestamp:   "2026-02-26T10:00:00Z",
		},
	}

	bc.Broadcast(msg)

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got live.DetectionMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "detection" {
				t.Errorf("got type %q, want %q", got.Type, "detection")
			}
			if got.Data.ThreatScore != 6 {
				t.Errorf("got threat_score %d, want 6", got.Data.ThreatScore)
			}
		case <-deadline:
			t.Fatal("timeout waiting for broadcast message")
		}
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := live.NewBroadcaster(logger, 2) // tiny buffer

	c := bc.Register("slow-client")
	defer bc.Unregister("slow-client")

	msg := live.DetectionMessage{Type: "detection", Data: live.DetectionData{PID: 1}}

	bc.Broadcast(msg)
	bc.Broadcast(msg)
	bc.Broadcast(msg) // should be dropped

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

func TestBroadcasterUnregisterNonexistent(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Unregister("does-not-exist")
}

func TestBroadcastEmptyRoom(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Broadcast(live.DetectionMessage{Type: "detection", Data: live.DetectionData{PID: 1}})
}
