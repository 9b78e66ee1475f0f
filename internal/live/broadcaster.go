// Package live provides the in-process WebSocket broadcaster the collector
// uses to fan newly ingested Detections out to connected browser clients in
// real time, without applying back-pressure to the gRPC ingestion
// goroutine.
//
// Adapted from the teacher's internal/server/websocket broadcaster: the
// per-client buffered channel, non-blocking send, and sync.Map client
// registry are kept verbatim in shape; the payload is a DetectionMessage
// (keysentinel domain) instead of the teacher's AlertMessage.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
)

// DetectionData is the structured payload sent to browser clients as part
// of a DetectionMessage envelope.
type DetectionData struct {
	DetectionID string  `json:"detection_id"`
	HostID      string  `json:"host_id"`
	Hostname    string  `json:"hostname"`
	PID         int     `json:"pid"`
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	ThreatScore int     `json:"threat_score"`
	Timestamp   string  `json:"timestamp"`
}

// DetectionMessage is the top-level JSON envelope pushed to browser
// WebSocket clients. Type is always "detection".
type DetectionMessage struct {
	Type string         `json:"type"`
	Data DetectionData  `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded detection
// frames are delivered. The channel is closed when the client is
// unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans detection events out to all currently-connected
// WebSocket clients and to anonymous channel subscribers. Safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	subs sync.Map // map[<-chan factmodel.Detection]chan factmodel.Detection

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client and
// per-subscriber channel buffer depth; 0 defaults to 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id and stores it in the
// broadcaster. The caller must call Unregister(id) when the client
// disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Unregistering an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// Broadcast marshals msg to JSON and delivers it to every registered client
// with a non-blocking send. A client whose buffer is full has the message
// dropped and its Dropped counter incremented.
func (b *Broadcaster) Broadcast(msg DetectionMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("live: marshal detection message failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("live: client buffer full, dropping detection", slog.String("client_id", c.id))
		}
		return true
	})
}

// Subscribe registers an anonymous subscriber and returns a channel on
// which factmodel.Detection values are delivered. The channel is closed
// when ctx is cancelled or Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan factmodel.Detection {
	ch := make(chan factmodel.Detection, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}
	return ch
}

// Unsubscribe removes the subscription associated with ch and closes it.
// Safe to call after the broadcaster has been closed.
func (b *Broadcaster) Unsubscribe(ch <-chan factmodel.Detection) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan factmodel.Detection))
	}
}

// Publish delivers d to every anonymous subscriber and broadcasts the
// equivalent DetectionMessage to every registered WebSocket client. hostname
// is resolved by the caller (the collector's host lookup) so the
// broadcaster itself stays storage-agnostic.
func (b *Broadcaster) Publish(d factmodel.Detection, hostID, hostname string) {
	if b.closed.Load() {
		return
	}

	b.subs.Range(func(_, value any) bool {
		ch := value.(chan factmodel.Detection)
		select {
		case ch <- d:
		default:
			b.logger.Warn("live: subscriber buffer full, dropping detection",
				slog.Int("pid", d.PID), slog.Int("threat_score", d.ThreatScore))
		}
		return true
	})

	b.Broadcast(DetectionMessage{
		Type: "detection",
		Data: DetectionData{
			HostID:      hostID,
			Hostname:    hostname,
			PID:         d.PID,
			Name:        d.Name,
			Confidence:  d.Confidence,
			ThreatScore: d.ThreatScore,
			Timestamp:   d.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

// Close removes all subscriptions and registered clients and releases
// internal resources. After Close, Publish/Broadcast are no-ops and
// Subscribe returns a closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan factmodel.Detection))
			return true
		})
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
