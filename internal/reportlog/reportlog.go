// Package reportlog implements the tamper-evident, rotating detection.log:
// one SHA-256 hash-chained JSON line per Detection or MonitorEvent, rotated
// once the file exceeds a configured byte cap. The hash chain is adapted
// directly from the teacher's internal/audit logger; rotation (rename with
// a timestamp suffix, start a fresh chain) is new to this domain (spec §6:
// "Rotated when file size exceeds a configured byte cap ... renamed with a
// timestamp suffix, new file started").
package reportlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultCapBytes is the rotation threshold used when a Logger is opened
// with a zero cap (spec §6: "default 10 MiB").
const DefaultCapBytes int64 = 10 * 1024 * 1024

// entry is the on-disk wire format for one log line.
type entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Logger appends tamper-evident JSON lines to path, rotating to a
// timestamp-suffixed sibling file once the cap is exceeded.
type Logger struct {
	mu       sync.Mutex
	path     string
	capBytes int64
	file     *os.File
	size     int64
	prevHash string
	seq      int64
}

// Open opens (or creates) the detection log at path, restoring the hash
// chain from any existing content so appends continue the same chain until
// the next rotation.
func Open(path string, capBytes int64) (*Logger, error) {
	if capBytes <= 0 {
		capBytes = DefaultCapBytes
	}

	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		restored, restoredSeq, err := restoreChain(path)
		if err != nil {
			return nil, err
		}
		prevHash = restored
		seq = restoredSeq
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("reportlog: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reportlog: stat %q: %w", path, err)
	}

	return &Logger{
		path:     path,
		capBytes: capBytes,
		file:     f,
		size:     info.Size(),
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

func restoreChain(path string) (prevHash string, seq int64, err error) {
	prevHash = GenesisHash
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("reportlog: open for reading %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return "", 0, fmt.Errorf("reportlog: malformed entry at seq %d: %w", seq+1, err)
		}
		if e.PrevHash != prevHash {
			return "", 0, fmt.Errorf("reportlog: chain break at seq %d", e.Seq)
		}
		computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return "", 0, fmt.Errorf("reportlog: hash mismatch at seq %d", e.Seq)
		}
		prevHash = e.EventHash
		seq = e.Seq
	}
	return prevHash, seq, scanner.Err()
}

// Append writes payload as a new tamper-evident entry, rotating first if the
// file has already grown past the cap.
func (l *Logger) Append(payload json.RawMessage) error {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size >= l.capBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash}
	eventHash := hashContent(content)

	e := entry{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("reportlog: marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("reportlog: write entry: %w", err)
	}

	l.size += int64(n)
	l.seq = seq
	l.prevHash = eventHash
	return nil
}

// AppendJSON marshals v to JSON and appends it as a new entry.
func (l *Logger) AppendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("reportlog: marshal payload: %w", err)
	}
	return l.Append(raw)
}

// rotateLocked renames the current file to a timestamp-suffixed sibling and
// opens a fresh file, starting a new hash chain at the genesis hash. Callers
// must hold l.mu.
func (l *Logger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("reportlog: close before rotation: %w", err)
	}

	suffix := time.Now().UTC().Format("20060102_150405")
	ext := filepath.Ext(l.path)
	base := l.path[:len(l.path)-len(ext)]
	rotated := fmt.Sprintf("%s_%s%s", base, suffix, ext)
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("reportlog: rotate %q -> %q: %w", l.path, rotated, err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reportlog: open fresh file after rotation %q: %w", l.path, err)
	}

	l.file = f
	l.size = 0
	l.seq = 0
	l.prevHash = GenesisHash
	return nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("reportlog: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log file at path and checks the full hash chain,
// returning the ordered entries or the first chain error found. An empty
// file is valid and returns an empty slice. Verify only checks the single
// file named by path — callers wanting to audit rotated predecessors must
// verify each rotated file independently, since rotation deliberately
// starts a fresh chain.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reportlog: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("reportlog: malformed entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("reportlog: chain break at seq %d", e.Seq)
		}
		computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("reportlog: hash mismatch at seq %d", e.Seq)
		}
		entries = append(entries, Entry{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash, EventHash: e.EventHash})
		prevHash = e.EventHash
	}
	return entries, scanner.Err()
}

// Entry is the public representation of one logged line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("reportlog: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
