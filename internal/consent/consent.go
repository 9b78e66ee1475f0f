// Package consent formalizes the agent's on-disk user-consent marker as a
// small ConsentStore abstraction (spec §9 design notes: "Consent tracking
// via a file is acceptable; formalize it as a small ConsentStore
// abstraction with is_valid_within(days) and record_now()").
package consent

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultFileName is the consent marker's conventional name (spec §6:
// "./.consent — single file containing an ISO-8601 timestamp").
const DefaultFileName = ".consent"

// Store reads and writes the consent marker file at Path. Absent or
// malformed content is treated as "no valid consent" rather than an error.
type Store struct {
	Path string
}

// New returns a Store backed by the consent file at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// IsValidWithin reports whether a recorded consent timestamp exists and is
// no older than days. A missing file, unreadable file, or malformed
// timestamp all yield false without error, per spec §6 ("absent or
// malformed file ⇒ invalid").
func (s *Store) IsValidWithin(days int) bool {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return time.Since(ts) <= time.Duration(days)*24*time.Hour
}

// RecordNow writes the current time, in ISO-8601/RFC3339 form, to the
// consent file, overwriting any previous content.
func (s *Store) RecordNow() error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(s.Path, []byte(now), 0o600); err != nil {
		return fmt.Errorf("consent: cannot write %q: %w", s.Path, err)
	}
	return nil
}

// Clear removes the consent file, as if consent had never been recorded. A
// missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("consent: cannot remove %q: %w", s.Path, err)
	}
	return nil
}
