// Package admin implements the Admin adapter: terminate/suspend/quarantine
// actions against a suspected process, each requiring explicit caller
// confirmation and elevated privileges (spec §6). Quarantine is fully
// implemented against the documented manifest schema; terminate/suspend
// delegate to platform-specific process control left to the CLI layer to
// gate behind a confirmation prompt.
package admin

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Adapter is the Admin adapter interface required by the core.
type Adapter interface {
	Terminate(pid int, force bool) error
	Suspend(pid int) error
	Quarantine(path string, meta QuarantineMeta) (string, error)
}

// QuarantineMeta carries the fields recorded in a quarantine manifest (spec
// §6: "original path, timestamp, pid at quarantine, user, signed status").
type QuarantineMeta struct {
	PID      int
	User     string
	IsSigned bool
}

// Admin is the default Adapter implementation. ProcessControl performs the
// OS-specific terminate/suspend calls; it is nil-able so Admin can be
// constructed in tests without a real process-control backend.
type Admin struct {
	QuarantineDir string
	ProcessControl
}

// ProcessControl is the OS-specific process-control surface Admin delegates
// to. Implementations are platform-specific and outside core scope (spec
// §6: "implementation outside core scope").
type ProcessControl interface {
	Terminate(pid int, force bool) error
	Suspend(pid int) error
}

// New constructs an Admin that quarantines into quarantineDir and delegates
// terminate/suspend to pc.
func New(quarantineDir string, pc ProcessControl) *Admin {
	return &Admin{QuarantineDir: quarantineDir, ProcessControl: pc}
}

// Terminate ends pid, forcibly if force is set. Callers are responsible for
// obtaining explicit user confirmation before calling this method (spec §6).
func (a *Admin) Terminate(pid int, force bool) error {
	if a.ProcessControl == nil {
		return fmt.Errorf("admin: no process control backend configured")
	}
	return a.ProcessControl.Terminate(pid, force)
}

// Suspend pauses pid. Callers are responsible for obtaining explicit user
// confirmation before calling this method (spec §6).
func (a *Admin) Suspend(pid int) error {
	if a.ProcessControl == nil {
		return fmt.Errorf("admin: no process control backend configured")
	}
	return a.ProcessControl.Suspend(pid)
}

// Quarantine moves the file at path into the quarantine directory under a
// timestamp-prefixed name and writes a sibling .info.txt manifest (spec §6:
// "<output-dir>/quarantine/<yyyymmdd_hhmmss>_<original-basename> plus
// sibling .info.txt manifest"). It returns the quarantined file's new path.
func (a *Admin) Quarantine(path string, meta QuarantineMeta) (string, error) {
	if err := os.MkdirAll(a.QuarantineDir, 0o700); err != nil {
		return "", fmt.Errorf("admin: cannot create quarantine dir %q: %w", a.QuarantineDir, err)
	}

	now := time.Now().UTC()
	stamp := now.Format("20060102_150405")
	base := filepath.Base(path)
	dest := filepath.Join(a.QuarantineDir, stamp+"_"+base)

	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("admin: cannot quarantine %q: %w", path, err)
	}

	manifest := fmt.Sprintf(
		"original_path: %s\ntimestamp: %s\npid: %d\nuser: %s\nis_signed: %t\n",
		path, now.Format(time.RFC3339), meta.PID, meta.User, meta.IsSigned,
	)
	manifestPath := dest + ".info.txt"
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o600); err != nil {
		return dest, fmt.Errorf("admin: quarantined %q but failed to write manifest %q: %w", dest, manifestPath, err)
	}

	return dest, nil
}
