package probe

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/keysentinel/agent/internal/factmodel"
)

// PlatformProbe is the real Probe implementation. Process enumeration and
// generic fact gathering (pid, path, parent, threads, RSS, connections, open
// files) is implemented once on top of gopsutil; the handful of facts that
// have no portable gopsutil equivalent (hidden-window detection, best-effort
// service detection, version-metadata signature lookup, loaded module
// listing) are delegated to OS-specific functions selected at compile time
// by build tag — see probe_windows.go, probe_linux.go, probe_darwin.go, and
// probe_other.go.
type PlatformProbe struct{}

// NewPlatformProbe returns the real OS-backed Probe.
func NewPlatformProbe() *PlatformProbe { return &PlatformProbe{} }

// EnumeratePIDs implements Probe.
func (p *PlatformProbe) EnumeratePIDs(ctx context.Context) ([]int, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		out = append(out, int(pid))
	}
	return out, nil
}

// GetProcessFact implements Probe. It never returns an error for fields it
// cannot retrieve; each failed field keeps its documented default.
func (p *PlatformProbe) GetProcessFact(ctx context.Context, pid int) (*factmodel.ProcessFact, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Process disappeared between enumeration and lookup.
		return nil, nil
	}
	if running, err := proc.IsRunningWithContext(ctx); err == nil && !running {
		return nil, nil
	}

	fact := &factmodel.ProcessFact{
		PID:       pid,
		Timestamp: time.Now().UTC(),
	}

	if exe, err := proc.ExeWithContext(ctx); err == nil {
		fact.Path = exe
	}
	if name, err := proc.NameWithContext(ctx); err == nil {
		fact.Name = name
	} else if fact.Path != "" {
		fact.Name = filepath.Base(fact.Path)
	}
	// Invariant: name equals basename(path) whenever path is non-empty.
	if fact.Path != "" {
		fact.Name = filepath.Base(fact.Path)
	}

	if ppid, err := proc.PpidWithContext(ctx); err == nil {
		fact.ParentPID = int(ppid)
	}

	if user, err := proc.UsernameWithContext(ctx); err == nil && user != "" {
		fact.UserAccount = user
	} else {
		fact.UserAccount = "UNKNOWN"
	}

	if n, err := proc.NumThreadsWithContext(ctx); err == nil && n > 0 {
		fact.ThreadCount = int(n)
	}

	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		fact.RSSBytes = mem.RSS
	}

	if conns, err := gopsnet.ConnectionsPidWithContext(ctx, "all", int32(pid)); err == nil {
		fact.Connections = convertConnections(conns)
	}

	if files, err := proc.OpenFilesWithContext(ctx); err == nil {
		fact.OpenFiles = openFilePaths(files)
	}

	fact.LoadedModules = loadedModules(pid)
	fact.IsSigned = isSigned(fact.Path)
	fact.IsService = isService(pid, fact)
	fact.IsHiddenWindow = isHiddenWindow(pid) && !fact.IsService && pid > 4
	fact.Privileges = processPrivileges(pid, fact)

	return fact, nil
}

// DetectHooks implements Probe.
func (p *PlatformProbe) DetectHooks(ctx context.Context) ([]factmodel.HookCandidate, error) {
	return detectHooksViaSnapshot(ctx, p)
}

// Snapshot implements Probe.
func (p *PlatformProbe) Snapshot(ctx context.Context) (Snapshot, error) {
	return snapshotFrom(ctx, p)
}

func convertConnections(conns []gopsnet.ConnectionStat) []factmodel.Connection {
	out := make([]factmodel.Connection, 0, len(conns))
	for _, c := range conns {
		state := factmodel.ConnOther
		switch strings.ToUpper(c.Status) {
		case "ESTABLISHED":
			state = factmodel.ConnEstablished
		case "LISTEN":
			state = factmodel.ConnListen
		case "TIME_WAIT":
			state = factmodel.ConnTimeWait
		case "CLOSE_WAIT":
			state = factmodel.ConnCloseWait
		}
		out = append(out, factmodel.Connection{
			RemoteIP:   c.Raddr.IP,
			RemotePort: int(c.Raddr.Port),
			State:      state,
		})
	}
	return out
}

func openFilePaths(files []process.OpenFilesStat) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

// processPrivileges is a best-effort, portable approximation: root/System
// accounts map to SYSTEM, a platform-reported elevation flag (UAC-elevated
// token on Windows, effective uid 0 elsewhere when not the literal system
// account) maps to ELEVATED, everything else is NORMAL.
func processPrivileges(pid int, fact *factmodel.ProcessFact) []factmodel.Privilege {
	if isSystemAccount(fact.UserAccount) {
		return []factmodel.Privilege{factmodel.PrivilegeSystem}
	}
	if isElevated(pid) {
		return []factmodel.Privilege{factmodel.PrivilegeElevated}
	}
	return []factmodel.Privilege{factmodel.PrivilegeNormal}
}

func isSystemAccount(user string) bool {
	switch strings.ToUpper(user) {
	case `NT AUTHORITY\SYSTEM`, "ROOT", "SYSTEM":
		return true
	default:
		return false
	}
}
