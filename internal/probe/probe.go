// Package probe implements the Platform Probe: a thin, replaceable adapter
// over the host OS that enumerates processes, builds per-process fact
// records, and performs user-mode heuristic hook discovery.
//
// Platform support follows the teacher's per-platform build-tag split
// (one file per OS implementing the small set of functions the shared
// facts.go aggregator needs — hidden-window detection, best-effort service
// detection, loaded-module listing, and signature metadata lookup):
//
//   - probe_windows.go: EnumWindows/GetWindowThreadProcessId for hidden
//     windows, SCM query for is_service, PE version-resource parsing for
//     is_signed.
//   - probe_linux.go / probe_darwin.go: best-effort service detection
//     (systemd cgroup / launchd heuristics); no desktop windowing layer is
//     probed, so is_hidden_window is always false.
//   - probe_other.go: conservative stub, every platform hook returns its
//     safe default.
//
// Process enumeration and fact gathering that is not OS-specific (PIDs,
// executable path, thread count, RSS, connections, open files) is
// implemented once in facts.go on top of github.com/shirou/gopsutil/v3,
// which already abstracts those OS calls portably. Loaded modules are
// listed by each OS file's loadedModules.
package probe

import (
	"context"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
)

// Snapshot is the result of one probe cycle: the set of live PIDs, a fact
// record per reachable PID, and the current hook candidates.
type Snapshot struct {
	PIDs  []int
	Facts map[int]*factmodel.ProcessFact
	Hooks []factmodel.HookCandidate
}

// Probe is the interface implemented by both the real platform adapter and
// the mock used in tests. Implementations must never return an error for an
// individual inaccessible process — GetProcessFact returns (nil, nil) only
// when the process has disappeared or is fully inaccessible, and otherwise
// returns a ProcessFact with defaulted fields for anything that could not be
// retrieved.
type Probe interface {
	// EnumeratePIDs returns all live process IDs observable to the current
	// security context. Order is unspecified; duplicates are forbidden.
	EnumeratePIDs(ctx context.Context) ([]int, error)

	// GetProcessFact returns the fact record for pid, or (nil, nil) if the
	// process has disappeared or is fully inaccessible.
	GetProcessFact(ctx context.Context, pid int) (*factmodel.ProcessFact, error)

	// DetectHooks returns the current set of hook candidates. It is
	// expected and acceptable for this to over-report; the decision core is
	// the precision gate.
	DetectHooks(ctx context.Context) ([]factmodel.HookCandidate, error)

	// Snapshot runs EnumeratePIDs, GetProcessFact (for every live PID), and
	// DetectHooks in one pass.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// perCallTimeout bounds every individual OS call inside the probe so that a
// slow or hung process can never stall a cycle more than a few hundred
// milliseconds, per the concurrency model's per-process suspension point.
const perCallTimeout = 300 * time.Millisecond

// snapshotFrom is the OS-agnostic Snapshot assembly shared by every Probe
// implementation: enumerate, then fetch facts and hooks, tolerating any
// individual failure by skipping that PID.
func snapshotFrom(ctx context.Context, p Probe) (Snapshot, error) {
	pids, err := p.EnumeratePIDs(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	facts := make(map[int]*factmodel.ProcessFact, len(pids))
	for _, pid := range pids {
		callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
		fact, err := p.GetProcessFact(callCtx, pid)
		cancel()
		if err != nil || fact == nil {
			continue
		}
		facts[pid] = fact
	}

	hooks, err := p.DetectHooks(ctx)
	if err != nil {
		hooks = nil
	}

	return Snapshot{PIDs: pids, Facts: facts, Hooks: hooks}, nil
}
