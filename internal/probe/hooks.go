package probe

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
)

// inputSubsystemModules is the set of loaded-module basenames (lower-cased)
// that indicate a process has linked against the OS input subsystem. A
// process that has one of these loaded is a hook candidate — see spec §4.1:
// "because direct global hook enumeration is restricted ... the probe
// reports a process as a hook candidate iff its loaded_modules contain an
// input/user-subsystem module or its name matches a small known list."
var inputSubsystemModules = map[string]bool{
	"user32.dll": true,
	"win32u.dll": true,
	"imm32.dll":  true,
}

// knownHookHostNames is the small known list of process names commonly
// hosting legitimate (or illegitimate) input hooks.
var knownHookHostNames = map[string]bool{
	"explorer.exe":  true,
	"csrss.exe":     true,
	"winlogon.exe":  true,
	"taskhostw.exe": true,
	"dwm.exe":       true,
}

// detectHooksFromFacts applies the user-mode heuristic to every fact in
// facts and returns the resulting (deliberately over-reporting) hook
// candidate list. It is shared by every platform's DetectHooks since the
// heuristic itself is not OS-specific — only fact gathering is.
func detectHooksFromFacts(facts map[int]*factmodel.ProcessFact) []factmodel.HookCandidate {
	var candidates []factmodel.HookCandidate
	now := time.Now().UTC()

	for pid, f := range facts {
		modPath, ok := suspiciousModule(f.LoadedModules)
		switch {
		case ok:
			candidates = append(candidates, factmodel.HookCandidate{
				HookID:     HookID(pid, factmodel.HookKeyboardLowLevel, modPath),
				HookType:   factmodel.HookKeyboardLowLevel,
				OwnerPID:   pid,
				OwnerName:  f.Name,
				ModulePath: modPath,
				Timestamp:  now,
			})
		case knownHookHostNames[strings.ToLower(f.Name)]:
			candidates = append(candidates, factmodel.HookCandidate{
				HookID:     HookID(pid, factmodel.HookOther, f.Path),
				HookType:   factmodel.HookOther,
				OwnerPID:   pid,
				OwnerName:  f.Name,
				ModulePath: f.Path,
				Timestamp:  now,
			})
		}
	}
	return candidates
}

// suspiciousModule returns the first loaded module basename that matches the
// input subsystem set, and whether one was found.
func suspiciousModule(modules []string) (string, bool) {
	for _, m := range modules {
		if inputSubsystemModules[strings.ToLower(m)] {
			return m, true
		}
	}
	return "", false
}

// HookID computes the stable identity used across monitor cycles for the
// same observable hook registration: a hash of (owner_pid, hook_type,
// module_path), per spec §4.4.
func HookID(ownerPID int, hookType factmodel.HookType, modulePath string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s", ownerPID, hookType, modulePath)
	return int64(h.Sum64())
}

// detectHooksViaSnapshot builds facts for every live PID and runs the shared
// heuristic. Probe implementations that do not already hold a fact map (e.g.
// the real platform probe, called standalone via DetectHooks rather than
// through Snapshot) use this helper.
func detectHooksViaSnapshot(ctx context.Context, p Probe) ([]factmodel.HookCandidate, error) {
	pids, err := p.EnumeratePIDs(ctx)
	if err != nil {
		return nil, err
	}
	facts := make(map[int]*factmodel.ProcessFact, len(pids))
	for _, pid := range pids {
		callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
		f, err := p.GetProcessFact(callCtx, pid)
		cancel()
		if err != nil || f == nil {
			continue
		}
		facts[pid] = f
	}
	return detectHooksFromFacts(facts), nil
}
