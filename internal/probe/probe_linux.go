//go:build linux

package probe

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/keysentinel/agent/internal/factmodel"
)

// loadedModules reads /proc/<pid>/maps and returns the distinct basenames of
// every mapped regular file, in first-seen order. This is the closest
// portable analogue on Linux to a loaded-module list; there is no "input
// subsystem DLL" concept, so detectHooksFromFacts relies here mostly on
// knownHookHostNames rather than inputSubsystemModules.
func loadedModules(pid int) []string {
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/maps")
	if err != nil {
		return nil
	}
	defer f.Close()

	seen := make(map[string]bool)
	var modules []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		base := filepath.Base(path)
		if !seen[base] {
			seen[base] = true
			modules = append(modules, base)
		}
	}
	return modules
}

// isSigned is always false on Linux: there is no OS-native equivalent of
// Windows Authenticode version metadata to inspect without shelling out to a
// distribution-specific package manager, which would report packaging
// provenance, not binary signing. Absence of metadata yields false, per
// spec §4.1 — this is a documented platform limitation, not a bug.
func isSigned(_ string) bool { return false }

// isService makes a best-effort guess from the systemd cgroup membership
// recorded in /proc/<pid>/cgroup: a process whose cgroup path contains
// ".service" is considered a service.
func isService(pid int, _ *factmodel.ProcessFact) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cgroup")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), ".service")
}

// isHiddenWindow is always false on Linux: no desktop windowing layer
// (X11/Wayland) is probed, matching spec §4.1's "exempt unless clearly
// applicable" guidance for headless/system processes.
func isHiddenWindow(_ int) bool { return false }

// isElevated reports whether pid's effective uid is 0, read from
// /proc/<pid>/status.
func isElevated(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Uid:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return fields[1] == "0"
			}
		}
	}
	return false
}
