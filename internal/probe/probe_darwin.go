//go:build darwin

package probe

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/keysentinel/agent/internal/factmodel"
)

// loadedModules shells out to vmmap for the short list of a process's mapped
// shared libraries. Failure (permission denied, process gone) yields nil,
// never an error, per spec §4.1.
func loadedModules(pid int) []string {
	out, err := exec.Command("vmmap", "-summary", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var modules []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, ".dylib") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[len(fields)-1]
		if !seen[name] {
			seen[name] = true
			modules = append(modules, name)
		}
	}
	return modules
}

// isSigned is always false: codesign verification is a trust-chain check
// the probe deliberately does not perform (spec §4.1); there is no portable
// metadata-only equivalent on macOS.
func isSigned(_ string) bool { return false }

// isService makes a best-effort guess from parentage: launchd-managed
// daemons and agents are reparented to pid 1.
func isService(pid int, fact *factmodel.ProcessFact) bool {
	return fact != nil && fact.ParentPID == 1
}

// isHiddenWindow is always false: no Quartz/Cocoa windowing layer is probed.
func isHiddenWindow(_ int) bool { return false }

// isElevated reports whether pid is running as root via ps.
func isElevated(pid int) bool {
	out, err := exec.Command("ps", "-o", "uid=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "0"
}
