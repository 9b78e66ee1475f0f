package admin

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// GopsutilProcessControl is the default ProcessControl implementation,
// built on gopsutil/v3/process so terminate/suspend work the same way
// across the platforms the probe already supports (spec §6 admin actions;
// grounded on the same gopsutil dependency internal/probe uses for
// portable per-process OS calls).
type GopsutilProcessControl struct{}

// Terminate sends SIGKILL (force) or a graceful termination request
// (!force) to pid.
func (GopsutilProcessControl) Terminate(pid int, force bool) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("admin: process %d not found: %w", pid, err)
	}
	if force {
		return p.Kill()
	}
	return p.Terminate()
}

// Suspend pauses pid.
func (GopsutilProcessControl) Suspend(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("admin: process %d not found: %w", pid, err)
	}
	return p.Suspend()
}
