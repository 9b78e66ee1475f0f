package probe

import (
	"context"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
)

// MockProbe is a deterministic Probe implementation returning a fixed
// population of six processes for reproducible tests — see spec §4.1 "Mock
// mode" and the end-to-end scenarios in spec §8.
type MockProbe struct {
	facts map[int]*factmodel.ProcessFact
	order []int
}

// NewMockProbe builds the fixed six-process population.
func NewMockProbe() *MockProbe {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	facts := map[int]*factmodel.ProcessFact{
		// Scenario 1: benign system process.
		1234: {
			PID: 1234, Name: "svchost.exe", Path: `C:\Windows\System32\svchost.exe`,
			ParentPID: 612, IsSigned: true, UserAccount: `NT AUTHORITY\SYSTEM`,
			IsHiddenWindow: true, IsService: true,
			Privileges:  []factmodel.Privilege{factmodel.PrivilegeNormal},
			ThreadCount: 12, RSSBytes: 18 * 1024 * 1024, Timestamp: ts,
		},
		// Scenario 2: name-spoofing keylogger.
		4120: {
			PID: 4120, Name: "svchost.exe", Path: `C:\Temp\svchost.exe`,
			ParentPID: 1234, IsSigned: false, UserAccount: `DESKTOP\User`,
			IsHiddenWindow: true, IsService: false,
			LoadedModules: []string{"user32.dll", "suspicious.dll"},
			Privileges:    []factmodel.Privilege{factmodel.PrivilegeElevated},
			ThreadCount:   2, RSSBytes: 6 * 1024 * 1024, Timestamp: ts,
		},
		// Scenario 3: keyword-named user binary.
		8192: {
			PID: 8192, Name: "pynput_keylog.exe",
			Path:           `C:\Users\U\AppData\Local\Temp\pynput_keylog.exe`,
			ParentPID:      4120, IsSigned: false, UserAccount: `DESKTOP\User`,
			IsHiddenWindow: false, IsService: false,
			Privileges:  []factmodel.Privilege{factmodel.PrivilegeNormal},
			ThreadCount: 4, RSSBytes: 12 * 1024 * 1024, Timestamp: ts,
		},
		// Scenario 4: unsigned OEM helper in Program Files (suppressed).
		5600: {
			PID: 5600, Name: "HPHelper.exe", Path: `C:\Program Files\HP\HPHelper.exe`,
			ParentPID: 1, IsSigned: false, UserAccount: `DESKTOP\User`,
			IsHiddenWindow: false, IsService: false,
			Privileges:  []factmodel.Privilege{factmodel.PrivilegeNormal},
			ThreadCount: 6, RSSBytes: 40 * 1024 * 1024, Timestamp: ts,
		},
		// Benign desktop application.
		2208: {
			PID: 2208, Name: "explorer.exe", Path: `C:\Windows\explorer.exe`,
			ParentPID: 1, IsSigned: true, UserAccount: `DESKTOP\User`,
			IsHiddenWindow: false, IsService: false,
			Privileges:  []factmodel.Privilege{factmodel.PrivilegeNormal},
			ThreadCount: 40, RSSBytes: 90 * 1024 * 1024, Timestamp: ts,
		},
		// Benign signed third-party browser.
		3344: {
			PID: 3344, Name: "chrome.exe", Path: `C:\Program Files\Google\Chrome\Application\chrome.exe`,
			ParentPID: 2208, IsSigned: true, UserAccount: `DESKTOP\User`,
			IsHiddenWindow: false, IsService: false,
			Privileges:  []factmodel.Privilege{factmodel.PrivilegeNormal},
			ThreadCount: 30, RSSBytes: 220 * 1024 * 1024, Timestamp: ts,
		},
	}

	return &MockProbe{
		facts: facts,
		order: []int{1234, 4120, 8192, 5600, 2208, 3344},
	}
}

// EnumeratePIDs implements Probe.
func (m *MockProbe) EnumeratePIDs(_ context.Context) ([]int, error) {
	out := make([]int, len(m.order))
	copy(out, m.order)
	return out, nil
}

// GetProcessFact implements Probe.
func (m *MockProbe) GetProcessFact(_ context.Context, pid int) (*factmodel.ProcessFact, error) {
	f, ok := m.facts[pid]
	if !ok {
		return nil, nil
	}
	clone := *f
	return &clone, nil
}

// DetectHooks implements Probe using the same shared heuristic the real
// platform probe uses, so tests exercise identical logic.
func (m *MockProbe) DetectHooks(_ context.Context) ([]factmodel.HookCandidate, error) {
	return detectHooksFromFacts(m.facts), nil
}

// Snapshot implements Probe.
func (m *MockProbe) Snapshot(ctx context.Context) (Snapshot, error) {
	return snapshotFrom(ctx, m)
}

// SetFact allows tests to mutate or add a fact between monitor cycles in
// order to exercise PROCESS_CHANGED / HOOK_ADDED / HOOK_REMOVED detection.
func (m *MockProbe) SetFact(pid int, f *factmodel.ProcessFact) {
	if f == nil {
		delete(m.facts, pid)
		for i, p := range m.order {
			if p == pid {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		return
	}
	if _, existed := m.facts[pid]; !existed {
		m.order = append(m.order, pid)
	}
	m.facts[pid] = f
}
