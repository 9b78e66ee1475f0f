package decision

import (
	"testing"

	"github.com/keysentinel/agent/internal/factmodel"
)

func TestCore_WhitelistSuppressesBenignSystemProcess(t *testing.T) {
	c := NewCore()
	fact := factmodel.ProcessFact{
		PID: 1234, Name: "svchost.exe", Path: `C:\Windows\System32\svchost.exe`,
		IsSigned: true, IsHiddenWindow: true, IsService: true,
		Privileges: []factmodel.Privilege{factmodel.PrivilegeNormal},
	}
	if got := c.Evaluate(fact, 0, ""); got != nil {
		t.Fatalf("expected whitelisted process to yield no detection, got %+v", got)
	}
}

func TestCore_NameSpoofingKeylogger(t *testing.T) {
	c := NewCore()
	fact := factmodel.ProcessFact{
		PID: 4120, Name: "svchost.exe", Path: `C:\Temp\svchost.exe`,
		IsSigned: false, IsHiddenWindow: true,
		LoadedModules: []string{"user32.dll", "suspicious.dll"},
		Privileges:    []factmodel.Privilege{factmodel.PrivilegeElevated},
		ThreadCount:   2,
	}
	got := c.Evaluate(fact, 0, "")
	if got == nil {
		t.Fatalf("expected a detection for a name-spoofing keylogger")
	}
	if got.ThreatScore < 6 {
		t.Fatalf("expected threat_score >= 6, got %d (evidence=%v)", got.ThreatScore, got.Evidence)
	}
	if got.Confidence != 1.0 {
		t.Fatalf("expected confidence clamped to 1.0, got %v", got.Confidence)
	}
	if !got.Flags.Injection {
		t.Fatalf("expected injection flag set, got %+v", got.Flags)
	}
}

func TestCore_MinimalThreadsAloneSetsInjectionFlag(t *testing.T) {
	c := NewCore()
	fact := factmodel.ProcessFact{
		PID: 5150, Name: "helper.exe", Path: `C:\Users\u\AppData\Local\Temp\helper.exe`,
		IsSigned: false, ThreadCount: 2,
	}
	got := c.Evaluate(fact, 0, "")
	if got == nil {
		t.Fatalf("expected a detection (unsigned + suspicious location + minimal threads = threat_score 3)")
	}
	if got.ThreatScore != 3 {
		t.Fatalf("expected threat_score == 3, got %d (evidence=%v)", got.ThreatScore, got.Evidence)
	}
	if !got.Flags.Injection {
		t.Fatalf("expected injection flag set from the minimal-thread-count indicator alone, got %+v (evidence=%v)", got.Flags, got.Evidence)
	}
}

func TestCore_KeywordNamedUserBinary(t *testing.T) {
	c := NewCore()
	fact := factmodel.ProcessFact{
		PID: 8192, Name: "pynput_keylog.exe",
		Path:     `C:\Users\U\AppData\Local\Temp\pynput_keylog.exe`,
		IsSigned: false,
	}
	got := c.Evaluate(fact, 0, "")
	if got == nil {
		t.Fatalf("expected a detection for a keyword-named binary")
	}
	if got.ThreatScore != 4 {
		t.Fatalf("expected threat_score == 4, got %d (evidence=%v)", got.ThreatScore, got.Evidence)
	}
}

func TestCore_UnsignedOEMHelperInProgramFilesSuppressed(t *testing.T) {
	c := NewCore()
	fact := factmodel.ProcessFact{
		Name: "HPHelper.exe", Path: `C:\Program Files\HP\HPHelper.exe`, IsSigned: false,
	}
	got := c.Evaluate(fact, 0, "")
	if got != nil {
		t.Fatalf("expected Program Files unknown-publisher suppression to yield no detection, got %+v", got)
	}
}

func TestCore_NeverEmitsBelowThreshold(t *testing.T) {
	c := NewCore()
	fact := factmodel.ProcessFact{Name: "mystery.exe", Path: `C:\Users\u\tool\mystery.exe`, IsSigned: false}
	got := c.Evaluate(fact, 0, "")
	if got != nil && got.ThreatScore < 3 {
		t.Fatalf("must never emit below threat_score 3, got %d", got.ThreatScore)
	}
}

func TestCore_ConfidenceNeverExceedsOne(t *testing.T) {
	c := NewCore()
	fact := factmodel.ProcessFact{
		PID: 1, Name: "svchost.exe", Path: `C:\Temp\svchost.exe`, IsSigned: false,
		IsHiddenWindow: true, ThreadCount: 1, RSSBytes: 1024,
		Connections: []factmodel.Connection{{RemoteIP: "1.2.3.4", RemotePort: 9999, State: factmodel.ConnEstablished}},
		OpenFiles:   []string{`C:\Temp\keylog.log`},
	}
	got := c.Evaluate(fact, 0, "python.exe")
	if got == nil {
		t.Fatalf("expected detection")
	}
	if got.Confidence > 1.0 {
		t.Fatalf("confidence must be clamped to 1.0, got %v", got.Confidence)
	}
}
