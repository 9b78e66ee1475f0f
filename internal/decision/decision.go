// Package decision implements the Decision Core: a two-stage procedure that
// converts a ProcessFact plus its hook presence into a Detection or nothing
// at all. Stage one is a hard whitelist short-circuit; stage two accumulates
// independent indicators into a threat score and a clamped confidence value.
// Detections are emitted only when at least three independent strong
// indicators fire (spec §4.3) — the architecture depends on a permissive
// probe and a strict decider, not the other way around.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/pathclass"
)

// standardPorts are remote ports considered ordinary; they never contribute
// to the network-exfiltration indicator.
var standardPorts = map[int]bool{
	21: true, 22: true, 25: true, 53: true, 80: true, 443: true, 587: true,
}

// scriptParents are interpreter/shell process names whose children are
// treated as ancestry-anomalous (spec §4.3 "script parent").
var scriptParents = map[string]bool{
	"python.exe": true, "python3.exe": true, "wscript.exe": true,
	"cscript.exe": true, "powershell.exe": true, "cmd.exe": true,
	"perl.exe": true, "node.exe": true,
}

// logLikeSuffixes flag a path as a candidate for the file-logging indicator.
var logLikeSuffixes = []string{".log", ".txt", ".dat"}

const (
	minRSSBytes = 10 * 1024 * 1024
	maxRSSBytes = 500 * 1024 * 1024
	minThreads  = 3
	emitAt      = 3
)

// indicator is one named entry in the stage-two accumulation table, carrying
// its threat-score points and confidence contribution (spec §4.3 table).
type indicator struct {
	evidence string
	points   int
	conf     float64
}

// Core evaluates ProcessFacts against the fixed whitelist and indicator
// table. It holds no mutable state; Evaluate is a pure function of its
// arguments plus the process's parent name (supplied by the caller, since
// ancestry lookups require the Monitor's process table).
type Core struct{}

// NewCore constructs a Decision Core. There is nothing to configure: the
// whitelist, keyword set, and indicator table are fixed per spec §4.3/GLOSSARY.
func NewCore() *Core { return &Core{} }

// Evaluate converts fact (plus hooksOwned and the name of fact's parent
// process, or "" if unknown) into a Detection, or nil if the process is
// whitelisted or scores below the emission threshold.
func (c *Core) Evaluate(fact factmodel.ProcessFact, hooksOwned int, parentName string) *factmodel.Detection {
	spoofed := pathclass.IsNameSpoofed(fact.Name, fact.Path)

	if !spoofed && pathclass.IsSafeProcessName(fact.Name) && pathclass.IsTrustedLocation(fact.Path) {
		return nil
	}

	// The probe's is_signed flag is only ever set once a recognized
	// publisher's vendor metadata has been matched (internal/probe), so on
	// platforms where that check runs it doubles as the "recognized trusted
	// publisher" signal the whitelist's second short-circuit requires.
	if !spoofed && fact.IsSigned {
		return nil
	}

	var indicators []indicator

	if spoofed {
		indicators = append(indicators, indicator{
			evidence: fmt.Sprintf("name spoofing: %q does not run from its required location", fact.Name),
			points:   2, conf: 0.40,
		})
	}

	if keyword, ok := matchedKeyword(fact.Name, fact.Path); ok {
		indicators = append(indicators, indicator{
			evidence: fmt.Sprintf("keylogger keyword %q found in name or path", keyword),
			points:   2, conf: 0.50,
		})
	}

	if !fact.IsSigned {
		indicators = append(indicators, indicator{
			evidence: "binary has no retrievable signed-vendor metadata", points: 1, conf: 0.20,
		})
	}

	if pathclass.IsSuspiciousLocation(fact.Path) {
		indicators = append(indicators, indicator{
			evidence: "executable runs from a temp/downloads/roaming/random user location", points: 1, conf: 0.25,
		})
	}

	// Distinct from the plain "unsigned binary" indicator above: this one is
	// reserved for a non-standard-but-not-overtly-suspicious location (not
	// already counted as a temp/downloads/roaming hit), and is suppressed
	// entirely under a Program Files root per spec mitigation.
	if !fact.IsSigned && pathclass.IsUnusualPath(fact.Path) && !pathclass.IsSuspiciousLocation(fact.Path) && !pathclass.IsProgramFiles(fact.Path) {
		indicators = append(indicators, indicator{
			evidence: "unknown publisher in a non-standard location", points: 1, conf: 0.15,
		})
	}

	if fact.IsHiddenWindow && !fact.IsService {
		indicators = append(indicators, indicator{
			evidence: "process owns no visible window and is not a registered service", points: 1, conf: 0.20,
		})
	}

	if port, ok := nonStandardEstablishedPort(fact.Connections); ok {
		indicators = append(indicators, indicator{
			evidence: fmt.Sprintf("established outbound connection to non-standard port %d", port), points: 1, conf: 0.35,
		})
	}

	if path, ok := logLikeOpenFile(fact.OpenFiles); ok {
		indicators = append(indicators, indicator{
			evidence: fmt.Sprintf("writing log-like file %q from a user/temp location", path), points: 1, conf: 0.30,
		})
	}

	if fact.RSSBytes > 0 && (fact.RSSBytes < minRSSBytes || fact.RSSBytes > maxRSSBytes) {
		indicators = append(indicators, indicator{
			evidence: "resident memory footprint is anomalously small or large for its role", points: 1, conf: 0.20,
		})
	}

	if ancestry, ok := ancestryAnomaly(fact, parentName); ok {
		indicators = append(indicators, indicator{evidence: ancestry, points: 1, conf: 0.25})
	}

	if fact.ThreadCount > 0 && fact.ThreadCount < minThreads {
		indicators = append(indicators, indicator{
			evidence: fmt.Sprintf("minimal thread count (%d) is an injection hint", fact.ThreadCount), points: 1, conf: 0.30,
		})
	}

	threatScore := 0
	confidence := 0.0
	evidence := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		threatScore += ind.points
		confidence += ind.conf
		evidence = append(evidence, ind.evidence)
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	if threatScore < emitAt {
		return nil
	}

	return &factmodel.Detection{
		PID:         fact.PID,
		Name:        fact.Name,
		Path:        fact.Path,
		Confidence:  confidence,
		Evidence:    evidence,
		ThreatScore: threatScore,
		Flags:       deriveFlags(evidence),
		Timestamp:   time.Now().UTC(),
	}
}

func matchedKeyword(name, path string) (string, bool) {
	haystack := strings.ToLower(name + " " + path)
	for _, kw := range pathclass.KeywordTokens {
		if strings.Contains(haystack, kw) {
			return kw, true
		}
	}
	return "", false
}

func nonStandardEstablishedPort(conns []factmodel.Connection) (int, bool) {
	for _, c := range conns {
		if c.State != factmodel.ConnEstablished {
			continue
		}
		if !standardPorts[c.RemotePort] {
			return c.RemotePort, true
		}
	}
	return 0, false
}

func logLikeOpenFile(files []string) (string, bool) {
	for _, f := range files {
		lower := strings.ToLower(f)
		if !pathclass.IsSuspiciousLocation(f) && !strings.Contains(lower, `\users\`) {
			continue
		}
		for _, suf := range logLikeSuffixes {
			if strings.HasSuffix(lower, suf) {
				return f, true
			}
		}
	}
	return "", false
}

func ancestryAnomaly(fact factmodel.ProcessFact, parentName string) (string, bool) {
	if fact.ParentPID > 0 && fact.ParentPID < 4 && fact.PID > 100 {
		return "process is orphaned (reparented to an early system pid)", true
	}
	if parentName != "" && scriptParents[strings.ToLower(parentName)] {
		return fmt.Sprintf("parent process %q is a scripting interpreter or shell", parentName), true
	}
	if pathclass.IsCriticalSystemName(fact.Name) && parentName != "" && !pathclass.IsSafeProcessName(parentName) {
		return fmt.Sprintf("critical system name %q spawned by non-system parent %q", fact.Name, parentName), true
	}
	return "", false
}

// deriveFlags keyword-matches the evidence list to set the Detection's
// boolean behavior flags (spec §4.3 emission rule).
func deriveFlags(evidence []string) factmodel.DetectionFlags {
	var flags factmodel.DetectionFlags
	for _, e := range evidence {
		lower := strings.ToLower(e)
		switch {
		case strings.Contains(lower, "outbound connection"):
			flags.Network = true
		case strings.Contains(lower, "log-like file"):
			flags.FileLogging = true
		case strings.Contains(lower, "memory footprint"):
			flags.Memory = true
		case strings.Contains(lower, "spoofing"), strings.Contains(lower, "interpreter"), strings.Contains(lower, "orphaned"), strings.Contains(lower, "non-system parent"), strings.Contains(lower, "injection"), strings.Contains(lower, "ancestry"):
			flags.Injection = true
		}
	}
	return flags
}
