// Package pathclass classifies filesystem paths and process names against
// the fixed vocabularies from spec §4.2/§4.3/GLOSSARY: trusted/system
// locations, suspicious (temp/downloads/roaming) locations, the safe-process
// set, critical system names and their required canonical directory, and
// the keylogger keyword list. Both the heuristic engine and the decision
// core consult these classifications, so they live in one place to keep the
// two rule sets consistent.
package pathclass

import "strings"

// suspiciousModuleTokensRaw are substrings that flag a loaded module
// basename as hook/injection/keylogger-related (rule R005).
var suspiciousModuleTokensRaw = []string{
	"hook", "inject", "keylog", "capture", "spy", "monitor", "intercept",
}

// SuspiciousModuleTokens exposes the R005 keyword list.
func SuspiciousModuleTokens() []string { return suspiciousModuleTokensRaw }

// KeywordTokens is the decision core's keylogger keyword vocabulary (§4.3).
var KeywordTokens = []string{
	"keylog", "keystroke", "keycapture", "keyrecord", "pynput", "pyhook",
	"keyboard_hook", "kb_hook", "hook_keys", "capture_keys", "record_keys",
}

// ContainsAny reports whether s contains any of tokens, case-sensitively
// (callers are expected to have already lower-cased s).
func ContainsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// elevatedByDesignRaw is the set of process names expected to run elevated
// by design (rule R004 exemption).
var elevatedByDesignRaw = map[string]bool{
	"winlogon.exe": true,
	"csrss.exe":    true,
	"lsass.exe":    true,
	"wininit.exe":  true,
	"services.exe": true,
}

// ElevatedByDesign reports whether name (already lower-cased) is expected to
// run elevated.
func ElevatedByDesign(lowerName string) bool { return elevatedByDesignRaw[lowerName] }

// suspiciousSegments are path fragments that mark a location as
// "suspicious" per the GLOSSARY: user-profile trees under temp, downloads,
// or desktop. Folder names are not examined for randomness, so a deep
// random-named folder outside these trees does not match.
var suspiciousSegments = []string{
	`\temp\`, `\tmp\`, `\appdata\local\temp\`, `\appdata\roaming\temp\`,
	`\downloads\`, `\desktop\`,
}

// tempSegments is the narrower set used by rule R007.
var tempSegments = []string{`\temp\`, `\tmp\`, `\appdata\local\temp\`}

// trustedRoots are canonical trusted-location prefixes (lower-cased,
// backslash-normalized).
var trustedRoots = []string{
	`c:\windows\system32\`, `c:\windows\syswow64\`, `c:\windows\`,
	`c:\program files\`, `c:\program files (x86)\`,
}

func normalize(path string) string {
	p := strings.ToLower(path)
	p = strings.ReplaceAll(p, "/", `\`)
	if !strings.HasSuffix(p, `\`) {
		// Ensure a trailing separator so "contains" checks against
		// "...\temp\" match paths that end inside that directory.
		if idx := strings.LastIndex(p, `\`); idx >= 0 {
			p = p[:idx+1]
		}
	}
	return p
}

// IsUnusualPath reports whether path lies under a user/temp/downloads/
// roaming tree and not under a trusted system/program-files root (rule
// R003).
func IsUnusualPath(path string) bool {
	if path == "" {
		return false
	}
	p := normalize(path)
	if IsTrustedLocation(path) {
		return false
	}
	if ContainsAny(p, suspiciousSegments) {
		return true
	}
	return strings.Contains(p, `\users\`) && !IsTrustedLocation(path)
}

// IsTempPath reports whether path contains a temp-directory segment (rule
// R007).
func IsTempPath(path string) bool {
	if path == "" {
		return false
	}
	return ContainsAny(normalize(path), tempSegments)
}

// IsSuspiciousLocation is the decision core's broader suspicious-location
// check (GLOSSARY): the path lies under a temp/downloads/desktop/roaming-temp
// folder. Only these fixed segments are matched; deep random-named user
// folders are not detected.
func IsSuspiciousLocation(path string) bool {
	if path == "" {
		return false
	}
	return ContainsAny(normalize(path), suspiciousSegments)
}

// IsTrustedLocation reports whether path lies under the system directory,
// the Windows directory, a Program Files root, or an OEM subdirectory
// thereof (GLOSSARY "Trusted location").
func IsTrustedLocation(path string) bool {
	if path == "" {
		return false
	}
	p := strings.ToLower(strings.ReplaceAll(path, "/", `\`))
	for _, root := range trustedRoots {
		if strings.HasPrefix(p, root) {
			return true
		}
	}
	return false
}

// IsProgramFiles reports whether path lies under a Program Files root —
// used by the decision core's unknown-publisher suppression mitigation.
func IsProgramFiles(path string) bool {
	p := strings.ToLower(strings.ReplaceAll(path, "/", `\`))
	return strings.HasPrefix(p, `c:\program files\`) || strings.HasPrefix(p, `c:\program files (x86)\`)
}

// criticalSystemNames maps a critical system process name (lower-cased) to
// its single required canonical directory prefix (GLOSSARY / §4.3).
var criticalSystemNames = map[string]string{
	"svchost.exe":  `c:\windows\system32\`,
	"csrss.exe":    `c:\windows\system32\`,
	"lsass.exe":    `c:\windows\system32\`,
	"winlogon.exe": `c:\windows\system32\`,
	"dwm.exe":      `c:\windows\system32\`,
	"explorer.exe": `c:\windows\`,
}

// IsCriticalSystemName reports whether name (any case) is one of the fixed
// critical system process names (GLOSSARY), regardless of its path.
func IsCriticalSystemName(name string) bool {
	_, known := criticalSystemNames[strings.ToLower(name)]
	return known
}

// IsNameSpoofed reports whether name matches a critical system process name
// but path is not that name's required canonical location (rule R008 /
// decision "name spoofing").
func IsNameSpoofed(name, path string) bool {
	required, known := criticalSystemNames[strings.ToLower(name)]
	if !known {
		return false
	}
	if path == "" {
		return true
	}
	p := strings.ToLower(strings.ReplaceAll(path, "/", `\`))
	return !strings.HasPrefix(p, required)
}

// safeProcessNames is the fixed set of presumed-benign OS components and
// widely deployed applications (GLOSSARY "Safe-process set").
var safeProcessNames = map[string]bool{
	"svchost.exe": true, "csrss.exe": true, "lsass.exe": true,
	"winlogon.exe": true, "explorer.exe": true, "dwm.exe": true,
	"chrome.exe": true, "firefox.exe": true, "msedge.exe": true,
	"code.exe": true, "slack.exe": true, "discord.exe": true,
	"zoom.exe": true, "spotify.exe": true,
}

// IsSafeProcessName reports whether name (case-insensitive) is in the fixed
// safe-process set.
func IsSafeProcessName(name string) bool { return safeProcessNames[strings.ToLower(name)] }

// trustedPublishers is the fixed, case-insensitive substring set of
// recognized vendor strings (GLOSSARY "Trusted publishers").
var trustedPublishers = []string{
	"microsoft", "intel", "nvidia", "amd", "advanced micro devices",
	"google", "mozilla", "apple", "adobe", "dell", "hp inc", "hewlett-packard",
	"logitech", "realtek", "synaptics",
}

// IsTrustedPublisher reports whether publisher (any case) contains one of
// the recognized vendor substrings.
func IsTrustedPublisher(publisher string) bool {
	if publisher == "" {
		return false
	}
	return ContainsAny(strings.ToLower(publisher), trustedPublishers)
}
