//go:build !windows && !linux && !darwin

package probe

import "github.com/keysentinel/agent/internal/factmodel"

// loadedModules is unsupported on this platform.
func loadedModules(_ int) []string { return nil }

// isSigned is unsupported; absence of metadata yields false, per spec §4.1.
func isSigned(_ string) bool { return false }

// isService is unsupported.
func isService(_ int, _ *factmodel.ProcessFact) bool { return false }

// isHiddenWindow is unsupported.
func isHiddenWindow(_ int) bool { return false }

// isElevated is unsupported.
func isElevated(_ int) bool { return false }
