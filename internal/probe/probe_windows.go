//go:build windows

package probe

import (
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/keysentinel/agent/internal/factmodel"
)

// loadedModules enumerates the modules loaded into pid's address space using
// CreateToolhelp32Snapshot(TH32CS_SNAPMODULE). Returns nil (not an error) if
// the snapshot cannot be taken — most commonly because the process exited or
// access was denied, both of which are the documented "not retrievable"
// case for this field.
func loadedModules(pid int) []string {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE, uint32(pid))
	if err != nil {
		return nil
	}
	defer windows.CloseHandle(snap)

	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))

	var modules []string
	if err := windows.Module32First(snap, &me); err != nil {
		return nil
	}
	for {
		name := windows.UTF16ToString(me.Module[:])
		if name != "" {
			modules = append(modules, name)
		}
		if err := windows.Module32Next(snap, &me); err != nil {
			break
		}
	}
	return modules
}

// isSigned reports whether path has retrievable PE version metadata
// identifying a recognized vendor. It does not perform cryptographic
// trust-chain validation — see factmodel.ProcessFact.IsSigned godoc.
func isSigned(path string) bool {
	if path == "" {
		return false
	}
	vendor, ok := versionVendor(path)
	if !ok {
		return false
	}
	return recognizedVendor(vendor)
}

// versionVendor extracts the CompanyName string from path's
// VS_VERSION_INFO resource via GetFileVersionInfoSize/GetFileVersionInfo
// and VerQueryValue, all resolved dynamically from version.dll since
// golang.org/x/sys/windows does not wrap them directly.
func versionVendor(path string) (string, bool) {
	modVersion := windows.NewLazySystemDLL("version.dll")
	procSize := modVersion.NewProc("GetFileVersionInfoSizeW")
	procGet := modVersion.NewProc("GetFileVersionInfoW")
	procQuery := modVersion.NewProc("VerQueryValueW")

	p16, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return "", false
	}

	size, _, _ := procSize.Call(uintptr(unsafe.Pointer(p16)), 0)
	if size == 0 {
		return "", false
	}

	buf := make([]byte, size)
	ok, _, _ := procGet.Call(uintptr(unsafe.Pointer(p16)), 0, size, uintptr(unsafe.Pointer(&buf[0])))
	if ok == 0 {
		return "", false
	}

	sub, err := syscall.UTF16PtrFromString(`\StringFileInfo\040904b0\CompanyName`)
	if err != nil {
		return "", false
	}
	var valuePtr uintptr
	var valueLen uint32
	r, _, _ := procQuery.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(sub)),
		uintptr(unsafe.Pointer(&valuePtr)),
		uintptr(unsafe.Pointer(&valueLen)),
	)
	if r == 0 || valuePtr == 0 || valueLen == 0 {
		return "", false
	}

	out := windows.UTF16ToString(unsafe.Slice((*uint16)(unsafe.Pointer(valuePtr)), valueLen))
	out = strings.TrimRight(out, "\x00")
	if out == "" {
		return "", false
	}
	return out, true
}

// recognizedVendor matches, case-insensitively, against the fixed set of
// trusted publisher substrings (the same substrings as the trusted-publisher
// list in internal/pathclass); it is used only to populate
// ProcessFact.IsSigned.
func recognizedVendor(vendor string) bool {
	v := strings.ToLower(vendor)
	for _, known := range []string{
		"microsoft", "intel", "nvidia", "amd", "advanced micro devices",
		"google", "mozilla", "apple", "adobe", "dell", "hp inc", "hewlett-packard",
		"logitech", "realtek", "synaptics",
	} {
		if strings.Contains(v, known) {
			return true
		}
	}
	return false
}

// isService performs a best-effort check against the Windows Service
// Control Manager: pid is a service host iff it belongs to a running
// service process (svchost.exe hosting one or more services, or a
// dedicated service binary). Failure to query the SCM yields false rather
// than propagating an error, per spec §4.1.
func isService(pid int, _ *factmodel.ProcessFact) bool {
	m, err := openSCManager()
	if err != nil {
		return false
	}
	defer m.Disconnect()
	return m.hostsPID(uint32(pid))
}

// isHiddenWindow enumerates top-level windows and reports whether pid owns
// at least one visible window; a process with zero visible top-level
// windows is "hidden".
func isHiddenWindow(pid int) bool {
	hasVisible := false
	cb := syscall.NewCallback(func(hwnd windows.HWND, _ uintptr) uintptr {
		var owner uint32
		windows.GetWindowThreadProcessId(hwnd, &owner)
		if owner != uint32(pid) {
			return 1 // continue enumeration
		}
		if windows.IsWindowVisible(hwnd) {
			hasVisible = true
			return 0 // stop: found one
		}
		return 1
	})
	_ = windows.EnumWindows(cb, 0)
	return !hasVisible
}

// isElevated reports whether pid's primary token carries an elevated UAC
// token (TokenElevationTypeFull / TokenElevationTypeDefault-with-admin).
// Failure to open the process token yields false.
func isElevated(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var token windows.Token
	if err := windows.OpenProcessToken(h, windows.TOKEN_QUERY, &token); err != nil {
		return false
	}
	defer token.Close()

	return token.IsElevated()
}
