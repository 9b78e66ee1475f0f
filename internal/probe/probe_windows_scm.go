//go:build windows

package probe

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// scManager wraps a handle to the Windows Service Control Manager, used only
// to answer "does this pid host a running service" for ProcessFact.IsService
// — completing the open question left unresolved in the original source
// (see SPEC_FULL.md §4.1 SUPPLEMENTED).
type scManager struct {
	handle windows.Handle
}

func openSCManager() (*scManager, error) {
	h, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_ENUMERATE_SERVICE)
	if err != nil {
		return nil, err
	}
	return &scManager{handle: h}, nil
}

func (m *scManager) Disconnect() {
	_ = windows.CloseServiceHandle(m.handle)
}

// enumServiceStatusProcess mirrors ENUM_SERVICE_STATUS_PROCESSW enough to
// read the ProcessId field we need.
type enumServiceStatusProcess struct {
	ServiceName    *uint16
	DisplayName    *uint16
	ServiceStatus  windows.SERVICE_STATUS_PROCESS
}

// hostsPID reports whether any active Windows service is currently hosted
// by the process identified by pid.
func (m *scManager) hostsPID(pid uint32) bool {
	advapi32 := windows.NewLazySystemDLL("advapi32.dll")
	proc := advapi32.NewProc("EnumServicesStatusExW")

	const (
		scEnumProcessInfo = 0
		serviceWin32      = 0x0000003f // SERVICE_WIN32
		serviceStateAll   = 0x00000003 // SERVICE_STATE_ALL
	)

	var bytesNeeded, servicesReturned, resumeHandle uint32
	buf := make([]byte, 1)

	// First call discovers the required buffer size.
	proc.Call(
		uintptr(m.handle),
		uintptr(scEnumProcessInfo),
		uintptr(serviceWin32),
		uintptr(serviceStateAll),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&bytesNeeded)),
		uintptr(unsafe.Pointer(&servicesReturned)),
		uintptr(unsafe.Pointer(&resumeHandle)),
		0,
	)
	if bytesNeeded == 0 {
		return false
	}

	buf = make([]byte, bytesNeeded)
	ret, _, _ := proc.Call(
		uintptr(m.handle),
		uintptr(scEnumProcessInfo),
		uintptr(serviceWin32),
		uintptr(serviceStateAll),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&bytesNeeded)),
		uintptr(unsafe.Pointer(&servicesReturned)),
		uintptr(unsafe.Pointer(&resumeHandle)),
		0,
	)
	if ret == 0 || servicesReturned == 0 {
		return false
	}

	entrySize := unsafe.Sizeof(enumServiceStatusProcess{})
	for i := uint32(0); i < servicesReturned; i++ {
		entry := (*enumServiceStatusProcess)(unsafe.Pointer(&buf[uintptr(i)*entrySize]))
		if entry.ServiceStatus.ProcessId == pid {
			return true
		}
	}
	return false
}
