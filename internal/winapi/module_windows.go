//go:build windows

package winapi

import (
	"bytes"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// osModuleScanner locates byte patterns across the executable pages of
// a fixed set of system modules, and resolves exported symbols.
type osModuleScanner struct {
	pid uint32
}

// NewModuleScanner returns the production ModuleScanner, scoped to the
// given process (0 means the current process).
func NewModuleScanner(pid uint32) ModuleScanner { return osModuleScanner{pid: pid} }

func (s osModuleScanner) Scan(modules []ModuleName, pattern []byte) ([]uintptr, error) {
	var matches []uintptr
	for _, m := range modules {
		base, size, err := s.moduleRange(m)
		if err != nil {
			// A named module may legitimately not be loaded; skip it
			// rather than fail the whole scan.
			continue
		}
		found, err := s.scanRange(base, size, pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "winapi: scanning %s", m)
		}
		matches = append(matches, found...)
	}
	return matches, nil
}

func (s osModuleScanner) moduleRange(name ModuleName) (base uintptr, size uintptr, err error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, s.pid)
	if err != nil {
		return 0, 0, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Module32First(snap, &entry); err != nil {
		return 0, 0, errors.Wrap(err, "Module32First")
	}
	for {
		modName := strings.ToLower(windows.UTF16ToString(entry.Module[:]))
		if modName == strings.ToLower(string(name)) {
			return uintptr(unsafe.Pointer(entry.ModBaseAddr)), uintptr(entry.ModBaseSize), nil
		}
		if err := windows.Module32Next(snap, &entry); err != nil {
			break
		}
	}
	return 0, 0, errors.Errorf("module %s not found", name)
}

// scanRange walks the module's address range page by page, restricting
// the search to pages that carry execute protection, and returns every
// offset at which pattern matches exactly.
func (s osModuleScanner) scanRange(base, size uintptr, pattern []byte) ([]uintptr, error) {
	var matches []uintptr
	var mbi windows.MemoryBasicInformation
	addr := base
	end := base + size
	for addr < end {
		if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return nil, errors.Wrap(err, "VirtualQuery")
		}
		if isExecutable(mbi.Protect) {
			region := unsafe.Slice((*byte)(unsafe.Pointer(mbi.BaseAddress)), int(mbi.RegionSize))
			for off := 0; off+len(pattern) <= len(region); off++ {
				if bytes.Equal(region[off:off+len(pattern)], pattern) {
					matches = append(matches, mbi.BaseAddress+uintptr(off))
				}
			}
		}
		addr = mbi.BaseAddress + mbi.RegionSize
	}
	return matches, nil
}

func isExecutable(protect uint32) bool {
	const (
		pageExecute         = 0x10
		pageExecuteRead     = 0x20
		pageExecuteReadwrite = 0x40
		pageExecuteWritecopy = 0x80
	)
	switch protect &^ 0x100 { // strip PAGE_GUARD if present
	case pageExecute, pageExecuteRead, pageExecuteReadwrite, pageExecuteWritecopy:
		return true
	default:
		return false
	}
}

func (s osModuleScanner) GetProcAddress(module ModuleName, name string) (uintptr, error) {
	dll, err := windows.LoadLibrary(string(module))
	if err != nil {
		return 0, errors.Wrapf(err, "LoadLibrary(%s)", module)
	}
	addr, err := windows.GetProcAddress(dll, name)
	if err != nil {
		return 0, errors.Wrapf(err, "GetProcAddress(%s, %s)", module, name)
	}
	return addr, nil
}
