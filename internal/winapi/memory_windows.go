//go:build windows

package winapi

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// osProcessMemory implements the attacker-side (current process)
// memory contract directly against the process's own address space.
type osProcessMemory struct{}

// NewProcessMemory returns the production ProcessMemory for the
// current process.
func NewProcessMemory() ProcessMemory { return osProcessMemory{} }

func (osProcessMemory) Read(addr uintptr, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	copy(buf, src)
	return buf, nil
}

func (osProcessMemory) Write(addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	return copy(dst, data), nil
}

func (m osProcessMemory) WriteWithPointer(addr uintptr, src uintptr, size int) (int, error) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	return m.Write(addr, data)
}

func (osProcessMemory) Alloc(size int, protect AllocProtect) (uintptr, error) {
	prot := uint32(windows.PAGE_READWRITE)
	if protect == ProtectExecuteReadWrite {
		prot = windows.PAGE_EXECUTE_READWRITE
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, prot)
	if err != nil {
		return 0, errors.Wrap(err, "winapi: VirtualAlloc")
	}
	return addr, nil
}

func (osProcessMemory) Free(addr uintptr) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return errors.Wrap(err, "winapi: VirtualFree")
	}
	return nil
}
