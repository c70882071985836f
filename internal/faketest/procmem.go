package faketest

import (
	"fmt"

	"github.com/cheatron/nthread/internal/winapi"
)

// ProcessMemory is a winapi.ProcessMemory fake backed directly by a
// simulated Memory, standing in for direct current-process access.
type ProcessMemory struct {
	mem *Memory
}

// NewProcessMemory wraps mem as a winapi.ProcessMemory.
func NewProcessMemory(mem *Memory) *ProcessMemory { return &ProcessMemory{mem: mem} }

func (p *ProcessMemory) Read(addr uintptr, size int) ([]byte, error) {
	return p.mem.Read(addr, size), nil
}

func (p *ProcessMemory) Write(addr uintptr, data []byte) (int, error) {
	p.mem.Write(addr, data)
	return len(data), nil
}

func (p *ProcessMemory) WriteWithPointer(addr uintptr, src uintptr, size int) (int, error) {
	data := p.mem.Read(src, size)
	p.mem.Write(addr, data)
	return size, nil
}

func (p *ProcessMemory) Alloc(size int, protect winapi.AllocProtect) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("faketest: alloc size must be positive")
	}
	return p.mem.Bump(size), nil
}

func (p *ProcessMemory) Free(addr uintptr) error { return nil }
