// Package faketest provides deterministic, synchronous fakes for the
// native contracts defined in internal/winapi, so the hijack state
// machine, the memset writer, the RO registry and the heap can be
// fully exercised without a real Windows process. It plays the role a
// mock HTTP transport or an in-memory store plays in the teacher's own
// test suites: a faithful but synchronous stand-in for an external
// system.
package faketest

import (
	"encoding/binary"
	"fmt"
)

// Memory is a flat, bump-allocated simulated address space standing in
// for "the target process's memory" in tests.
type Memory struct {
	base uintptr
	buf  []byte
	bump int
}

// NewMemory allocates a simulated address space of size bytes based at
// base (an arbitrary non-zero value so zero never looks like a valid
// pointer).
func NewMemory(base uintptr, size int) *Memory {
	return &Memory{base: base, buf: make([]byte, size)}
}

func (m *Memory) Base() uintptr { return m.base }

func (m *Memory) contains(addr uintptr, size int) bool {
	if addr < m.base {
		return false
	}
	off := int(addr - m.base)
	return off >= 0 && off+size <= len(m.buf)
}

func (m *Memory) Read(addr uintptr, size int) []byte {
	if size == 0 {
		return nil
	}
	if !m.contains(addr, size) {
		panic(fmt.Sprintf("faketest: read out of bounds at %#x size %d", addr, size))
	}
	off := int(addr - m.base)
	out := make([]byte, size)
	copy(out, m.buf[off:off+size])
	return out
}

func (m *Memory) Write(addr uintptr, data []byte) {
	if len(data) == 0 {
		return
	}
	if !m.contains(addr, len(data)) {
		panic(fmt.Sprintf("faketest: write out of bounds at %#x size %d", addr, len(data)))
	}
	off := int(addr - m.base)
	copy(m.buf[off:off+len(data)], data)
}

func (m *Memory) Read8(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.Read(addr, 8))
}

func (m *Memory) Write8(addr uintptr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(addr, b[:])
}

// Bump reserves size bytes 16-byte aligned from the end of the space
// used so far and returns its address, simulating the CRT heap.
func (m *Memory) Bump(size int) uintptr {
	aligned := (m.bump + 15) &^ 15
	if aligned+size > len(m.buf) {
		panic("faketest: simulated heap exhausted")
	}
	addr := m.base + uintptr(aligned)
	m.bump = aligned + size
	return addr
}
