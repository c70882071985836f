package faketest

import (
	"github.com/cheatron/nthread/internal/winapi"
)

// Harness wires a CPU, a module scanner image, pre-resolved CRT
// exports and a pool of sleep/pivot gadgets into one simulated
// environment, matching the shape `gadget.Registry` and
// `crtres.Resolver` expect to discover in a real process.
type Harness struct {
	Mem     *Memory
	CPU     *CPU
	Scanner *ModuleScanner
	Crt     *CrtHeap
	Opener  *Opener
	asm     winapi.Assembler

	nextAddr uintptr
}

// NewHarness builds a ready-to-use simulated environment with one
// sleep gadget, one pivot gadget per register in spec.md §4.A's
// priority list, and all ten msvcrt exports resolvable.
func NewHarness() *Harness {
	mem := NewMemory(0x0000700000000000, 1<<20)
	cpu := NewCPU(mem)
	h := &Harness{
		Mem:      mem,
		CPU:      cpu,
		Scanner:  NewModuleScanner(),
		Crt:      NewCrtHeap(mem),
		Opener:   NewOpener(),
		asm:      winapi.NewAssembler(),
		nextAddr: 0x0000700010000000,
	}
	h.seedGadgets()
	h.seedCrt()
	return h
}

func (h *Harness) alloc(n int) uintptr {
	addr := h.nextAddr
	h.nextAddr += uintptr(n)
	return addr
}

func (h *Harness) seedGadgets() {
	const image = winapi.ModuleNtdll
	jmp := h.asm.JmpSelf()
	base := h.alloc(len(jmp) + 64)
	h.CPU.SleepAddrs[base] = true

	registers := []winapi.Register{winapi.RBX, winapi.RBP, winapi.RDI, winapi.RSI}
	blob := append([]byte{}, jmp...)
	offsets := map[winapi.Register]int{}
	for _, r := range registers {
		push, _ := h.asm.PushRegRet(r)
		offsets[r] = len(blob)
		blob = append(blob, push...)
	}
	h.Scanner.SetImage(image, base, blob)
	for r, off := range offsets {
		h.CPU.PivotAddrs[base+uintptr(off)] = r
	}
}

// AddSleepGadget registers an additional sleep gadget address, useful
// for tests exercising pick_sleep's randomisation.
func (h *Harness) AddSleepGadget() uintptr {
	addr := h.alloc(16)
	h.CPU.SleepAddrs[addr] = true
	return addr
}

func (h *Harness) seedCrt() {
	funcs := h.Crt.Funcs()
	for _, name := range winapi.CRTExports {
		addr := h.alloc(8)
		h.CPU.Funcs[addr] = funcs[name]
		h.Scanner.SetProc(winapi.ModuleMsvcrt, name, addr)
	}
}

// SpawnThread creates a thread already parked at the harness's sleep
// gadget, as if the target had been executing `jmp .` from the start,
// and registers it for the given tid.
func (h *Harness) SpawnThread(tid uint32) *FakeThread {
	var sleepAddr uintptr
	for a := range h.CPU.SleepAddrs {
		sleepAddr = a
		break
	}
	t := NewThread(h.CPU, tid, sleepAddr)
	h.Opener.Add(t)
	return t
}

// Asm returns the harness's assembler, for constructing components
// (e.g. gadget.Registry, hijack.Orchestrator) that need to encode
// patterns themselves.
func (h *Harness) Asm() winapi.Assembler { return h.asm }

// NewExitThread registers a synthetic ExitThread-like export: calling
// it terminates the thread instead of returning.
func (h *Harness) NewExitThread() uintptr {
	addr := h.alloc(8)
	h.CPU.RegisterExitThread(addr)
	return addr
}

// NewFunc registers an arbitrary test function as an in-thread call
// target and returns its address.
func (h *Harness) NewFunc(fn NativeFunc) uintptr {
	addr := h.alloc(8)
	h.CPU.Funcs[addr] = fn
	return addr
}
