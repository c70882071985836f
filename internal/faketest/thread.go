package faketest

import (
	"fmt"

	"github.com/cheatron/nthread/internal/winapi"
)

// NativeFunc simulates a function the hijacked thread can be steered
// into calling: msvcrt exports, ExitThread, and any test-registered
// target. It receives the Microsoft x64 argument registers and the
// shared Memory, and returns the value that lands in Rax.
type NativeFunc func(mem *Memory, a0, a1, a2, a3 uint64) uint64

// CPU is the shared "hardware" a set of FakeThreads execute against:
// gadget addresses, a function table, and the backing memory.
type CPU struct {
	Mem         *Memory
	SleepAddrs  map[uintptr]bool
	PivotAddrs  map[uintptr]winapi.Register
	Funcs       map[uintptr]NativeFunc
	ExitThreads map[uintptr]bool
}

// NewCPU constructs an empty simulated CPU over mem.
func NewCPU(mem *Memory) *CPU {
	return &CPU{
		Mem:         mem,
		SleepAddrs:  map[uintptr]bool{},
		PivotAddrs:  map[uintptr]winapi.Register{},
		Funcs:       map[uintptr]NativeFunc{},
		ExitThreads: map[uintptr]bool{},
	}
}

// RegisterExitThread marks addr as the synthetic ExitThread export: a
// call to it never returns and instead kills the thread.
func (c *CPU) RegisterExitThread(addr uintptr) { c.ExitThreads[addr] = true }

// FakeThread is a deterministic winapi.Thread. Because tests are
// single-threaded, Resume runs the simulated CPU synchronously until
// the thread re-parks at a sleep gadget or dies; a subsequent
// GetContext simply observes the already-settled state, which is
// externally indistinguishable from a real thread having raced ahead
// between a poll and the next.
type FakeThread struct {
	cpu          *CPU
	tid          uint32
	ctx          winapi.Context
	suspendCount int
	exited       bool
	exitCode     uint32
	maxSteps     int
}

// fakeStackSize is the size of the simulated stack each fake thread
// owns; inject carves its scratch stack from below the thread's Rsp.
const fakeStackSize = 64 << 10

// NewThread creates a fake thread already parked at sleepAddr, as if
// it had been spawned executing `jmp .`, with its own stack reserved
// from cpu.Mem and Rsp at the top of it.
func NewThread(cpu *CPU, tid uint32, sleepAddr uintptr) *FakeThread {
	stack := cpu.Mem.Bump(fakeStackSize)
	return &FakeThread{
		cpu: cpu,
		tid: tid,
		ctx: winapi.Context{
			Flags: winapi.ContextIntegerAndControl,
			Rip:   uint64(sleepAddr),
			Rsp:   uint64(stack + fakeStackSize),
		},
		maxSteps: 10000,
	}
}

func (t *FakeThread) TID() uint32 { return t.tid }

func (t *FakeThread) Suspend() error {
	t.suspendCount++
	return nil
}

func (t *FakeThread) Resume() error {
	if t.suspendCount == 0 {
		return fmt.Errorf("faketest: resume without matching suspend")
	}
	t.suspendCount--
	if t.suspendCount == 0 && !t.exited {
		t.run()
	}
	return nil
}

func (t *FakeThread) GetContext(flags winapi.ContextFlags) (*winapi.Context, error) {
	if t.exited {
		return nil, fmt.Errorf("faketest: thread %d has exited", t.tid)
	}
	cp := t.ctx
	cp.Flags = flags
	return &cp, nil
}

func (t *FakeThread) SetContext(ctx *winapi.Context) error {
	if t.exited {
		return fmt.Errorf("faketest: thread %d has exited", t.tid)
	}
	t.ctx = *ctx
	return nil
}

func (t *FakeThread) Wait(timeoutMS uint32) (winapi.WaitResult, error) {
	if t.exited {
		return winapi.WaitObject0, nil
	}
	return winapi.WaitTimeout, nil
}

func (t *FakeThread) Terminate(exitCode uint32) error {
	t.exited = true
	t.exitCode = exitCode
	return nil
}

func (t *FakeThread) IsValid() bool { return !t.exited }

func (t *FakeThread) GetExitCode() (uint32, bool, error) {
	return t.exitCode, t.exited, nil
}

func (t *FakeThread) Close() error { return nil }

// run advances the simulated CPU from the thread's current Rip until
// it settles at a sleep gadget or the thread exits.
func (t *FakeThread) run() {
	for step := 0; step < t.maxSteps; step++ {
		rip := uintptr(t.ctx.Rip)
		switch {
		case t.cpu.SleepAddrs[rip]:
			return // parked
		case t.cpu.ExitThreads[rip]:
			t.exited = true
			t.exitCode = uint32(t.ctx.Rcx)
			return
		default:
			if reg, ok := t.cpu.PivotAddrs[rip]; ok {
				t.execPivot(reg)
				continue
			}
			if fn, ok := t.cpu.Funcs[rip]; ok {
				t.execCall(fn)
				continue
			}
			panic(fmt.Sprintf("faketest: thread %d jumped to unmapped address %#x", t.tid, rip))
		}
	}
	panic(fmt.Sprintf("faketest: thread %d did not settle within %d steps", t.tid, t.maxSteps))
}

// execPivot simulates `push reg; ret`.
func (t *FakeThread) execPivot(reg winapi.Register) {
	val := t.ctx.Reg(reg)
	t.ctx.Rsp -= 8
	t.cpu.Mem.Write8(uintptr(t.ctx.Rsp), val)
	t.ctx.Rip = t.cpu.Mem.Read8(uintptr(t.ctx.Rsp))
	t.ctx.Rsp += 8
}

// execCall simulates the Microsoft x64 call sequence: the callee reads
// Rcx/Rdx/R8/R9, the fake computes its result into Rax, then the
// callee's own `ret` pops the return address — which the orchestrator
// arranged to be the sleep gadget.
func (t *FakeThread) execCall(fn NativeFunc) {
	result := fn(t.cpu.Mem, t.ctx.Rcx, t.ctx.Rdx, t.ctx.R8, t.ctx.R9)
	t.ctx.Rax = result
	t.ctx.Rip = t.cpu.Mem.Read8(uintptr(t.ctx.Rsp))
	t.ctx.Rsp += 8
}

// Opener adapts a CPU's pre-registered threads to winapi.ThreadOpener.
type Opener struct {
	Threads map[uint32]*FakeThread
}

func NewOpener() *Opener { return &Opener{Threads: map[uint32]*FakeThread{}} }

func (o *Opener) Add(t *FakeThread) { o.Threads[t.TID()] = t }

func (o *Opener) Open(tid uint32, pid uint32) (winapi.Thread, error) {
	t, ok := o.Threads[tid]
	if !ok {
		return nil, fmt.Errorf("faketest: no such thread %d", tid)
	}
	return t, nil
}
