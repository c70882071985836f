//go:build windows

package winapi

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const (
	threadAllAccess = 0x1FFFFF
	stillActive     = 259
)

// osThread is the real Thread implementation, backed by a Windows
// thread handle acquired via OpenThread or adopted from a caller.
type osThread struct {
	mu     sync.Mutex
	tid    uint32
	handle windows.Handle
	closed bool
}

type osThreadOpener struct{}

// NewThreadOpener returns the production ThreadOpener for real Windows
// thread handles.
func NewThreadOpener() ThreadOpener { return osThreadOpener{} }

func (osThreadOpener) Open(tid uint32, pid uint32) (Thread, error) {
	h, err := windows.OpenThread(threadAllAccess, false, tid)
	if err != nil {
		return nil, errors.Wrapf(err, "winapi: OpenThread(%d)", tid)
	}
	return &osThread{tid: tid, handle: h}, nil
}

// AdoptThread wraps an already-open handle, transferring ownership to
// the returned Thread (spec.md §4.C "adoption").
func AdoptThread(tid uint32, handle windows.Handle) Thread {
	return &osThread{tid: tid, handle: handle}
}

func (t *osThread) TID() uint32 { return t.tid }

func (t *osThread) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := windows.SuspendThread(t.handle); err != nil {
		return errors.Wrap(err, "winapi: SuspendThread")
	}
	return nil
}

func (t *osThread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := windows.ResumeThread(t.handle); err != nil {
		return errors.Wrap(err, "winapi: ResumeThread")
	}
	return nil
}

func (t *osThread) GetContext(flags ContextFlags) (*Context, error) {
	var raw windows.Context
	raw.ContextFlags = uint32(toNativeFlags(flags)) | windows.CONTEXT_AMD64
	if err := windows.GetThreadContext(t.handle, &raw); err != nil {
		return nil, errors.Wrap(err, "winapi: GetThreadContext")
	}
	return fromNativeContext(&raw, flags), nil
}

func (t *osThread) SetContext(ctx *Context) error {
	var raw windows.Context
	raw.ContextFlags = uint32(toNativeFlags(ctx.Flags)) | windows.CONTEXT_AMD64
	toNativeContext(ctx, &raw)
	if err := windows.SetThreadContext(t.handle, &raw); err != nil {
		return errors.Wrap(err, "winapi: SetThreadContext")
	}
	return nil
}

func (t *osThread) Wait(timeoutMS uint32) (WaitResult, error) {
	ev, err := windows.WaitForSingleObject(t.handle, timeoutMS)
	switch {
	case err != nil:
		return WaitFailed, errors.Wrap(err, "winapi: WaitForSingleObject")
	case ev == windows.WAIT_OBJECT_0:
		return WaitObject0, nil
	case ev == uint32(windows.WAIT_TIMEOUT):
		return WaitTimeout, nil
	default:
		return WaitFailed, nil
	}
}

func (t *osThread) Terminate(exitCode uint32) error {
	if err := windows.TerminateThread(t.handle, exitCode); err != nil {
		return errors.Wrap(err, "winapi: TerminateThread")
	}
	return nil
}

func (t *osThread) IsValid() bool {
	_, exited, err := t.GetExitCode()
	return err == nil && !exited
}

func (t *osThread) GetExitCode() (uint32, bool, error) {
	var code uint32
	if err := windows.GetExitCodeThread(t.handle, &code); err != nil {
		return 0, false, errors.Wrap(err, "winapi: GetExitCodeThread")
	}
	return code, code != stillActive, nil
}

func (t *osThread) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := windows.CloseHandle(t.handle); err != nil {
		return errors.Wrap(err, "winapi: CloseHandle")
	}
	return nil
}

func toNativeFlags(f ContextFlags) uint32 {
	var n uint32
	if f&ContextControl != 0 {
		n |= windows.CONTEXT_CONTROL
	}
	if f&ContextInteger != 0 {
		n |= windows.CONTEXT_INTEGER
	}
	return n
}

func fromNativeContext(raw *windows.Context, flags ContextFlags) *Context {
	return &Context{
		Flags:  flags,
		EFlags: raw.EFlags,
		Rax:    raw.Rax, Rcx: raw.Rcx, Rdx: raw.Rdx, Rbx: raw.Rbx,
		Rsp: raw.Rsp, Rbp: raw.Rbp, Rsi: raw.Rsi, Rdi: raw.Rdi,
		R8: raw.R8, R9: raw.R9, R10: raw.R10, R11: raw.R11,
		R12: raw.R12, R13: raw.R13, R14: raw.R14, R15: raw.R15,
		Rip: raw.Rip,
	}
}

func toNativeContext(c *Context, raw *windows.Context) {
	raw.EFlags = c.EFlags
	raw.Rax, raw.Rcx, raw.Rdx, raw.Rbx = c.Rax, c.Rcx, c.Rdx, c.Rbx
	raw.Rsp, raw.Rbp, raw.Rsi, raw.Rdi = c.Rsp, c.Rbp, c.Rsi, c.Rdi
	raw.R8, raw.R9, raw.R10, raw.R11 = c.R8, c.R9, c.R10, c.R11
	raw.R12, raw.R13, raw.R14, raw.R15 = c.R12, c.R13, c.R14, c.R15
	raw.Rip = c.Rip
}
