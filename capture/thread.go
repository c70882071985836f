// Package capture implements spec.md §3/§4.C: ownership of a native
// thread handle, its cached register context, and the suspend/resume/
// wait/release/close lifecycle the hijack orchestrator drives.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cheatron/nthread/errdefs"
	"github.com/cheatron/nthread/internal/winapi"
)

// scratchStackMargin is the fixed 8192-byte margin spec.md §4.C's
// calc_stack_begin reserves below the thread's own RSP.
const scratchStackMargin = 8192

// Thread owns a native thread handle exclusively, releasing it only
// via Close. It caches the register context read from hardware and
// mutates that cache between hardware round-trips, per spec.md §3.
type Thread struct {
	handle winapi.Thread
	log    *logrus.Entry

	// CallMu serialises in-thread calls on this captured thread
	// (spec.md §5: "threadCall must be serialised per captured
	// thread"; DESIGN.md resolves the Open Question in favor of an
	// internal lock over a caller convention).
	CallMu sync.Mutex

	mu            sync.Mutex
	savedContext  *winapi.Context
	latestContext *winapi.Context
	fetched       bool
	suspendCount  int
	sleepAddress  uintptr
	regKey        winapi.Register
	callRSP       uintptr
}

// Adopt wraps an already-open native handle, transferring its
// ownership to the returned Thread (spec.md §4.C "adoption").
func Adopt(handle winapi.Thread, sleepAddress uintptr, regKey winapi.Register) *Thread {
	return &Thread{
		handle:       handle,
		log:          logrus.WithField("component", "capture").WithField("tid", handle.TID()),
		sleepAddress: sleepAddress,
		regKey:       regKey,
	}
}

// Open acquires a handle to tid via opener and wraps it, as above.
func Open(opener winapi.ThreadOpener, tid, pid uint32, sleepAddress uintptr, regKey winapi.Register) (*Thread, error) {
	h, err := opener.Open(tid, pid)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: opening thread %d", tid)
	}
	return Adopt(h, sleepAddress, regKey), nil
}

// TID returns the underlying thread's OS identifier.
func (t *Thread) TID() uint32 { return t.handle.TID() }

// SleepAddress returns the specific sleep gadget this thread is parked
// at.
func (t *Thread) SleepAddress() uintptr { return t.sleepAddress }

// RegKey returns which register the pivot gadget pops for this
// thread.
func (t *Thread) RegKey() winapi.Register { return t.regKey }

// CallRSP returns the precomputed stack pointer used for every
// in-thread call on this captured thread (spec.md §4.D step 4).
func (t *Thread) CallRSP() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callRSP
}

// SetCallRSP records the call_rsp computed during inject.
func (t *Thread) SetCallRSP(rsp uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callRSP = rsp
}

// Suspend increments the suspend count. A failed suspend does not
// increment it (spec.md §4.C).
func (t *Thread) Suspend() error {
	if err := t.handle.Suspend(); err != nil {
		return errors.Wrap(err, "capture: suspend")
	}
	t.mu.Lock()
	t.suspendCount++
	t.mu.Unlock()
	return nil
}

// Resume decrements the suspend count. A failed resume does not
// decrement it, by symmetry with Suspend.
func (t *Thread) Resume() error {
	if err := t.handle.Resume(); err != nil {
		return errors.Wrap(err, "capture: resume")
	}
	t.mu.Lock()
	if t.suspendCount > 0 {
		t.suspendCount--
	}
	t.mu.Unlock()
	return nil
}

// Terminate forces the underlying thread to exit with the given code.
func (t *Thread) Terminate(exitCode uint32) error {
	if err := t.handle.Terminate(exitCode); err != nil {
		return errors.Wrap(err, "capture: terminate")
	}
	return nil
}

// IsValid reports whether the underlying handle still refers to a
// live thread.
func (t *Thread) IsValid() bool { return t.handle.IsValid() }

// GetExitCode returns the thread's exit code, if it has exited.
func (t *Thread) GetExitCode() (code uint32, exited bool, err error) {
	return t.handle.GetExitCode()
}

// SuspendCount returns the current balanced suspend count.
func (t *Thread) SuspendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendCount
}

// FetchContext reads hardware into the cache.
func (t *Thread) FetchContext() error {
	ctx, err := t.handle.GetContext(winapi.ContextIntegerAndControl)
	if err != nil {
		return errors.Wrap(err, "capture: fetch context")
	}
	t.mu.Lock()
	t.latestContext = ctx
	t.fetched = true
	t.mu.Unlock()
	return nil
}

// ApplyContext writes the cache to hardware.
func (t *Thread) ApplyContext() error {
	t.mu.Lock()
	ctx := t.latestContext
	t.mu.Unlock()
	if ctx == nil {
		return errors.New("capture: apply_context called before any fetch_context")
	}
	if err := t.handle.SetContext(ctx); err != nil {
		return errors.Wrap(err, "capture: apply context")
	}
	return nil
}

// requireCache returns the cached context or an error if no fetch has
// happened yet (SPEC_FULL.md's context-cache staleness guard).
func (t *Thread) requireCache() (*winapi.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fetched {
		return nil, errdefs.InvalidParameter(errors.New("capture: register cache read before any fetch_context"))
	}
	return t.latestContext, nil
}

// Rip returns the cached Rip value.
func (t *Thread) Rip() (uint64, error) {
	c, err := t.requireCache()
	if err != nil {
		return 0, err
	}
	return c.Rip, nil
}

// SetRip mutates the cached Rip value.
func (t *Thread) SetRip(v uint64) error {
	c, err := t.requireCache()
	if err != nil {
		return err
	}
	c.Rip = v
	return nil
}

// Rsp returns the cached Rsp value.
func (t *Thread) Rsp() (uint64, error) {
	c, err := t.requireCache()
	if err != nil {
		return 0, err
	}
	return c.Rsp, nil
}

// SetRsp mutates the cached Rsp value.
func (t *Thread) SetRsp(v uint64) error {
	c, err := t.requireCache()
	if err != nil {
		return err
	}
	c.Rsp = v
	return nil
}

// TargetReg returns the cached value of this thread's pivot register.
func (t *Thread) TargetReg() (uint64, error) {
	c, err := t.requireCache()
	if err != nil {
		return 0, err
	}
	return c.Reg(t.regKey), nil
}

// SetTargetReg mutates the cached value of this thread's pivot
// register.
func (t *Thread) SetTargetReg(v uint64) error {
	c, err := t.requireCache()
	if err != nil {
		return err
	}
	c.SetReg(t.regKey, v)
	return nil
}

// SetCallArgs loads up to 4 arguments into the Microsoft x64
// calling-convention registers Rcx, Rdx, R8, R9 in order, zero-filling
// any remaining argument registers (spec.md §4.D).
func (t *Thread) SetCallArgs(args []uint64) error {
	c, err := t.requireCache()
	if err != nil {
		return err
	}
	var slots [4]uint64
	copy(slots[:], args)
	c.Rcx, c.Rdx, c.R8, c.R9 = slots[0], slots[1], slots[2], slots[3]
	return nil
}

// Rax returns the cached Rax value, used to read a call's return
// value.
func (t *Thread) Rax() (uint64, error) {
	c, err := t.requireCache()
	if err != nil {
		return 0, err
	}
	return c.Rax, nil
}

// CacheSnapshot returns a defensive copy of the cached context, for
// callers (the orchestrator) that need to read Rax or stash the full
// register set.
func (t *Thread) CacheSnapshot() (*winapi.Context, error) {
	c, err := t.requireCache()
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// SetSavedContext stashes the snapshot that Release restores the
// thread to.
func (t *Thread) SetSavedContext(ctx *winapi.Context) {
	t.mu.Lock()
	t.savedContext = ctx.Clone()
	t.mu.Unlock()
}

// SavedContext returns a copy of the stashed restoration snapshot, if
// any has been set.
func (t *Thread) SavedContext() *winapi.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.savedContext == nil {
		return nil
	}
	return t.savedContext.Clone()
}

// OverwriteSavedFields overwrites Rip/Rsp/the pivot register in the
// saved context with the given originals, per spec.md §4.D step 7.
func (t *Thread) OverwriteSavedFields(rip, rsp, regVal uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.savedContext == nil {
		t.savedContext = &winapi.Context{}
	}
	t.savedContext.Rip = rip
	t.savedContext.Rsp = rsp
	t.savedContext.SetReg(t.regKey, regVal)
	t.savedContext.Flags = winapi.ContextIntegerAndControl
}

// CalcStackBegin computes the 16-byte-aligned scratch stack spec.md
// §4.C specifies: well below baseRsp so nothing on the thread's active
// stack is clobbered, and aligned for SSE-using callees.
func CalcStackBegin(baseRsp uint64) uint64 {
	lowered := baseRsp - scratchStackMargin
	return lowered &^ 0xF
}

// Release restores the thread to saved_context and resumes it.
// Idempotent if the thread is alive; swallows errors if the thread has
// died (spec.md §4.C, §7).
func (t *Thread) Release() error {
	if err := t.Suspend(); err != nil {
		t.log.WithError(err).Debug("release: suspend failed, thread likely dead")
		return nil
	}
	saved := t.SavedContext()
	if saved != nil {
		t.mu.Lock()
		t.latestContext = saved
		t.fetched = true
		t.mu.Unlock()
		if err := t.ApplyContext(); err != nil {
			t.log.WithError(err).Debug("release: apply failed, thread likely dead")
		}
	}
	if err := t.Resume(); err != nil {
		t.log.WithError(err).Debug("release: resume failed, thread likely dead")
	}
	return nil
}

// Close performs a best-effort Release, drains any residual suspend
// count so the thread is never left over-suspended, then closes the
// handle. Idempotent.
func (t *Thread) Close() error {
	_ = t.Release()
	for t.SuspendCount() > 0 {
		if err := t.Resume(); err != nil {
			break
		}
	}
	if err := t.handle.Close(); err != nil {
		return errors.Wrap(err, "capture: close handle")
	}
	return nil
}

// Wait polls the hardware context every config-interval until Rip
// equals sleepAddress, the thread exits, or timeout/ctx elapses — the
// cooperative polling wait spec.md §4.C/§9 specifies. It yields each
// iteration (via the ticker channel receive) so concurrent work on
// other captured threads is never blocked.
func (t *Thread) Wait(ctx context.Context, pollInterval, timeout time.Duration) (winapi.WaitResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := t.FetchContext(); err != nil {
			res, werr := t.handle.Wait(0)
			if werr != nil {
				return winapi.WaitFailed, errors.Wrap(werr, "capture: wait probe")
			}
			if res == winapi.WaitObject0 {
				return winapi.WaitFailed, nil
			}
			return res, nil
		}
		rip, err := t.Rip()
		if err == nil && rip == t.sleepAddress {
			return winapi.WaitObject0, nil
		}
		if time.Now().After(deadline) {
			return winapi.WaitTimeout, nil
		}
		select {
		case <-ctx.Done():
			return winapi.WaitTimeout, ctx.Err()
		case <-ticker.C:
		}
	}
}
