package hijack_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/capture"
	"github.com/cheatron/nthread/hijack"
	"github.com/cheatron/nthread/internal/faketest"
	"github.com/cheatron/nthread/internal/winapi"
	"github.com/cheatron/nthread/proxy"
)

func newOrchestrator(h *faketest.Harness) *hijack.Orchestrator {
	return hijack.New(h.Scanner, h.Asm(), h.Opener, faketest.NewProcessMemory(h.Mem))
}

func TestInjectThenCallMalloc(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)

	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	ret, err := p.CRT("malloc", 16)
	require.NoError(t, err)
	assert.NotZero(t, ret)
}

func TestInjectOnUnknownTIDFails(t *testing.T) {
	h := faketest.NewHarness()
	o := newOrchestrator(h)

	_, _, err := o.Inject(99)
	assert.Error(t, err)
}

func TestThreadCallRejectsTooManyArgs(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	_, err = p.Call(0x1234, 1, 2, 3, 4, 5)
	var tooMany hijack.TooManyArgs
	assert.ErrorAs(t, err, &tooMany)
}

func TestThreadCallRipMismatch(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	// Adopt directly with a sleep address the thread isn't actually
	// parked at, bypassing inject, to simulate an escaped park.
	captured := capture.Adopt(ft, 0xBADADD, winapi.RBX)
	o := newOrchestrator(h)

	_, err := o.ThreadCall(captured, 0x1234, nil, 5*time.Second)
	var mismatch hijack.RipMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestThreadCallObservesThreadDeath(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	exitAddr := h.NewExitThread()
	_, err = p.Call(exitAddr, 7)
	var died hijack.ThreadDied
	assert.ErrorAs(t, err, &died)
}

func TestThreadCloseWithSuicideTerminatesThread(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	o := newOrchestrator(h)
	p, _, err := o.Inject(1)
	require.NoError(t, err)

	code := uint32(42)
	require.NoError(t, p.Close(&code))
	assert.False(t, ft.IsValid())
	gotCode, exited, _ := ft.GetExitCode()
	assert.True(t, exited)
	assert.Equal(t, code, gotCode)
}

func TestThreadAllocFillZeroUsesCalloc(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	zero := byte(0)
	addr, err := p.Alloc(8, proxy.AllocOpts{Fill: &zero})
	require.NoError(t, err)
	assert.NotZero(t, addr)
}
