package capture_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/capture"
	"github.com/cheatron/nthread/internal/faketest"
	"github.com/cheatron/nthread/internal/winapi"
)

func TestSuspendResumeBalance(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	thread := capture.Adopt(ft, 0, winapi.RBX)
	require.NoError(t, thread.Suspend())
	require.NoError(t, thread.Suspend())
	assert.Equal(t, 2, thread.SuspendCount())
	require.NoError(t, thread.Resume())
	assert.Equal(t, 1, thread.SuspendCount())
	require.NoError(t, thread.Resume())
	assert.Equal(t, 0, thread.SuspendCount())
}

func TestFetchApplyContextRoundTrip(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	var sleepAddr uintptr
	for a := range h.CPU.SleepAddrs {
		sleepAddr = a
	}
	thread := capture.Adopt(ft, sleepAddr, winapi.RBX)

	require.NoError(t, thread.FetchContext())
	rip, err := thread.Rip()
	require.NoError(t, err)
	assert.Equal(t, uint64(sleepAddr), rip)

	require.NoError(t, thread.SetRip(0xdeadbeef))
	require.NoError(t, thread.ApplyContext())

	require.NoError(t, thread.FetchContext())
	rip2, err := thread.Rip()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), rip2)
}

func TestGettersRequireFetchFirst(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	thread := capture.Adopt(ft, 0, winapi.RBX)

	_, err := thread.Rip()
	assert.Error(t, err)
}

func TestCalcStackBeginAlignment(t *testing.T) {
	begin := capture.CalcStackBegin(0x7ffeeeeeee00)
	assert.Zero(t, begin%16)
	assert.LessOrEqual(t, begin, uint64(0x7ffeeeeeee00-8192))
}

func TestWaitObservesPark(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	var sleepAddr uintptr
	for a := range h.CPU.SleepAddrs {
		sleepAddr = a
	}
	thread := capture.Adopt(ft, sleepAddr, winapi.RBX)

	res, err := thread.Wait(context.Background(), time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, winapi.WaitObject0, res)
}

func TestWaitTimesOutWhenNeverParked(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	thread := capture.Adopt(ft, 0xBADBADBAD, winapi.RBX) // address the thread never reaches

	res, err := thread.Wait(context.Background(), time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, winapi.WaitTimeout, res)
}

func TestWaitObservesThreadDeath(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	thread := capture.Adopt(ft, 0, winapi.RBX)
	require.NoError(t, ft.Terminate(7))

	res, err := thread.Wait(context.Background(), time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, winapi.WaitFailed, res)
}

func TestReleaseRestoresSavedContext(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	var sleepAddr uintptr
	for a := range h.CPU.SleepAddrs {
		sleepAddr = a
	}
	thread := capture.Adopt(ft, sleepAddr, winapi.RBX)

	require.NoError(t, thread.FetchContext())
	snap, err := thread.CacheSnapshot()
	require.NoError(t, err)
	thread.SetSavedContext(snap)
	restoreRip := h.AddSleepGadget()
	elsewhere := h.AddSleepGadget()
	thread.OverwriteSavedFields(uint64(restoreRip), 0x2222, 0x3333)

	require.NoError(t, thread.Suspend())
	require.NoError(t, thread.SetRip(uint64(elsewhere)))
	require.NoError(t, thread.ApplyContext())
	require.NoError(t, thread.Resume())

	require.NoError(t, thread.Release())

	require.NoError(t, thread.FetchContext())
	rip, err := thread.Rip()
	require.NoError(t, err)
	assert.Equal(t, uint64(restoreRip), rip)
	assert.Equal(t, 0, thread.SuspendCount())
}

func TestCloseDrainsSuspendCountAndClosesHandle(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	thread := capture.Adopt(ft, 0, winapi.RBX)

	require.NoError(t, thread.Suspend())
	require.NoError(t, thread.Suspend())
	require.NoError(t, thread.Close())
	assert.Equal(t, 0, thread.SuspendCount())
}
