package heap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/heap"
	"github.com/cheatron/nthread/hijack"
	"github.com/cheatron/nthread/internal/config"
	"github.com/cheatron/nthread/internal/faketest"
)

func newOrchestrator(h *faketest.Harness) *hijack.Orchestrator {
	return hijack.New(h.Scanner, h.Asm(), h.Opener, faketest.NewProcessMemory(h.Mem))
}

func TestHeapCreateRegistersZeroROSnapshot(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	reg := o.ROMemory()
	hp, err := heap.Create(p, reg, config.Default(), 256, 64)
	require.NoError(t, err)
	assert.NotZero(t, hp.Base())
	assert.Equal(t, 256, hp.TotalSize())

	region := reg.FindOverlap(hp.Base(), 64)
	require.NotNil(t, region)
	assert.Equal(t, 64, len(region.Local))
	for _, b := range region.Local {
		assert.Zero(t, b)
	}
}

func TestHeapAllocRoutesToROAndRWZones(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	reg := o.ROMemory()
	hp, err := heap.Create(p, reg, config.Default(), 256, 64)
	require.NoError(t, err)

	roAddr, err := hp.Alloc(16, true)
	require.NoError(t, err)
	assert.True(t, hp.InROZone(roAddr))

	rwAddr, err := hp.Alloc(16, false)
	require.NoError(t, err)
	assert.False(t, hp.InROZone(rwAddr))
}

func TestHeapFreeUnknownAddressErrors(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	reg := o.ROMemory()
	hp, err := heap.Create(p, reg, config.Default(), 256, 64)
	require.NoError(t, err)

	err = hp.Free(hp.Base()+1000, 16)
	var foreign heap.ErrForeignAddress
	assert.ErrorAs(t, err, &foreign)
}

func TestHeapResetClearsZonesAndSnapshot(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	reg := o.ROMemory()
	hp, err := heap.Create(p, reg, config.Default(), 256, 64)
	require.NoError(t, err)

	roAddr, err := hp.Alloc(16, true)
	require.NoError(t, err)
	_, err = p.Write(roAddr, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	reg.UpdateSnapshot(reg.FindOverlap(roAddr, 4), []byte{1, 2, 3, 4}, roAddr)

	hp.Reset()

	region := reg.FindOverlap(hp.Base(), 64)
	require.NotNil(t, region)
	for _, b := range region.Local {
		assert.Zero(t, b)
	}

	reusedAddr, err := hp.Alloc(64, true)
	require.NoError(t, err)
	assert.Equal(t, hp.Base(), reusedAddr)
}

func TestHeapStatsReflectOccupancy(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	reg := o.ROMemory()
	hp, err := heap.Create(p, reg, config.Default(), 256, 64)
	require.NoError(t, err)

	roAddr, err := hp.Alloc(16, true)
	require.NoError(t, err)
	_, err = hp.Alloc(16, false)
	require.NoError(t, err)

	ro := hp.ROStats()
	assert.Equal(t, 64, ro.Size)
	assert.Equal(t, 16, ro.BumpOffset)
	assert.Zero(t, ro.FreeEntries)

	rw := hp.RWStats()
	assert.Equal(t, 192, rw.Size)
	assert.Equal(t, 16, rw.BumpOffset)

	require.NoError(t, hp.Free(roAddr, 16))
	ro = hp.ROStats()
	assert.Equal(t, 1, ro.FreeEntries)
	assert.Equal(t, 16, ro.FreeBytes)
}

func TestHeapDestroyUnregistersRegion(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	reg := o.ROMemory()
	hp, err := heap.Create(p, reg, config.Default(), 256, 64)
	require.NoError(t, err)

	require.NoError(t, hp.Destroy(p))
	assert.Nil(t, reg.FindOverlap(hp.Base(), 64))
}
