package heap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/heap"
	"github.com/cheatron/nthread/internal/faketest"
	"github.com/cheatron/nthread/proxy"
	"github.com/cheatron/nthread/telemetry"
)

func TestNThreadHeapBootstrapsFirstHeapOnAlloc(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	nh := heap.New(o, 256, 1024)

	p, captured, err := nh.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	addr, err := p.Alloc(16, proxy.AllocOpts{})
	require.NoError(t, err)
	assert.NotZero(t, addr)
}

func TestNThreadHeapGrowsOnZoneExhaustion(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	m, _ := telemetry.New("test_grows")
	nh := heap.New(o, 64, 1024, heap.WithMetrics(m))

	p, captured, err := nh.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	// First alloc bootstraps a small 64-byte heap (16 bytes RO, 48
	// bytes RW); a second request larger than what's left forces a
	// zone growth.
	_, err = p.Alloc(16, proxy.AllocOpts{})
	require.NoError(t, err)

	_, err = p.Alloc(64, proxy.AllocOpts{})
	require.NoError(t, err)
}

func TestNThreadHeapFallsBackToCRTBeyondMaxSize(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	m, _ := telemetry.New("test_fallback")
	nh := heap.New(o, 64, 128, heap.WithMetrics(m))

	p, captured, err := nh.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	addr, err := p.Alloc(256, proxy.AllocOpts{})
	require.NoError(t, err)
	assert.NotZero(t, addr)
}

func TestNThreadHeapFreeRoutesBackToZone(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	nh := heap.New(o, 256, 1024)

	p, captured, err := nh.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	addr, err := p.Alloc(16, proxy.AllocOpts{})
	require.NoError(t, err)
	require.NoError(t, p.Free(addr))

	// The freed span should be reusable by a same-size allocation.
	addr2, err := p.Alloc(16, proxy.AllocOpts{})
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)
}

func TestNThreadHeapReallocGrowsInPlaceZone(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	nh := heap.New(o, 256, 1024)

	p, captured, err := nh.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	addr, err := p.Alloc(16, proxy.AllocOpts{})
	require.NoError(t, err)
	_, err = p.Write(addr, []byte("0123456789ABCDEF"))
	require.NoError(t, err)

	newAddr, err := p.Alloc(32, proxy.AllocOpts{Address: &addr})
	require.NoError(t, err)

	data, err := p.Read(newAddr, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789ABCDEF"), data)
}

func TestNThreadHeapInspectReportsActiveAndPreviousHeaps(t *testing.T) {
	h := faketest.NewHarness()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	nh := heap.New(o, 64, 1024)

	p, captured, err := nh.Inject(1)
	require.NoError(t, err)
	defer captured.Close()

	active, _, ok := nh.Inspect(p)
	require.True(t, ok, "heap state is registered at inject time")
	assert.Nil(t, active, "no heap block exists before the first allocation")

	_, err = p.Alloc(16, proxy.AllocOpts{})
	require.NoError(t, err)
	_, err = p.Alloc(64, proxy.AllocOpts{}) // forces growth, retains the first heap
	require.NoError(t, err)

	active, previous, ok := nh.Inspect(p)
	require.True(t, ok)
	require.NotNil(t, active)
	assert.Len(t, previous, 1)
	assert.Greater(t, active.TotalSize(), previous[0].TotalSize())
}

func TestNThreadHeapCloseDestroysAllHeaps(t *testing.T) {
	h := faketest.NewHarness()
	ft := h.SpawnThread(1)
	o := newOrchestrator(h)
	nh := heap.New(o, 256, 1024)

	p, _, err := nh.Inject(1)
	require.NoError(t, err)

	_, err = p.Alloc(16, proxy.AllocOpts{})
	require.NoError(t, err)
	active, _, ok := nh.Inspect(p)
	require.True(t, ok)
	require.NotNil(t, active)
	require.NotNil(t, o.ROMemory().FindOverlap(active.Base(), 1))

	code := uint32(0)
	require.NoError(t, p.Close(&code))
	assert.False(t, ft.IsValid())
	assert.Nil(t, o.ROMemory().FindOverlap(active.Base(), 1))
}
