package hijack_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/hijack"
	"github.com/cheatron/nthread/internal/faketest"
	"github.com/cheatron/nthread/proxy"
)

func injectedProxy(t *testing.T, h *faketest.Harness) (*hijack.Orchestrator, *proxy.Proxy) {
	t.Helper()
	h.SpawnThread(1)
	o := newOrchestrator(h)
	p, captured, err := o.Inject(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = captured.Close() })
	return o, p
}

func TestWriteMemoryPlainRunLengthDecomposition(t *testing.T) {
	h := faketest.NewHarness()
	o, p := injectedProxy(t, h)

	addr, err := p.CRT("malloc", 8)
	require.NoError(t, err)

	data := []byte{1, 1, 1, 2, 2, 3}
	n, err := o.WriteMemory(p, uintptr(addr), data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got, err := p.Read(uintptr(addr), len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteMemorySkipsBytesMatchingROSnapshot(t *testing.T) {
	h := faketest.NewHarness()
	o, p := injectedProxy(t, h)

	size := 8
	ret, err := p.CRT("calloc", 1, uint64(size))
	require.NoError(t, err)
	addr := uintptr(ret)

	region := o.ROMemory().Register(addr, make([]byte, size))

	// First 4 bytes stay zero (matches the RO snapshot, should be
	// skipped); last 4 bytes differ and must be memset.
	data := []byte{0, 0, 0, 0, 9, 9, 9, 9}
	_, err = o.WriteMemory(p, addr, data)
	require.NoError(t, err)

	got, err := p.Read(addr, size)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, data, region.Local)
}

func TestWriteMemorySplitsAroundPartialOverlap(t *testing.T) {
	h := faketest.NewHarness()
	o, p := injectedProxy(t, h)

	size := 16
	ret, err := p.CRT("calloc", 1, uint64(size))
	require.NoError(t, err)
	base := uintptr(ret)

	// Register only the middle 8 bytes [base+4, base+12) as RO.
	region := o.ROMemory().Register(base+4, make([]byte, 8))

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i + 1)
	}
	n, err := o.WriteMemory(p, base, data)
	require.NoError(t, err)
	assert.Equal(t, size, n)

	got, err := p.Read(base, size)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, data[4:12], region.Local)
}

func TestWriteMemoryWithPointerIgnoresROAndCopiesAttackerSource(t *testing.T) {
	h := faketest.NewHarness()
	o, p := injectedProxy(t, h)

	size := 4
	ret, err := p.CRT("calloc", 1, uint64(size))
	require.NoError(t, err)
	dest := uintptr(ret)
	region := o.ROMemory().Register(dest, make([]byte, size))

	src := h.Mem.Bump(size)
	h.Mem.Write(src, []byte{7, 7, 7, 7})

	n, err := o.WriteMemoryWithPointer(p, dest, src, size)
	require.NoError(t, err)
	assert.Equal(t, size, n)

	got, err := p.Read(dest, size)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7, 7, 7}, got)
	assert.Equal(t, make([]byte, size), region.Local)
}
