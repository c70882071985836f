package proxy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/proxy"
)

func TestReadWriteDelegation(t *testing.T) {
	var gotAddr uintptr
	var gotDest uintptr
	p := proxy.New(
		func(p *proxy.Proxy, addr uintptr, size int) ([]byte, error) {
			gotAddr = addr
			return make([]byte, size), nil
		},
		func(p *proxy.Proxy, dest uintptr, data []byte) (int, error) {
			gotDest = dest
			return len(data), nil
		},
	)

	data, err := p.Read(0x1000, 4)
	require.NoError(t, err)
	assert.Len(t, data, 4)
	assert.Equal(t, uintptr(0x1000), gotAddr)

	n, err := p.Write(0x2000, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uintptr(0x2000), gotDest)
}

func TestUnconfiguredOperationsError(t *testing.T) {
	p := proxy.New(nil, nil)

	_, err := p.Call(0x1000)
	assert.Error(t, err)

	_, err = p.Alloc(8, proxy.AllocOpts{})
	assert.Error(t, err)

	err = p.Free(0x1000)
	assert.Error(t, err)

	err = p.Close(nil)
	assert.Error(t, err)
}

func TestCRTDispatchesThroughCaller(t *testing.T) {
	var calledTarget uintptr
	var calledArgs []uint64
	p := proxy.New(nil, nil)
	p.SetCaller(func(p *proxy.Proxy, target uintptr, args ...uint64) (uint64, error) {
		calledTarget = target
		calledArgs = args
		return 0x42, nil
	})
	p.BindCRT(map[string]uintptr{"malloc": 0xC0FFEE})

	ret, err := p.CRT("malloc", 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), ret)
	assert.Equal(t, uintptr(0xC0FFEE), calledTarget)
	assert.Equal(t, []uint64{16}, calledArgs)
}

func TestAllocStringUTF16LENullTerminates(t *testing.T) {
	var written []byte
	p := proxy.New(nil, nil)
	p.SetAllocer(func(p *proxy.Proxy, size int, opts proxy.AllocOpts) (uintptr, error) {
		return 0x4000, nil
	})
	p.SetWriter(func(p *proxy.Proxy, dest uintptr, data []byte) (int, error) {
		written = data
		return len(data), nil
	})

	ptr, err := p.AllocString("hi", "utf-16-le", proxy.AllocOpts{})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x4000), ptr)
	assert.Equal(t, []byte{'h', 0, 'i', 0, 0, 0}, written)
}

func TestAllocStringASCIISingleByteNull(t *testing.T) {
	var written []byte
	p := proxy.New(nil, nil)
	p.SetAllocer(func(p *proxy.Proxy, size int, opts proxy.AllocOpts) (uintptr, error) {
		return 0x5000, nil
	})
	p.SetWriter(func(p *proxy.Proxy, dest uintptr, data []byte) (int, error) {
		written = data
		return len(data), nil
	})

	_, err := p.AllocString("hi", "ascii", proxy.AllocOpts{})
	require.NoError(t, err)
	assert.Equal(t, []byte{'h', 'i', 0}, written)
}

func TestCRTUnknownExport(t *testing.T) {
	p := proxy.New(nil, nil)
	p.BindCRT(map[string]uintptr{})
	_, err := p.CRT("nonexistent")
	assert.Error(t, err)
}
