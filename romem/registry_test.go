package romem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/romem"
)

func TestRegisterFindUnregister(t *testing.T) {
	reg := romem.New()
	region := reg.Register(0x1000, make([]byte, 16))

	found := reg.FindOverlap(0x1008, 4)
	require.NotNil(t, found)
	assert.Equal(t, region.ID, found.ID)

	assert.Nil(t, reg.FindOverlap(0x2000, 4))

	assert.True(t, reg.Unregister(region))
	assert.False(t, reg.Unregister(region))
}

func TestOverlapInfoPartialSpans(t *testing.T) {
	local := make([]byte, 16)
	for i := range local {
		local[i] = byte(i)
	}
	region := &romem.Region{Remote: 0x1000, Local: local}

	// write spans [0xFF8, 0x1008): 8 bytes before region, 8 inside.
	writeOffset, overlapLen, snapshot := romem.OverlapInfo(0x0FF8, 16, region)
	assert.Equal(t, 8, writeOffset)
	assert.Equal(t, 8, overlapLen)
	assert.Equal(t, local[0:8], snapshot)
}

func TestUpdateSnapshotPartialOverlap(t *testing.T) {
	reg := romem.New()
	region := reg.Register(0x1000, make([]byte, 16))

	source := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	// write starts 4 bytes before region.Remote, covering
	// region.Local[0:4].
	reg.UpdateSnapshot(region, source, 0x0FFC)
	assert.Equal(t, []byte{5, 6, 7, 8}, region.Local[0:4])
}

func TestCreateRegistersZeroSnapshot(t *testing.T) {
	reg := romem.New()
	calls := 0
	calloc := func(size int) (uintptr, error) {
		calls++
		return 0xABCD, nil
	}
	region, err := reg.Create(calloc, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uintptr(0xABCD), region.Remote)
	assert.Equal(t, make([]byte, 8), region.Local)
}
