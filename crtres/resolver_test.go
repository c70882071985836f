package crtres_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatron/nthread/crtres"
	"github.com/cheatron/nthread/internal/faketest"
)

func TestResolveOnce(t *testing.T) {
	h := faketest.NewHarness()
	r := crtres.New(h.Scanner)

	e1, err := r.Resolve()
	require.NoError(t, err)
	assert.NotZero(t, e1.Malloc)
	assert.NotZero(t, e1.Free)

	e2, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, e1, e2)
}

func TestByNameExcludesNothingItShouldInclude(t *testing.T) {
	h := faketest.NewHarness()
	r := crtres.New(h.Scanner)
	e, err := r.Resolve()
	require.NoError(t, err)

	addr, ok := e.ByName("calloc")
	assert.True(t, ok)
	assert.Equal(t, e.Calloc, addr)

	_, ok = e.ByName("nonexistent")
	assert.False(t, ok)
}

func TestNamesExcludesFree(t *testing.T) {
	names := crtres.Names()
	for _, n := range names {
		assert.NotEqual(t, "free", n)
	}
	assert.Contains(t, names, "malloc")
}
