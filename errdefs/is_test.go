package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("this is a test")

func TestInvalidParameter(t *testing.T) {
	assert.False(t, IsInvalidParameter(errTest))

	e := InvalidParameter(errTest)
	assert.True(t, IsInvalidParameter(e))

	cause, ok := e.(causal)
	require.True(t, ok)
	assert.Equal(t, errTest, cause.Cause())
	assert.True(t, errors.Is(e, errTest))

	wrapped := fmt.Errorf("foo: %w", e)
	assert.True(t, IsInvalidParameter(wrapped))
}

func TestTimeout(t *testing.T) {
	assert.False(t, IsTimeout(errTest))
	e := Timeout(errTest)
	assert.True(t, IsTimeout(e))
	assert.True(t, errors.Is(e, errTest))
	assert.False(t, IsConflict(e))
}

func TestConflict(t *testing.T) {
	assert.False(t, IsConflict(errTest))
	e := Conflict(errTest)
	assert.True(t, IsConflict(e))
	assert.True(t, errors.Is(e, errTest))
}

func TestNotFound(t *testing.T) {
	e := NotFound(errTest)
	assert.True(t, IsNotFound(e))
	assert.False(t, IsUnavailable(e))
}

func TestUnavailable(t *testing.T) {
	e := Unavailable(errTest)
	assert.True(t, IsUnavailable(e))
	assert.False(t, IsNotFound(e))
}

func TestForbidden(t *testing.T) {
	assert.False(t, IsForbidden(errTest))
	e := Forbidden(errTest)
	assert.True(t, IsForbidden(e))
	assert.True(t, errors.Is(e, errTest))
	assert.False(t, IsConflict(e))
}
