package hijack_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cheatron/nthread/hijack"
	"github.com/cheatron/nthread/internal/winapi"
)

func TestWriteFailedUnwraps(t *testing.T) {
	cause := errors.New("memset returned null")
	err := hijack.WriteFailed{Dest: 0x1000, Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestAllocFailedUnwraps(t *testing.T) {
	cause := errors.New("malloc returned null")
	err := hijack.AllocFailed{Size: 16, Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestErrorMessagesIncludeDiagnosticFields(t *testing.T) {
	assert.Contains(t, hijack.TooManyArgs{Requested: 5}.Error(), "5")
	assert.Contains(t, hijack.InjectTimeout{TID: 42, Result: winapi.WaitTimeout}.Error(), "42")
	assert.Contains(t, hijack.RipMismatch{Target: 0x99, Expected: 0x10, Actual: 0x20}.Error(), "0x10")
}
