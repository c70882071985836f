// Package errdefs defines a small moby-style error-kind taxonomy,
// orthogonal to the domain-specific error structs in hijack/errors.go
// and gadget/errors.go. It lets callers that only care about the
// broad category ("was this a timeout? a bad argument? a conflict
// with thread state?") avoid a type switch over every concrete error.
package errdefs

// causal is satisfied by every error kind below; mirrors the shape
// moby's own errdefs package uses so `errors.Cause` unwraps cleanly.
type causal interface {
	Cause() error
}

type kindError struct {
	cause error
	msg   string
}

func (e *kindError) Error() string {
	if e.msg != "" {
		return e.msg + ": " + e.cause.Error()
	}
	return e.cause.Error()
}

func (e *kindError) Cause() error { return e.cause }
func (e *kindError) Unwrap() error { return e.cause }

type invalidParameterError struct{ *kindError }
type timeoutError struct{ *kindError }
type conflictError struct{ *kindError }
type notFoundError struct{ *kindError }
type unavailableError struct{ *kindError }
type forbiddenError struct{ *kindError }

// InvalidParameter wraps cause as a bad-input error (e.g. TooManyArgs).
func InvalidParameter(cause error) error {
	return &invalidParameterError{&kindError{cause: cause}}
}

// Timeout wraps cause as a deadline-exceeded error (e.g. InjectTimeout,
// CallTimeout).
func Timeout(cause error) error {
	return &timeoutError{&kindError{cause: cause}}
}

// Conflict wraps cause as a state-conflict error (e.g. RipMismatch,
// ThreadDied — the thread's observed state disagrees with what the
// caller expected).
func Conflict(cause error) error {
	return &conflictError{&kindError{cause: cause}}
}

// NotFound wraps cause as a missing-resource error (e.g. no gadget of
// the requested kind, no such allocation).
func NotFound(cause error) error {
	return &notFoundError{&kindError{cause: cause}}
}

// Unavailable wraps cause as a resource-exhaustion error (e.g.
// AllocFailed when no further heap growth is possible).
func Unavailable(cause error) error {
	return &unavailableError{&kindError{cause: cause}}
}

// Forbidden wraps cause as an operation-not-permitted error (e.g.
// ErrForeignAddress — a free() against an address that belongs to
// neither zone of the heap it was issued against).
func Forbidden(cause error) error {
	return &forbiddenError{&kindError{cause: cause}}
}
