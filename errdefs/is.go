package errdefs

import "errors"

// IsInvalidParameter reports whether err (or anything it wraps) was
// classified as a bad-input error.
func IsInvalidParameter(err error) bool {
	var e *invalidParameterError
	return errors.As(err, &e)
}

// IsTimeout reports whether err (or anything it wraps) was classified
// as a deadline-exceeded error.
func IsTimeout(err error) bool {
	var e *timeoutError
	return errors.As(err, &e)
}

// IsConflict reports whether err (or anything it wraps) was classified
// as a state-conflict error.
func IsConflict(err error) bool {
	var e *conflictError
	return errors.As(err, &e)
}

// IsNotFound reports whether err (or anything it wraps) was classified
// as a missing-resource error.
func IsNotFound(err error) bool {
	var e *notFoundError
	return errors.As(err, &e)
}

// IsUnavailable reports whether err (or anything it wraps) was
// classified as a resource-exhaustion error.
func IsUnavailable(err error) bool {
	var e *unavailableError
	return errors.As(err, &e)
}

// IsForbidden reports whether err (or anything it wraps) was
// classified as an operation-not-permitted error.
func IsForbidden(err error) bool {
	var e *forbiddenError
	return errors.As(err, &e)
}
