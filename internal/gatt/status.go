package gatt

import "errors"

var (
	// ErrDeadlineExceeded reports that a connect, discovery, or
	// response-wait phase exhausted its own timeout.
	ErrDeadlineExceeded = errors.New("gatt: deadline exceeded")

	// ErrUnavailable reports that an operation exhausted its retry budget.
	// Callers may treat this as transient and retry at a higher level.
	ErrUnavailable = errors.New("gatt: unavailable")

	// ErrNotFound reports that a service or characteristic is not present
	// on the server.
	ErrNotFound = errors.New("gatt: not found")
)

// PermanentError marks a platform failure that retrying cannot fix, such
// as a permission or authorization error. The retry template passes the
// wrapped error through to the caller immediately instead of spending the
// remaining budget on it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }
