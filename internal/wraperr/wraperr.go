// Package wraperr attaches a sentinel error to a detailed error so callers
// can match either with errors.Is.
package wraperr

import "errors"

type wrappedErr struct {
	err  error
	wrap error
}

// New returns an error whose message and cause chain come from err, and
// which also matches the wrap sentinel.
func New(err, wrap error) error {
	return &wrappedErr{err: err, wrap: wrap}
}

func (e *wrappedErr) Error() string {
	return e.err.Error()
}

// Is matches against the detailed error chain
func (e *wrappedErr) Is(target error) bool {
	return errors.Is(e.err, target)
}

// As resolves against the detailed error chain
func (e *wrappedErr) As(target interface{}) bool {
	return errors.As(e.err, target)
}

// Unwrap exposes the sentinel for errors.Is
func (e *wrappedErr) Unwrap() error {
	return e.wrap
}
