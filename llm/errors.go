package llm

import (
	"context"
	"errors"
)

// TransientError is a temporary failure: rate limiting, 5xx, network trouble
// or an unreadable response. The next endpoint in the chain may succeed.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError is a permanent failure such as bad credentials or a rejected
// request. Falling back to another endpoint will not help.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err is transient. Deadline expiry counts as
// transient so a timed-out call is treated like any other gateway failure.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err is fatal.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
