package session

import (
	"errors"
	"fmt"
)

// Status is the result class reported to the session framework.
type Status int

const (
	StatusSuccess Status = iota
	// StatusUserUnknown: the login name could not be resolved.
	StatusUserUnknown
	// StatusSystemError: the id cannot be represented in a path.
	StatusSystemError
	// StatusSessionError: filesystem, locking or identity switch failure.
	StatusSessionError
	// StatusBufferError: the session token could not be allocated.
	StatusBufferError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUserUnknown:
		return "user unknown"
	case StatusSystemError:
		return "system error"
	case StatusSessionError:
		return "session error"
	case StatusBufferError:
		return "buffer error"
	default:
		return "unknown"
	}
}

// PAMCode returns the Linux-PAM return value for s.
func (s Status) PAMCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusSystemError:
		return 4
	case StatusBufferError:
		return 5
	case StatusUserUnknown:
		return 10
	default:
		return 14
	}
}

type Error struct {
	Status Status
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(s Status, op string, err error) *Error {
	return &Error{Status: s, Op: op, Err: err}
}

// StatusOf classifies err. Errors that did not come from this package are
// session errors.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusSessionError
}
