package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass buckets adapter failures for retry policy decisions.
type ErrorClass string

const (
	// ClassTransient covers timeouts, resets and similar network noise.
	// Retried with backoff up to the configured cap.
	ClassTransient ErrorClass = "transient"
	// ClassRateLimited (HTTP 429) backs off the whole session briefly.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassAuth (401/403) is non-retryable and fails the session.
	ClassAuth ErrorClass = "auth"
	// ClassServer (5xx) retries with backoff, then fails the file only.
	ClassServer ErrorClass = "server"
	// ClassValidation is a corrupt or short download: one re-fetch, then
	// terminal for that file.
	ClassValidation ErrorClass = "validation"
	// ClassResource is local exhaustion (disk full); fails the session.
	ClassResource ErrorClass = "resource"
)

// Error is the classified failure type adapters return.
type Error struct {
	Class ErrorClass
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a class and message.
func NewError(class ErrorClass, msg string, err error) *Error {
	return &Error{Class: class, Msg: msg, Err: err}
}

// Classify extracts the error class, defaulting to transient for plain
// network errors so unclassified failures still get bounded retries.
func Classify(err error) ErrorClass {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// Retryable reports whether a file-level failure of this class should be
// attempted again.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassTransient, ClassRateLimited, ClassServer:
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP response code to an error class.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code == 401 || code == 403:
		return ClassAuth
	case code == 429:
		return ClassRateLimited
	case code >= 500:
		return ClassServer
	default:
		return ClassTransient
	}
}

// FailsSession reports whether the class cannot be isolated to one file.
func FailsSession(class ErrorClass) bool {
	return class == ClassAuth || class == ClassResource
}
