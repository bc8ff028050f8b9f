// Package errs defines the error kinds shared by the billing packages and the
// HTTP layer. Kinds are matched with errors.Is; codes are machine readable.
package errs

import (
	stderrors "errors"
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrValidation      = stderrors.New("validation_error")
	ErrNotFound        = stderrors.New("not_found")
	ErrConflict        = stderrors.New("conflict")
	ErrSecurity        = stderrors.New("security_error")
	ErrExternalService = stderrors.New("external_service_error")
	ErrPersistence     = stderrors.New("persistence_error")
)

// Error is a classified failure carrying a stable code and a message safe to
// show an admin.
type Error struct {
	Kind      error
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == e.Kind {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Code == e.Code && t.Kind == e.Kind
	}
	return false
}

func newError(kind error, code, message string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStackDepth(cause, 2)
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

func Validation(code, message string) *Error {
	return newError(ErrValidation, code, message, nil)
}

func NotFound(code, message string) *Error {
	return newError(ErrNotFound, code, message, nil)
}

func Conflict(code, message string) *Error {
	return newError(ErrConflict, code, message, nil)
}

func Security(code, message string) *Error {
	return newError(ErrSecurity, code, message, nil)
}

// External wraps a payment processor or storage failure.
func External(code, message string, cause error, retryable bool) *Error {
	e := newError(ErrExternalService, code, message, cause)
	e.Retryable = retryable
	return e
}

// Persistence wraps a database failure. Persistence errors are always retryable.
func Persistence(message string, cause error) *Error {
	e := newError(ErrPersistence, "persistence_error", message, cause)
	e.Retryable = true
	return e
}

// KindOf returns the kind sentinel for err, or nil when err is unclassified.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrSecurity, ErrExternalService, ErrPersistence} {
		if stderrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// As extracts the classified error from a chain.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsRetryable reports whether a caller may safely repeat the operation.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// Message returns the admin facing message, never the wrapped cause.
func Message(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	return "internal error"
}
