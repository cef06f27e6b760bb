package apperr

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by an application service matches
// exactly one of these through errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrPolicy     = errors.New("policy error")
	ErrTransient  = errors.New("transient error")
	ErrNotFound   = errors.New("not found")
)

// Error carries a human-readable reason that is safe to show to the caller.
type Error struct {
	class  error
	Reason string
	cause  error
}

func (e *Error) Error() string {
	return e.Reason
}

func (e *Error) Is(target error) bool {
	return target == e.class
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Validation reports bad input detected before any store call.
func Validation(format string, args ...interface{}) error {
	return &Error{class: ErrValidation, Reason: fmt.Sprintf(format, args...)}
}

// Policy reports a refusal: blocked sender, moderation, or an illegal transition.
func Policy(reason string) error {
	return &Error{class: ErrPolicy, Reason: reason}
}

// PolicyFrom wraps a domain sentinel as a policy error, keeping it matchable.
func PolicyFrom(cause error) error {
	return &Error{class: ErrPolicy, Reason: cause.Error(), cause: cause}
}

// Transient wraps a store or network failure.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	var ae *Error
	if errors.As(cause, &ae) {
		return cause
	}
	return &Error{class: ErrTransient, Reason: "temporarily unavailable, please retry", cause: cause}
}

// NotFound reports a missing record.
func NotFound(what string) error {
	return &Error{class: ErrNotFound, Reason: what + " not found"}
}

// Reason returns the caller-facing reason of err.
func Reason(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsUserFacing reports whether err is a validation or policy error, which are
// resolved locally and never logged as failures.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrPolicy) || errors.Is(err, ErrNotFound)
}
