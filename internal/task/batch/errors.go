package batch

import (
	"errors"
	"fmt"
)

// Submission-time errors, returned by Submit.
var (
	ErrConflict = errors.New("task already running")
	ErrDisabled = errors.New("accounts are managed externally")
)

// Per-item error kinds. They never leave the driver: the runner turns them
// into failed result entries and records the kind.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrAutomation   = errors.New("automation error")
	ErrRegistration = errors.New("registration error")
	ErrPersistence  = errors.New("persistence error")
)

// Fail returns an item error of the given kind. Its message is msg verbatim so
// it can be surfaced in the result entry unchanged.
func Fail(kind error, msg string) error {
	return &itemError{kind: kind, msg: msg}
}

func Failf(kind error, format string, args ...any) error {
	return &itemError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind, keeping cause's message.
func Wrap(kind error, cause error) error {
	if cause == nil {
		return nil
	}
	return &itemError{kind: kind, msg: cause.Error(), cause: cause}
}

type itemError struct {
	kind  error
	msg   string
	cause error
}

func (e *itemError) Error() string { return e.msg }

func (e *itemError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// About attaches the identity a failure concerns. The result entry then names
// it instead of the item key (a provisioned mailbox rather than "#3").
func About(err error, email string) error {
	if err == nil || email == "" {
		return err
	}
	return &subjectError{error: err, email: email}
}

type subjectError struct {
	error
	email string
}

func (e *subjectError) Unwrap() error { return e.error }

func subjectOf(err error) string {
	var se *subjectError
	if errors.As(err, &se) {
		return se.email
	}
	return ""
}

// KindOf names the error kind for a result entry ("" when unclassified).
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAutomation):
		return "automation"
	case errors.Is(err, ErrRegistration):
		return "registration"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}

// retryable reports whether the pool may run the item again.
// Only automation failures are transient; everything else is deterministic.
func retryable(err error) bool {
	return errors.Is(err, ErrAutomation)
}
