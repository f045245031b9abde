// Package errs defines the structured error kinds the merge engine returns.
//
// Each kind carries whatever context is needed to reproduce the failure:
// the failing phase, the affected workspaces, and enough detail for a
// caller to decide whether to retry, abandon, or promote. Callers should
// use errors.As to recover a specific kind and errors.Is against the Kind
// sentinels for coarse-grained dispatch.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a coarse classification usable with errors.Is.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindDivergentBases     Kind = "divergent_bases"
	KindBackendError       Kind = "backend_error"
	KindConflict           Kind = "conflict"
	KindValidationFailed   Kind = "validation_failed"
	KindValidationTimeout  Kind = "validation_timeout"
	KindRefRaced           Kind = "ref_raced"
	KindAssuranceViolation Kind = "assurance_violation"
)

// sentinel errors usable with errors.Is(err, errs.RefRaced) etc.
var (
	InvalidInput       = errors.New(string(KindInvalidInput))
	NotFound           = errors.New(string(KindNotFound))
	DivergentBases     = errors.New(string(KindDivergentBases))
	BackendErrorKind   = errors.New(string(KindBackendError))
	ConflictKind       = errors.New(string(KindConflict))
	ValidationFailed   = errors.New(string(KindValidationFailed))
	ValidationTimeout  = errors.New(string(KindValidationTimeout))
	RefRaced           = errors.New(string(KindRefRaced))
	AssuranceViolation = errors.New(string(KindAssuranceViolation))
)

// Error is the structured error type returned by every engine operation.
// Phase and Workspaces are filled in wherever the call site knows them, so
// a user-visible message can always include the failing phase and the
// affected workspaces.
type Error struct {
	Kind       Kind
	Phase      string
	Workspaces []string
	Message    string
	NextAction string // "inspect" | "retry" | "abandon" | "promote"
	Err        error  // wrapped cause, if any
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Phase != "" {
		s = fmt.Sprintf("%s (phase=%s)", s, e.Phase)
	}
	if len(e.Workspaces) > 0 {
		s = fmt.Sprintf("%s (workspaces=%v)", s, e.Workspaces)
	}
	if e.NextAction != "" {
		s = fmt.Sprintf("%s [next: %s]", s, e.NextAction)
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support against the package's Kind sentinels.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindInvalidInput:
		return target == InvalidInput
	case KindNotFound:
		return target == NotFound
	case KindDivergentBases:
		return target == DivergentBases
	case KindBackendError:
		return target == BackendErrorKind
	case KindConflict:
		return target == ConflictKind
	case KindValidationFailed:
		return target == ValidationFailed
	case KindValidationTimeout:
		return target == ValidationTimeout
	case KindRefRaced:
		return target == RefRaced
	case KindAssuranceViolation:
		return target == AssuranceViolation
	}
	return false
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, phase string, workspaces []string, format string, args ...any) *Error {
	return &Error{
		Kind:       kind,
		Phase:      phase,
		Workspaces: workspaces,
		Message:    fmt.Sprintf(format, args...),
		NextAction: defaultNextAction(kind),
	}
}

// Wrap constructs an *Error that wraps an underlying cause.
func Wrap(kind Kind, phase string, workspaces []string, cause error, format string, args ...any) *Error {
	e := New(kind, phase, workspaces, format, args...)
	e.Err = cause
	return e
}

func defaultNextAction(kind Kind) string {
	switch kind {
	case KindRefRaced, KindValidationTimeout:
		return "retry"
	case KindConflict:
		return "inspect"
	case KindValidationFailed:
		return "inspect"
	case KindAssuranceViolation:
		return "inspect"
	default:
		return "abandon"
	}
}

// IsRetryable reports whether the error is likely to succeed on a bare retry.
func IsRetryable(err error) bool {
	return errors.Is(err, RefRaced) || errors.Is(err, ValidationTimeout)
}

// IsFatal reports whether the error halts all further ref moves for the
// operation and preserves the on-disk journal for forensic inspection.
func IsFatal(err error) bool {
	return errors.Is(err, AssuranceViolation)
}
