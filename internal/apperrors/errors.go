// Package apperrors defines the structured error taxonomy used across
// durableflow: the engine-level error kinds described by the execution
// model (NonDeterminismError, DuplicateStepIdError, ...) plus a generic
// OperationError for wrapping lower-level plumbing failures before they
// are promoted to one of the typed kinds.
package apperrors

import (
	"fmt"
	"net/http"

	goerrors "github.com/go-faster/errors"
)

// Type identifies one of the engine's taxonomy of errors, as enumerated
// in the execution model's error handling design.
type Type string

const (
	TypeUserStep       Type = "user_step"
	TypeNonDeterminism Type = "non_determinism"
	TypeDuplicateStep  Type = "duplicate_step_id"
	TypeLeaseLost      Type = "lease_lost"
	TypeStore          Type = "store"
	TypeCancellation   Type = "cancellation"
	TypeTimeout        Type = "timeout"
	TypeValidation     Type = "validation"
	TypeInternal       Type = "internal"
)

// statusCodes maps each Type to the HTTP status the Service API's handlers
// should surface it as.
var statusCodes = map[Type]int{
	TypeUserStep:       http.StatusInternalServerError,
	TypeNonDeterminism: http.StatusInternalServerError,
	TypeDuplicateStep:  http.StatusConflict,
	TypeLeaseLost:      http.StatusConflict,
	TypeStore:          http.StatusServiceUnavailable,
	TypeCancellation:   http.StatusGone,
	TypeTimeout:        http.StatusGatewayTimeout,
	TypeValidation:     http.StatusBadRequest,
	TypeInternal:       http.StatusInternalServerError,
}

// AppError is the concrete error type returned by engine operations whose
// kind matters to callers (the Worker's CAS-vs-retry decisions, the
// Service API's HTTP status mapping, a client's type-switch on wait()).
type AppError struct {
	Type       Type
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

// New creates an AppError of the given type with no underlying cause.
func New(t Type, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodes[t],
	}
}

// Wrap creates an AppError of the given type around an existing error.
func Wrap(cause error, t Type, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		Cause:      cause,
		StatusCode: statusCodes[t],
	}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, t Type, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of err with Details set, leaving err untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause.Error())
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *AppError with the same Type, so callers
// can do errors.Is(err, apperrors.New(apperrors.TypeLeaseLost, "")) style
// checks, but more commonly callers use HasType.
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == other.Type
}

// HasType reports whether err (or anything it wraps) is an *AppError of
// type t.
func HasType(err error, t Type) bool {
	var ae *AppError
	for err != nil {
		if a, ok := err.(*AppError); ok {
			ae = a
			break
		}
		err = goerrors.Unwrap(err)
	}
	return ae != nil && ae.Type == t
}

// OperationError wraps a lower-level failure (a dropped connection, a
// malformed row) with the operation/component/resource context a store
// backend needs before deciding whether to promote it to a TypeStore
// AppError.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Operation)
	if e.Component != "" {
		msg = fmt.Sprintf("%s, component: %s", msg, e.Component)
	}
	if e.Resource != "" {
		msg = fmt.Sprintf("%s, resource: %s", msg, e.Resource)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s, cause: %s", msg, e.Cause.Error())
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// WrapStore promotes a plumbing-level error (typically an *OperationError
// from a store backend) into the taxonomy's TypeStore AppError.
func WrapStore(cause error, operation string) *AppError {
	return Wrapf(cause, TypeStore, "store operation %q failed", operation)
}
