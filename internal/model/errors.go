package model

import (
	"errors"
	"fmt"
)

// Sentinel errors. Match with errors.Is; every *Error unwraps to exactly one
// of these.
var (
	ErrValidation        = errors.New("validation error")
	ErrDuplicateName     = errors.New("duplicate recording name")
	ErrNotFound          = errors.New("not found")
	ErrNoActiveSession   = errors.New("no active recording session")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrComputationFailed = errors.New("computation failed")
	ErrExecution         = errors.New("step execution failed")
	ErrRecordingDisabled = errors.New("recording disabled")
	ErrEventLimit        = errors.New("event limit reached")
	ErrUnknownStep       = errors.New("unknown step")
	ErrStepTimeout       = errors.New("step timed out")
)

// ErrorCode categorizes errors for API and CLI consumers.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeDuplicateName     ErrorCode = "DUPLICATE_NAME"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeNoActiveSession   ErrorCode = "NO_ACTIVE_SESSION"
	CodeUnknownOperation  ErrorCode = "UNKNOWN_OPERATION"
	CodeComputationFailed ErrorCode = "COMPUTATION_FAILED"
	CodeExecution         ErrorCode = "EXECUTION_ERROR"
	CodeRecordingDisabled ErrorCode = "RECORDING_DISABLED"
	CodeEventLimit        ErrorCode = "EVENT_LIMIT"
	CodeUnknownStep       ErrorCode = "UNKNOWN_STEP"
	CodeStepTimeout       ErrorCode = "STEP_TIMEOUT"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

var sentinels = map[ErrorCode]error{
	CodeValidation:        ErrValidation,
	CodeDuplicateName:     ErrDuplicateName,
	CodeNotFound:          ErrNotFound,
	CodeNoActiveSession:   ErrNoActiveSession,
	CodeUnknownOperation:  ErrUnknownOperation,
	CodeComputationFailed: ErrComputationFailed,
	CodeExecution:         ErrExecution,
	CodeRecordingDisabled: ErrRecordingDisabled,
	CodeEventLimit:        ErrEventLimit,
	CodeUnknownStep:       ErrUnknownStep,
	CodeStepTimeout:       ErrStepTimeout,
}

// Error carries a category code plus structured diagnostic context.
//
// Error unwraps to the sentinel for its code and to the underlying cause, so
// both errors.Is(err, ErrNotFound) and errors.Is(err, cause) hold.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context (ids, names, limits).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the category sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error around a cause.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// With returns e with an additional detail set.
func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return NewError(CodeValidation, format, args...)
}

// NotFoundError creates a not-found error for a kind of record.
func NotFoundError(kind, id string) *Error {
	return NewError(CodeNotFound, "%s %q not found", kind, id).With("kind", kind).With("id", id)
}

// DuplicateNameError creates an error for a recording name collision.
func DuplicateNameError(name string) *Error {
	return NewError(CodeDuplicateName, "recording name %q already in use", name).With("name", name)
}

// CodeOf returns the category of err. Errors outside the taxonomy are
// CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
