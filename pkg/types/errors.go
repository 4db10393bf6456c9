package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies orchestrator errors.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeAlreadyRegistered ErrorCode = "ALREADY_REGISTERED"
	CodeDependency        ErrorCode = "DEPENDENCY_ERROR"
	CodeResourceUnavail   ErrorCode = "RESOURCE_UNAVAILABLE"
	CodeAgentUnavailable  ErrorCode = "AGENT_NOT_AVAILABLE"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. A *Error matches the sentinel with the same code.
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrAlreadyRegistered = &Error{Code: CodeAlreadyRegistered}
	ErrDependency        = &Error{Code: CodeDependency}
	ErrResourceUnavail   = &Error{Code: CodeResourceUnavail}
	ErrAgentUnavailable  = &Error{Code: CodeAgentUnavailable}
	ErrInvalidState      = &Error{Code: CodeInvalidState}
)

// Error is a coded error carrying optional context for logs and API responses.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Context map[string]any `json:"context,omitempty"`
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap attaches a cause and returns the error for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.Err = cause
	return e
}

// With adds a key-value pair to the error context.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyRegistered, CodeInvalidState:
		return http.StatusConflict
	case CodeDependency:
		return http.StatusFailedDependency
	case CodeResourceUnavail, CodeAgentUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ValidationError returns a CodeValidation error.
func ValidationError(format string, args ...any) *Error {
	return NewError(CodeValidation, format, args...)
}

// NotFoundError returns a CodeNotFound error for the named entity.
func NotFoundError(what, id string) *Error {
	return NewError(CodeNotFound, "%s not found: %s", what, id).With(what, id)
}
