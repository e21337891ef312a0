// Package errors provides the broker's error taxonomy. Codes are stable
// strings surfaced verbatim in the HTTP envelope's error_code field.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeUnavailable      = "UNAVAILABLE"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeNoAccount        = "NO_ACCOUNT"
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	CodeValidation       = "VALIDATION"
	CodeDuplicate        = "DUPLICATE"
	CodeInternal         = "INTERNAL"
)

// AppError carries a stable code, a human message and the HTTP status the
// handlers should answer with.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Unavailable reports an admission conflict or an exhausted downstream
// (store/queue) retry.
func Unavailable(message string) *AppError {
	return &AppError{
		Code:       CodeUnavailable,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// DownstreamUnavailable wraps a store/queue failure after retries ran out.
func DownstreamUnavailable(what string, err error) *AppError {
	return &AppError{
		Code:       CodeUnavailable,
		Message:    fmt.Sprintf("%s is currently unavailable", what),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// TaskNotFound reports a miss on a send-task lookup.
func TaskNotFound(taskID string) *AppError {
	return &AppError{
		Code:       CodeTaskNotFound,
		Message:    fmt.Sprintf("task '%s' not found", taskID),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionNotFound reports a miss on a session lookup.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:       CodeSessionNotFound,
		Message:    fmt.Sprintf("session '%s' not found", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidState reports an illegal session state transition.
func InvalidState(sessionID, from, to string) *AppError {
	return &AppError{
		Code:       CodeInvalidState,
		Message:    fmt.Sprintf("session '%s' cannot move from %s to %s", sessionID, from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidTaskState reports a dispatch request for a task that is past
// dispatch (cancelled, completed or failed).
func InvalidTaskState(taskID, status string) *AppError {
	return &AppError{
		Code:       CodeInvalidState,
		Message:    fmt.Sprintf("task '%s' is %s and cannot be dispatched", taskID, status),
		HTTPStatus: http.StatusConflict,
	}
}

// NoAccount reports a message batch from which no own-account identity could
// be derived.
func NoAccount(message string) *AppError {
	return &AppError{
		Code:       CodeNoAccount,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// DeadlineExceeded reports a request deadline hit during store or queue I/O.
func DeadlineExceeded(operation string) *AppError {
	return &AppError{
		Code:       CodeDeadlineExceeded,
		Message:    fmt.Sprintf("deadline exceeded during %s", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Validation reports malformed input.
func Validation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Duplicate reports an external_task_id replay. Handlers treat it as an
// idempotent success; the code exists so services can branch on it.
func Duplicate(externalTaskID string) *AppError {
	return &AppError{
		Code:       CodeDuplicate,
		Message:    fmt.Sprintf("external task '%s' already has a session", externalTaskID),
		HTTPStatus: http.StatusOK,
	}
}

// Internal reports a bug or broken invariant with the underlying cause kept
// for the audit log.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap keeps the code and status of an existing AppError while adding
// context; anything else becomes an INTERNAL error.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code extracts the stable code from an error, defaulting to INTERNAL.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given stable code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status for an error, 500 when it is not an
// AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
