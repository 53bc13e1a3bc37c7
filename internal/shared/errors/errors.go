package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error kinds
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation error")

	// Analysis pipeline kinds
	ErrInvalidInput         = errors.New("invalid input")
	ErrInferenceUnavailable = errors.New("inference unavailable")
	ErrInferenceCall        = errors.New("inference call failed")
	ErrResponseParse        = errors.New("inference response not parseable")
	ErrPersistence          = errors.New("persistence failed")
)

// AppError represents an application error with context.
// Kind is the sentinel the error belongs to and Err the underlying cause;
// errors.Is matches either.
type AppError struct {
	Kind       error             `json:"-"`
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Kind:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Kind:       ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Kind:       ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Kind:       ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Kind:       ErrInternal,
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// InvalidInput reports an empty, oversized or wrongly typed media payload.
func InvalidInput(message string, details map[string]string) *AppError {
	return &AppError{
		Kind:       ErrInvalidInput,
		Message:    message,
		Code:       "INVALID_INPUT",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// InferenceUnavailable reports a missing or unusable model configuration.
func InferenceUnavailable(message string) *AppError {
	return &AppError{
		Kind:       ErrInferenceUnavailable,
		Message:    message,
		Code:       "INFERENCE_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InferenceCall wraps a transport, quota or timeout failure of the model call.
func InferenceCall(err error) *AppError {
	return &AppError{
		Kind:       ErrInferenceCall,
		Err:        err,
		Message:    "inference call failed",
		Code:       "INFERENCE_CALL_FAILED",
		HTTPStatus: http.StatusBadGateway,
	}
}

// ResponseParse reports a model reply with no recoverable structured object.
func ResponseParse(err error) *AppError {
	return &AppError{
		Kind:       ErrResponseParse,
		Err:        err,
		Message:    "could not parse inference response",
		Code:       "RESPONSE_PARSE_FAILED",
		HTTPStatus: http.StatusBadGateway,
	}
}

// Persistence wraps a failed blob or document write.
func Persistence(err error, operation string) *AppError {
	return &AppError{
		Kind:       ErrPersistence,
		Err:        err,
		Message:    fmt.Sprintf("failed to %s", operation),
		Code:       "PERSISTENCE_FAILED",
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]string{"operation": operation},
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Kind:       ErrInternal,
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Status returns the HTTP status for err, 500 for anything that is not an AppError.
func Status(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
