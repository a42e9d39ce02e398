// Package errors provides the application error type and HTTP error writers.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	// Client errors (4xx).
	CodeValidation      = "VALIDATION_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInvalidMetric   = "INVALID_METRIC"
	CodeDegenerateInput = "DEGENERATE_INPUT"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"

	// Informational. A duplicate evaluation is reported, never failed.
	CodeAlreadyEvaluated = "ALREADY_EVALUATED"

	// Server errors (5xx).
	CodeInternal            = "INTERNAL_ERROR"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeTransactionConflict = "TRANSACTION_CONFLICT"
	CodeSimilarityError     = "SIMILARITY_ERROR"
	CodeStorageError        = "STORAGE_ERROR"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidRequest, CodeInvalidMetric:
		return http.StatusBadRequest
	case CodeDegenerateInput:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyEvaluated:
		return http.StatusOK
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeTransactionConflict:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeSimilarityError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// InvalidMetricError reports a score input outside [0,1].
func InvalidMetricError(field string, value float64) *AppError {
	return New(CodeInvalidMetric, fmt.Sprintf("%s must be within [0,1]", field)).
		WithDetail("field", field).
		WithDetail("value", fmt.Sprintf("%g", value))
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// StorageError creates a storage backend error.
func StorageError(message string, err error) *AppError {
	return Wrap(CodeStorageError, message, err)
}

// SimilarityError creates an error for a failed similarity lookup.
func SimilarityError(message string, err error) *AppError {
	return Wrap(CodeSimilarityError, message, err)
}

// ConflictError reports a transactional write that kept conflicting after retries.
func ConflictError(speakerID string, attempts int, err error) *AppError {
	return Wrap(CodeTransactionConflict, "concurrent update to speaker metrics, retry later", err).
		WithDetail("speaker_id", speakerID).
		WithDetail("attempts", fmt.Sprintf("%d", attempts))
}

// InvalidRequestError creates an invalid request error.
func InvalidRequestError(message string) *AppError {
	return New(CodeInvalidRequest, message)
}

// RateLimitedError creates a rate limited error with retry information.
func RateLimitedError(retryAfterSeconds int) *AppError {
	err := New(CodeRateLimited, "rate limit exceeded")
	if retryAfterSeconds > 0 {
		err = err.WithDetail("retry_after", fmt.Sprintf("%d", retryAfterSeconds))
	}
	return err
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return New(CodeUnavailable, message)
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsInvalidMetric checks if error is an invalid metric error.
func IsInvalidMetric(err error) bool {
	return CodeOf(err) == CodeInvalidMetric
}

// IsConflict checks if error is an exhausted transaction conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeTransactionConflict
}

// ErrorResponse is the standard JSON error response structure.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON error response to the ResponseWriter.
func WriteJSON(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers already sent
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteError writes an error response. AppErrors keep their code and status;
// anything else is reported as a sanitized internal error. Server-side
// AppErrors never leak the wrapped cause.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		WriteJSON(w, appErr.HTTPStatus(), ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		})
		return
	}

	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal server error",
		Code:    CodeInternal,
		Message: "An unexpected error occurred",
	})
}
