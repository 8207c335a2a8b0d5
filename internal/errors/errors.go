// Package errors provides structured errors with HTTP context plus the
// pipeline error taxonomy that drives retry decisions.
package errors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Classification partitions pipeline failures into retry categories.
type Classification string

const (
	// ClassTransient covers external timeouts and 5xx-equivalents; retried
	// with backoff.
	ClassTransient Classification = "transient"
	// ClassPermanent covers invalid input, unsupported formats and quota
	// errors; fails immediately.
	ClassPermanent Classification = "permanent"
	// ClassConflict marks a lost claim race; a silent no-op, the winning
	// attempt proceeds.
	ClassConflict Classification = "conflict"
	// ClassCallbackTimeout marks a recognition result that never arrived
	// before the correlation expiry.
	ClassCallbackTimeout Classification = "callback_timeout"
)

// PipelineError is a structured error with classification and HTTP context.
type PipelineError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Class      Classification         `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// ToGinResponse sends the error as a standardized JSON response. Internal
// causes are never surfaced to clients, only the classified message.
func (e *PipelineError) ToGinResponse(c *gin.Context) {
	statusCode := e.HTTPStatus
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}

	response := gin.H{
		"error": e.Message,
		"code":  e.Code,
	}
	if len(e.Context) > 0 {
		response["details"] = e.Context
	}

	c.JSON(statusCode, response)
}

// NewTransient wraps an error from an external collaborator that is worth
// retrying.
func NewTransient(message string, cause error) *PipelineError {
	return &PipelineError{
		Code:       "TRANSIENT_EXTERNAL_ERROR",
		Message:    message,
		Class:      ClassTransient,
		Cause:      cause,
		HTTPStatus: http.StatusBadGateway,
	}
}

// NewPermanent wraps an error that retrying cannot fix.
func NewPermanent(message string, cause error) *PipelineError {
	return &PipelineError{
		Code:       "PERMANENT_INPUT_ERROR",
		Message:    message,
		Class:      ClassPermanent,
		Cause:      cause,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewConflict reports a lost optimistic-concurrency race.
func NewConflict(message string) *PipelineError {
	return &PipelineError{
		Code:       "CONCURRENCY_CONFLICT",
		Message:    message,
		Class:      ClassConflict,
		HTTPStatus: http.StatusConflict,
	}
}

// NewCallbackTimeout reports a recognition callback that never arrived.
func NewCallbackTimeout(message string) *PipelineError {
	return &PipelineError{
		Code:       "CALLBACK_TIMEOUT",
		Message:    message,
		Class:      ClassCallbackTimeout,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// NewValidationError reports a malformed request field.
func NewValidationError(message string, field string) *PipelineError {
	return &PipelineError{
		Code:       "VALIDATION_ERROR",
		Message:    message,
		Class:      ClassPermanent,
		HTTPStatus: http.StatusBadRequest,
		Context:    map[string]interface{}{"field": field},
	}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(resource string, id string) *PipelineError {
	return &PipelineError{
		Code:       "NOT_FOUND",
		Message:    resource + " not found",
		Class:      ClassPermanent,
		HTTPStatus: http.StatusNotFound,
		Context:    map[string]interface{}{"resource": resource, "id": id},
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *PipelineError {
	return &PipelineError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Class:      ClassTransient,
		Cause:      cause,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// ClassOf extracts the classification of an error. Unclassified errors are
// treated as transient so that unknown external failures stay retryable; a
// permanent failure must be claimed explicitly.
func ClassOf(err error) Classification {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsPermanent reports whether err must fail immediately without retry.
func IsPermanent(err error) bool {
	return ClassOf(err) == ClassPermanent
}

// IsConflict reports whether err is a lost claim race.
func IsConflict(err error) bool {
	return ClassOf(err) == ClassConflict
}

// HTTP helpers to eliminate duplicate error handling.

// HandleValidationError sends a validation error response.
func HandleValidationError(c *gin.Context, message string, field string) {
	NewValidationError(message, field).ToGinResponse(c)
}

// HandleNotFound sends a not found error response.
func HandleNotFound(c *gin.Context, resource string, id string) {
	NewNotFoundError(resource, id).ToGinResponse(c)
}

// HandleInternalError sends an internal server error response.
func HandleInternalError(c *gin.Context, message string, err error) {
	NewInternalError(message, err).ToGinResponse(c)
}
