// Package errors defines the service error taxonomy returned by API handlers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of service error.
type Code string

const (
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInvalidFormat     Code = "INVALID_FORMAT"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamFailure   Code = "UPSTREAM_FAILURE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// ServiceError is an error with an HTTP mapping and client-safe message.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Transient  bool                   `json:"-"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail key and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code Code, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Unauthorized reports a missing or rejected credential.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Authentication required"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// InvalidToken reports a token that failed validation.
func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

// Forbidden reports an authenticated caller without permission.
func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "Access denied"
	}
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	e := newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil)
	if id != "" {
		e.WithDetails("id", id)
	}
	return e
}

// Conflict reports a duplicate or state conflict.
func Conflict(message string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

// InvalidInput reports a request that failed validation.
func InvalidInput(message string) *ServiceError {
	return newError(CodeInvalidInput, http.StatusBadRequest, message, nil)
}

// InvalidFormat reports a malformed field.
func InvalidFormat(field, expected string) *ServiceError {
	return newError(CodeInvalidFormat, http.StatusBadRequest, fmt.Sprintf("invalid %s format", field), nil).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "Rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Upstream reports a failed call to an external service. Transient failures
// (network errors, 429, 5xx) may be retried by the caller.
func Upstream(service string, transient bool, err error) *ServiceError {
	e := newError(CodeUpstreamFailure, http.StatusBadGateway, fmt.Sprintf("%s request failed", service), err)
	e.Transient = transient
	return e.WithDetails("service", service)
}

// Internal reports an unexpected failure. The wrapped error is never shown
// to clients.
func Internal(message string, err error) *ServiceError {
	if message == "" {
		message = "Internal server error"
	}
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError extracts a ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus returns the status for err, defaulting to 500.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsTransient reports whether err is an upstream failure worth retrying.
func IsTransient(err error) bool {
	se := GetServiceError(err)
	return se != nil && se.Transient
}

// TransientStatus reports whether an upstream HTTP status is retryable.
func TransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
