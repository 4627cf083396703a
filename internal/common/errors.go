package common

import (
	"errors"
	"net/http"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// ValidationError builds a 422 AppError for malformed input.
func ValidationError(message string, details any) *AppError {
	return &AppError{Code: "VALIDATION_FAILED", Message: message, HTTPStatus: http.StatusUnprocessableEntity, Details: details}
}

// WriteAppError renders err when it is an AppError and reports whether it did so.
func WriteAppError(w http.ResponseWriter, err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	code := appErr.Code
	if code == "" {
		code = "BAD_REQUEST"
	}
	JSONError(w, status, code, appErr.Message, appErr.Details)
	return true
}

// Forbidden is the canonical 403 response.
func Forbidden() *AppError {
	return &AppError{Code: "FORBIDDEN", Message: "access denied", HTTPStatus: http.StatusForbidden}
}

// Unauthorized is the canonical 401 response.
func Unauthorized() *AppError {
	return &AppError{Code: "UNAUTHORIZED", Message: "authentication required", HTTPStatus: http.StatusUnauthorized}
}

// InternalError renders a generic 500 without leaking the cause.
func InternalError(w http.ResponseWriter) {
	JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
