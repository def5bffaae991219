// Package apierr defines the stable, machine-readable error taxonomy of
// the queue API. Every externally visible failure maps to one of these
// codes plus a human-readable message.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code string

const (
	CodeUnauthorized      Code = "unauthorized"
	CodeForbiddenScope    Code = "forbidden_scope"
	CodeForbiddenQueue    Code = "forbidden_queue"
	CodeNotFound          Code = "not_found"
	CodeReceiptExpired    Code = "receipt_expired_or_unknown"
	CodeReceiptMismatch   Code = "receipt_queue_mismatch"
	CodeValidation        Code = "validation_error"
	CodeBrokerUnavailable Code = "broker_unavailable"
	CodeInternal          Code = "internal"
)

// Error is an API error with a stable code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error whose cause is err. The cause is not exposed in
// the API response, only in logs.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// CodeOf extracts the Code from an error chain, defaulting to
// CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// MessageOf extracts the API-safe message from an error chain. Unclassified
// errors report a generic message so internals do not leak.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbiddenScope, CodeForbiddenQueue:
		return http.StatusForbidden
	case CodeNotFound, CodeReceiptExpired:
		return http.StatusNotFound
	case CodeReceiptMismatch:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
