// Package gwerr defines the gateway error taxonomy and its wire codes.
package gwerr

import (
	"errors"
	"fmt"
	"time"
)

// Code is the machine-readable error code carried in response envelopes.
type Code string

// Wire error codes.
const (
	CodeValidation  Code = "validation_error"
	CodeAuth        Code = "authentication_failed"
	CodeNotFound    Code = "not_found"
	CodeRateLimited Code = "rate_limited"
	CodeInternal    Code = "internal_error"
)

// Error is a classified gateway error. RetryAfter is only meaningful for
// CodeRateLimited.
type Error struct {
	Code       Code
	Msg        string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// Validationf reports a malformed or out-of-range request field.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Msg: fmt.Sprintf(format, args...)}
}

// Auth reports an unregistered device.
func Auth(msg string) *Error {
	return &Error{Code: CodeAuth, Msg: msg}
}

// NotFoundf reports absent referenced content.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

// RateLimited reports a quota rejection with the wait hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Msg: "rate limit exceeded", RetryAfter: retryAfter}
}

// Internal wraps a collaborator failure. The cause is for server-side logs
// only; the wire message stays generic so internals never leak to devices.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Msg: "internal error", cause: cause}
}

// Classify returns the taxonomy error for err, mapping unclassified errors to
// CodeInternal.
func Classify(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err)
}
