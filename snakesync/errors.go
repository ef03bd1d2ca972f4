// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"errors"
	"fmt"
)

// ErrorType is the stable failure classification carried on every failed
// SyncResult. The client's retry policy keys off this value: only
// INTERNAL_ERROR is eligible for automatic retry.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeForbidden  ErrorType = "FORBIDDEN"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL_ERROR"
)

// Retryable reports whether a failure of this type may be retried
// automatically. Validation and ownership failures are never corrected by
// retrying; conflicts require a fresh payload from the user.
func (t ErrorType) Retryable() bool {
	return t == ErrorTypeInternal
}

// Error is a typed domain failure. Domain services return these so the
// coordinator can classify outcomes without string matching.
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewValidationError reports a malformed or out-of-range payload.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports a missing target record or parent.
func NewNotFoundError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewForbiddenError reports a failed ownership check.
func NewForbiddenError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError wraps an unclassified failure.
func NewInternalError(err error) *Error {
	return &Error{Type: ErrorTypeInternal, Message: err.Error()}
}

// Classify maps any error to its ErrorType. Errors that do not carry a
// domain kind are INTERNAL_ERROR, which makes them retryable by default.
func Classify(err error) ErrorType {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ErrorTypeInternal
}
