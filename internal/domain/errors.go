// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package domain

import "errors"

// ErrorType is the semantic category of a domain error. The transport layer
// maps categories onto protocol status codes; services only pick a category.
type ErrorType int

const (
	// ErrorTypeValidation rejects malformed or semantically invalid input.
	ErrorTypeValidation ErrorType = iota
	// ErrorTypeNotFound reports a missing entity.
	ErrorTypeNotFound
	// ErrorTypeConflict reports a lost optimistic-concurrency race or an
	// operation that is invalid for the entity's current state.
	ErrorTypeConflict
	// ErrorTypeInternal reports a failure the caller cannot act on.
	ErrorTypeInternal
	// ErrorTypeUnavailable reports a dependency that is not ready.
	ErrorTypeUnavailable
)

// DomainError pairs an error category with a caller-facing message. Wrapped
// causes stay reachable through errors.Unwrap chains.
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func newDomainError(errType ErrorType, message string, causes []error) *DomainError {
	return &DomainError{Type: errType, Message: message, Err: errors.Join(causes...)}
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// GetErrorType extracts the category from an error chain. Errors without a
// DomainError in the chain count as internal.
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ErrorTypeInternal
}

// NewValidationError creates a validation error, optionally wrapping causes.
func NewValidationError(message string, err ...error) *DomainError {
	return newDomainError(ErrorTypeValidation, message, err)
}

// NewNotFoundError creates a not-found error, optionally wrapping causes.
func NewNotFoundError(message string, err ...error) *DomainError {
	return newDomainError(ErrorTypeNotFound, message, err)
}

// NewConflictError creates a conflict error, optionally wrapping causes.
func NewConflictError(message string, err ...error) *DomainError {
	return newDomainError(ErrorTypeConflict, message, err)
}

// NewInternalError creates an internal error, optionally wrapping causes.
func NewInternalError(message string, err ...error) *DomainError {
	return newDomainError(ErrorTypeInternal, message, err)
}

// NewUnavailableError creates an unavailable error, optionally wrapping causes.
func NewUnavailableError(message string, err ...error) *DomainError {
	return newDomainError(ErrorTypeUnavailable, message, err)
}
