package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCancelled  ErrorType = "cancelled"

	// Assistant host taxonomy
	ErrorTypeBinaryNotFound       ErrorType = "binary_not_found"
	ErrorTypeLaunchFailure        ErrorType = "launch_failure"
	ErrorTypeProcessTerminated    ErrorType = "process_terminated"
	ErrorTypeMalformedMessage     ErrorType = "malformed_message"
	ErrorTypeRequestTimeout       ErrorType = "request_timeout"
	ErrorTypeRestartLimitExceeded ErrorType = "restart_limit_exceeded"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Assistant host errors

// NewBinaryNotFoundError reports a failed binary resolution. The attempted
// locations are recorded under the "attempted" context key.
func NewBinaryNotFoundError(message string, attempted []string) *DomainError {
	return NewDomainError(ErrorTypeBinaryNotFound, message, nil).WithContext("attempted", attempted)
}

func NewLaunchFailureError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeLaunchFailure, message, cause)
}

func NewProcessTerminatedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcessTerminated, message, cause)
}

func NewMalformedMessageError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeMalformedMessage, message, cause)
}

func NewRequestTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeRequestTimeout, message, cause)
}

func NewRestartLimitExceededError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeRestartLimitExceeded, message, cause)
}

// Error checking helpers

// isType matches errorType anywhere in the chain, not only the outermost error
func isType(err error, errorType ErrorType) bool {
	return errors.Is(err, &DomainError{Type: errorType})
}

func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool   { return isType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool   { return isType(err, ErrorTypeConflict) }
func IsProcessError(err error) bool    { return isType(err, ErrorTypeProcess) }
func IsTimeoutError(err error) bool    { return isType(err, ErrorTypeTimeout) }
func IsPermissionError(err error) bool { return isType(err, ErrorTypePermission) }
func IsIOError(err error) bool         { return isType(err, ErrorTypeIO) }
func IsInternalError(err error) bool   { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool  { return isType(err, ErrorTypeCancelled) }

func IsBinaryNotFoundError(err error) bool    { return isType(err, ErrorTypeBinaryNotFound) }
func IsLaunchFailureError(err error) bool     { return isType(err, ErrorTypeLaunchFailure) }
func IsProcessTerminatedError(err error) bool { return isType(err, ErrorTypeProcessTerminated) }
func IsMalformedMessageError(err error) bool  { return isType(err, ErrorTypeMalformedMessage) }
func IsRequestTimeoutError(err error) bool    { return isType(err, ErrorTypeRequestTimeout) }
func IsRestartLimitExceededError(err error) bool {
	return isType(err, ErrorTypeRestartLimitExceeded)
}

// ContextValue returns a context value from the first DomainError in the chain
func ContextValue(err error, key string) (interface{}, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Context == nil {
		return nil, false
	}
	v, ok := domainErr.Context[key]
	return v, ok
}

// ErrorCollection aggregates errors from bulk operations such as teardown
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
