package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_Creation(t *testing.T) {
	cause := errors.New("underlying error")

	err := NewLaunchFailureError("failed to spawn", cause)

	assert.Equal(t, ErrorTypeLaunchFailure, err.Type)
	assert.Equal(t, "failed to spawn", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.NotNil(t, err.Context)
}

func TestDomainError_WithContext(t *testing.T) {
	err := NewProcessError("test error", nil)

	err = err.WithContext("binary", "/usr/local/bin/assistant")
	err = err.WithContext("pid", 12345)

	assert.Equal(t, "/usr/local/bin/assistant", err.Context["binary"])
	assert.Equal(t, 12345, err.Context["pid"])
}

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewValidationError("test message", nil),
			expected: "validation: test message",
		},
		{
			name:     "error with cause",
			error:    NewProcessTerminatedError("process exited", errors.New("exit status 1")),
			expected: "process_terminated: process exited: exit status 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_IsMatchesByType(t *testing.T) {
	err := NewRequestTimeoutError("request r1 timed out", nil)
	wrapped := NewInternalError("outer", err)

	assert.True(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeRequestTimeout}))
	assert.False(t, errors.Is(err, &DomainError{Type: ErrorTypeTimeout}))
	assert.True(t, IsRequestTimeoutError(wrapped))
	assert.True(t, IsInternalError(wrapped))
	assert.False(t, IsTimeoutError(wrapped))
}

func TestIsHelpers_WalkTheWholeChain(t *testing.T) {
	terminated := NewProcessTerminatedError("assistant exited", nil)
	limit := NewRestartLimitExceededError("restart limit reached", terminated)
	wrapped := fmt.Errorf("connect failed: %w", limit)

	assert.True(t, IsRestartLimitExceededError(wrapped))
	assert.True(t, IsProcessTerminatedError(wrapped))
	assert.False(t, IsLaunchFailureError(wrapped))
	assert.False(t, IsProcessTerminatedError(nil))
}

func TestBinaryNotFoundError_RecordsAttempts(t *testing.T) {
	attempted := []string{"/opt/a/assistant", "/usr/bin/assistant"}
	err := NewBinaryNotFoundError("assistant binary not found", attempted)

	value, ok := ContextValue(err, "attempted")
	require.True(t, ok)
	assert.Equal(t, attempted, value)

	_, ok = ContextValue(errors.New("plain"), "attempted")
	assert.False(t, ok)
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()

	assert.False(t, collection.HasErrors())
	assert.Nil(t, collection.ToError())

	collection.Add(NewValidationError("error 1", nil))
	collection.Add(NewProcessError("error 2", nil))
	collection.Add(nil)

	assert.True(t, collection.HasErrors())
	assert.Equal(t, 2, len(collection.Errors))

	err := collection.ToError()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestAllErrorTypes(t *testing.T) {
	errorTypes := []struct {
		name        string
		constructor func(string, error) *DomainError
		checker     func(error) bool
		errorType   ErrorType
	}{
		{"validation", NewValidationError, IsValidationError, ErrorTypeValidation},
		{"not_found", NewNotFoundError, IsNotFoundError, ErrorTypeNotFound},
		{"conflict", NewConflictError, IsConflictError, ErrorTypeConflict},
		{"process", NewProcessError, IsProcessError, ErrorTypeProcess},
		{"timeout", NewTimeoutError, IsTimeoutError, ErrorTypeTimeout},
		{"permission", NewPermissionError, IsPermissionError, ErrorTypePermission},
		{"io", NewIOError, IsIOError, ErrorTypeIO},
		{"internal", NewInternalError, IsInternalError, ErrorTypeInternal},
		{"cancelled", NewCancelledError, IsCancelledError, ErrorTypeCancelled},
		{"launch_failure", NewLaunchFailureError, IsLaunchFailureError, ErrorTypeLaunchFailure},
		{"process_terminated", NewProcessTerminatedError, IsProcessTerminatedError, ErrorTypeProcessTerminated},
		{"malformed_message", NewMalformedMessageError, IsMalformedMessageError, ErrorTypeMalformedMessage},
		{"request_timeout", NewRequestTimeoutError, IsRequestTimeoutError, ErrorTypeRequestTimeout},
		{"restart_limit_exceeded", NewRestartLimitExceededError, IsRestartLimitExceededError, ErrorTypeRestartLimitExceeded},
	}

	for _, tt := range errorTypes {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("test message", nil)
			assert.Equal(t, tt.errorType, err.Type)
			assert.True(t, tt.checker(err))
		})
	}
}
