package core

import (
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "invalid language",
	}

	expected := "invalid_request_error: invalid language"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "session is not active",
		Code:    "session_not_active",
	}

	expected := "invalid_request_error: session is not active (code: session_not_active)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("rate limit exceeded", 60)
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 60 {
		t.Errorf("RetryAfter = %v, want 60", err.RetryAfter)
	}

	if got := NewRateLimitError("slow down", 0); got.RetryAfter != nil {
		t.Errorf("RetryAfter = %v, want nil", *got.RetryAfter)
	}
}

func TestError_IsRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{ErrInvalidRequest, false},
		{ErrNotFound, false},
		{ErrConflict, false},
		{ErrRateLimit, true},
		{ErrOverloaded, true},
		{ErrAgentGateway, false},
		{ErrAPI, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &Error{Type: tt.errType}
			if err.IsRetryable() != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", err.IsRetryable(), tt.retryable)
			}
		})
	}
}
