package core

import (
	"errors"
	"fmt"
	"testing"
)

// Test IsRetryable function
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrDiscoveryUnavailable is retryable",
			err:      ErrDiscoveryUnavailable,
			expected: true,
		},
		{
			name:     "ErrTimeout is retryable",
			err:      ErrTimeout,
			expected: true,
		},
		{
			name:     "ErrConnectionFailed is retryable",
			err:      ErrConnectionFailed,
			expected: true,
		},
		{
			name:     "ErrServiceNotFound is retryable",
			err:      ErrServiceNotFound,
			expected: true,
		},
		{
			name:     "ErrAgentNotFound is not retryable",
			err:      ErrAgentNotFound,
			expected: false,
		},
		{
			name:     "ErrInvalidConfiguration is not retryable",
			err:      ErrInvalidConfiguration,
			expected: false,
		},
		{
			name:     "wrapped retryable error is retryable",
			err:      fmt.Errorf("dial failed: %w", ErrConnectionFailed),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsRetryable(tt.err); result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// Test IsNotFound function
func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrAgentNotFound is not found",
			err:      ErrAgentNotFound,
			expected: true,
		},
		{
			name:     "ErrCapabilityNotFound is not found",
			err:      ErrCapabilityNotFound,
			expected: true,
		},
		{
			name:     "wrapped not-found error is not found",
			err:      fmt.Errorf("failed to locate: %w", ErrAgentNotFound),
			expected: true,
		},
		{
			name:     "ErrInvalidConfiguration is not a not-found error",
			err:      ErrInvalidConfiguration,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsNotFound(tt.err); result != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// Test IsConfigurationError function
func TestIsConfigurationError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrInvalidConfiguration is configuration error",
			err:      ErrInvalidConfiguration,
			expected: true,
		},
		{
			name:     "ErrMissingConfiguration is configuration error",
			err:      ErrMissingConfiguration,
			expected: true,
		},
		{
			name:     "wrapped configuration error is configuration error",
			err:      fmt.Errorf("config validation failed: %w", ErrInvalidConfiguration),
			expected: true,
		},
		{
			name:     "ErrAgentNotFound is not configuration error",
			err:      ErrAgentNotFound,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsConfigurationError(tt.err); result != tt.expected {
				t.Errorf("IsConfigurationError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// Test IsStateError function
func TestIsStateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrAgentNotReady is state error",
			err:      ErrAgentNotReady,
			expected: true,
		},
		{
			name:     "ErrAlreadyStarted is state error",
			err:      ErrAlreadyStarted,
			expected: true,
		},
		{
			name:     "ErrAgentNotFound is not state error",
			err:      ErrAgentNotFound,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsStateError(tt.err); result != tt.expected {
				t.Errorf("IsStateError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestFrameworkErrorUnwrap(t *testing.T) {
	wrapped := NewFrameworkError("intent.Analyse", "fallback", ErrTimeout)
	if !errors.Is(wrapped, ErrTimeout) {
		t.Error("errors.Is should see through FrameworkError to ErrTimeout")
	}
	if got := wrapped.Error(); got == "" {
		t.Error("Error() should not be empty")
	}
}
