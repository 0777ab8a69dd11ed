package stratoerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesStack(t *testing.T) {
	err := New(ErrorTypeConfig, "ring_size must be at least 2")

	require.NotNil(t, err)
	assert.Equal(t, ErrorTypeConfig, err.Type)
	assert.NotEmpty(t, err.Stack, "expected stack frames at creation point")
	assert.Contains(t, err.Error(), "config")
	assert.Contains(t, err.Error(), "ring_size")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("no metal device")
	err := Wrap(cause, ErrorTypeDevice, "device initialization failed")

	require.NotNil(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, err.Unwrap())

	// Wrapping our own error keeps the original stack
	outer := Wrap(err, ErrorTypeInternal, "pool construction aborted")
	assert.Equal(t, err.Stack[0], outer.Stack[0])
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "ignored"))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeTimeout, "acquire timed out").
		WithDetail("timeout_ms", 50).
		WithDetail("pool", "command_ring")

	assert.Equal(t, 50, err.Details["timeout_ms"])
	assert.Equal(t, "command_ring", err.Details["pool"])
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{ErrorTypeTimeout, true},
		{ErrorTypeExhaustion, true},
		{ErrorTypeConfig, false},
		{ErrorTypeDevice, false},
		{ErrorTypeInvalidHandle, false},
		{ErrorTypeNotFound, false},
		{ErrorTypeClosed, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(New(tt.errType, "x")))
		})
	}

	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeInvalidHandle, "release of unrecognized handle")

	assert.True(t, IsType(err, ErrorTypeInvalidHandle))
	assert.False(t, IsType(err, ErrorTypeTimeout))

	// Works through wrapping layers
	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsType(wrapped, ErrorTypeInvalidHandle))
}
