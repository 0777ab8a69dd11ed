// Package stratoerrors provides structured error handling for Strato with rich
// context, stack traces, and error categorization. It enables consistent error
// handling patterns across the resource-pool core.
//
// # Overview
//
// The stratoerrors package extends Go's standard error handling with:
//   - Error categorization through ErrorType
//   - Structured context with key-value details
//   - Automatic stack trace capture
//   - Error wrapping with cause preservation
//   - Retryability detection
//
// # Basic Usage
//
//	// Create a new error
//	err := stratoerrors.New(stratoerrors.ErrorTypeConfig, "ring_size must be at least 2")
//
//	// Add context
//	err = err.WithDetail("ring_size", cfg.RingSize)
//
//	// Wrap existing errors
//	if err := dev.NewHeap(size); err != nil {
//	    return stratoerrors.Wrap(err, stratoerrors.ErrorTypeDevice, "heap allocation failed").
//	        WithDetail("size_bytes", size)
//	}
//
// # Error Types
//
// Errors are categorized by type, which helps with:
//   - Error handling strategies (retry logic)
//   - Monitoring and alerting
//   - Debugging and troubleshooting
//
// Construction-time failures (config, device) are fatal: the object is never
// created. Per-call failures (timeout, not_found) are local to that call.
// Invalid-handle errors are programming errors and must never be retried.
package stratoerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for error handling
// strategies and monitoring.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors, fatal at construction
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeDevice represents device unavailability or device-side failures,
	// fatal at construction
	ErrorTypeDevice ErrorType = "device"
	// ErrorTypeTimeout represents resource-exhaustion timeouts on blocking waits
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeExhaustion represents pool exhaustion conditions
	ErrorTypeExhaustion ErrorType = "exhaustion"
	// ErrorTypeInvalidHandle represents double-release or unrecognized-handle
	// programming errors, reported synchronously and never retried
	ErrorTypeInvalidHandle ErrorType = "invalid_handle"
	// ErrorTypeNotFound represents unknown operation ids or missing resources
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeClosed represents operations against an already-closed object
	ErrorTypeClosed ErrorType = "closed"
)

// Error represents a structured error with context, providing rich debugging
// information and enabling sophisticated error handling strategies.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack, capturing
// the function name, file path, and line number for debugging.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface, returning a formatted error message
// that includes the error type, message, and cause (if present).
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, enabling compatibility with errors.Is
// and errors.As for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error, providing additional
// context for debugging and monitoring. This method can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, automatically
// capturing the call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the
// original error as the cause. If the error is already a structured Error,
// its stack trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable based on its type.
// Timeout and exhaustion errors are transient backpressure signals and may
// be retried after resources free up. Configuration, device, and
// invalid-handle errors are never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeExhaustion:
		return true
	case ErrorTypeInternal, ErrorTypeConfig, ErrorTypeDevice,
		ErrorTypeInvalidHandle, ErrorTypeNotFound, ErrorTypeClosed:
		return false
	default:
		return false
	}
}

// IsType checks if the error is of the given type, useful for error handling
// strategies and conditional logic based on error categories.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
