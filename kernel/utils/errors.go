package utils

import (
	"fmt"
)

// Error codes for kernel networking operations
const (
	// Buffer and queue conditions. Queue conditions are backpressure, not failures.
	ErrCodeAllocationExhausted = "ALLOCATION_EXHAUSTED"
	ErrCodeQueueFull           = "QUEUE_FULL"
	ErrCodeQueueEmpty          = "QUEUE_EMPTY"

	// Wire and driver protocol errors
	ErrCodeProtocolViolation = "PROTOCOL_VIOLATION"
	ErrCodeConnectionClosed  = "CONNECTION_CLOSED"

	// Setup errors
	ErrCodeInvalidConfig = "INVALID_CONFIG"
	ErrCodeInvalidState  = "INVALID_STATE"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrAllocationExhausted = NewKernelError(ErrCodeAllocationExhausted, "no buffer obtainable")
	ErrQueueFull           = NewKernelError(ErrCodeQueueFull, "hardware queue full")
	ErrQueueEmpty          = NewKernelError(ErrCodeQueueEmpty, "hardware queue empty")
	ErrProtocolViolation   = NewKernelError(ErrCodeProtocolViolation, "protocol violation")
	ErrConnectionClosed    = NewKernelError(ErrCodeConnectionClosed, "connection closed")
	ErrInvalidConfig       = NewKernelError(ErrCodeInvalidConfig, "invalid configuration")
	ErrInvalidState        = NewKernelError(ErrCodeInvalidState, "invalid state")
)

// KernelError carries a code for programmatic handling plus context for logs.
type KernelError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *KernelError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s %v", msg, e.Context)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *KernelError) Unwrap() error {
	return e.Cause
}

// Is matches any KernelError with the same code.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *KernelError) WithContext(key string, value interface{}) *KernelError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewKernelError creates a new kernel error
func NewKernelError(code, message string) *KernelError {
	return &KernelError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with a kernel error code
func WrapError(code, message string, cause error) *KernelError {
	return &KernelError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Common error constructors

func ErrTokenOutOfRange(token, capacity int) *KernelError {
	return NewKernelError(ErrCodeProtocolViolation, "token outside queue capacity").
		WithContext("token", token).
		WithContext("capacity", capacity)
}

func ErrFrameTooLarge(length, limit int) *KernelError {
	return NewKernelError(ErrCodeProtocolViolation, "frame length exceeds limit").
		WithContext("length", length).
		WithContext("limit", limit)
}

func ErrShortPayload(got, want int) *KernelError {
	return NewKernelError(ErrCodeProtocolViolation, "payload too short").
		WithContext("got", got).
		WithContext("want", want)
}

func ErrClosed(operation string) *KernelError {
	return NewKernelError(ErrCodeConnectionClosed, "stream closed").
		WithContext("operation", operation)
}
