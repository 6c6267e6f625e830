package host

import (
	"errors"
	"fmt"
)

// Error codes for queue operations
const (
	// Link errors
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeExchangeTimeout   = "EXCHANGE_TIMEOUT"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeDeviceNak         = "DEVICE_NAK"

	// Kernel errors
	ErrCodeCompileFailed        = "COMPILE_FAILED"
	ErrCodeKernelTransferFailed = "KERNEL_TRANSFER_FAILED"

	// Resource and usage errors
	ErrCodeOutOfResources = "OUT_OF_RESOURCES"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeQueueClosed    = "QUEUE_CLOSED"
)

// QueueError is the error type returned by every host operation
type QueueError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *QueueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *QueueError) Unwrap() error {
	return e.Cause
}

// Is matches any QueueError with the same code
func (e *QueueError) Is(target error) bool {
	t, ok := target.(*QueueError)
	return ok && t.Code == e.Code
}

// WithContext adds context to the error
func (e *QueueError) WithContext(key string, value interface{}) *QueueError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewQueueError creates a new queue error
func NewQueueError(code, message string) *QueueError {
	return &QueueError{Code: code, Message: message}
}

// WrapQueueError wraps cause under code
func WrapQueueError(code, message string, cause error) *QueueError {
	return &QueueError{Code: code, Message: message, Cause: cause}
}

// Code extracts the code of the first QueueError in err's chain
func Code(err error) string {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// Sentinels for errors.Is
var (
	ErrDeviceUnreachable    = NewQueueError(ErrCodeDeviceUnreachable, "device unreachable")
	ErrExchangeTimeout      = NewQueueError(ErrCodeExchangeTimeout, "exchange timed out")
	ErrCircuitOpen          = NewQueueError(ErrCodeCircuitOpen, "device circuit open")
	ErrProtocol             = NewQueueError(ErrCodeProtocol, "unexpected response")
	ErrDeviceNak            = NewQueueError(ErrCodeDeviceNak, "device rejected command")
	ErrCompileFailed        = NewQueueError(ErrCodeCompileFailed, "kernel compilation failed")
	ErrKernelTransferFailed = NewQueueError(ErrCodeKernelTransferFailed, "kernel transfer failed")
	ErrOutOfResources       = NewQueueError(ErrCodeOutOfResources, "out of resources")
	ErrInvalidValue         = NewQueueError(ErrCodeInvalidValue, "invalid value")
	ErrQueueClosed          = NewQueueError(ErrCodeQueueClosed, "command queue closed")
)
