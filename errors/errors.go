// Package errors provides standardized error handling patterns for Fieldgate
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the gateway.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c360/fieldgate/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Frame decode errors - local to one frame, never fatal to a session
	ErrTruncated        = errors.New("frame truncated")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrPayloadDecode    = errors.New("frame payload undecodable")
	ErrPayloadTooLarge  = errors.New("frame payload too large")

	// Registry errors - recoverable by retrying the registry operation
	ErrDeviceNotFound = errors.New("device not registered")
	ErrStaleSession   = errors.New("session token does not match current session")
	ErrRegistryClosed = errors.New("registry is closed")

	// Ingest errors - Backpressure rejects, OutOfOrder/Duplicate are advisory
	ErrSchemaViolation = errors.New("payload violates telemetry schema")
	ErrBackpressure    = errors.New("ingest buffer at capacity")
	ErrSessionClosing  = errors.New("session is closing")

	// Session errors - terminate exactly one session, never the gateway
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrSessionTimeout  = errors.New("session liveness window expired")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotReady = errors.New("session handshake not complete")

	// Command errors - reported to the submitter, never silently dropped
	ErrCommandExpired   = errors.New("command expired before acknowledgment")
	ErrCommandFailed    = errors.New("command delivery failed")
	ErrCommandCancelled = errors.New("command cancelled")
	ErrQueueFull        = errors.New("outbound command queue full")

	// Sink and storage errors
	ErrSinkUnavailable    = errors.New("sink unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrSinkUnavailable) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrBackpressure) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Check error message for common transient patterns
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"busy",
		"retry",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) {
		return true
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	if errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrUnknownFrameType) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrSchemaViolation) {
		return true
	}

	return false
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers never need both this package and the standard one.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// This is an internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// RetryPolicy converts a maximum attempt count into a retry framework Config
// carrying the package defaults for backoff.
func RetryPolicy(maxAttempts int) retry.Config {
	cfg := retry.DefaultConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	return cfg
}

// Guard wraps fn so that invalid and fatal errors are marked non-retryable
// for the retry framework while transient errors pass through unchanged.
func Guard(fn func() error) func() error {
	return func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsInvalid(err) || IsFatal(err) {
			return retry.NonRetryable(err)
		}
		return err
	}
}
