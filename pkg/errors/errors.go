// Package errors provides typed service errors for tokenforge components.
// Errors carry a category, the failing operation and whether the caller may
// retry, so the retry and circuit packages can act on them uniformly.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType categorises a ServiceError
type ErrorType string

const (
	// ErrorTypeNetwork covers dial, read and write failures
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation covers malformed input and rejected shares
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase covers PostgreSQL, Redis, InfluxDB and the local store
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka covers publish and consume failures
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeMining covers proof-of-work worker failures
	ErrorTypeMining ErrorType = "mining"
	// ErrorTypeTimeout covers deadline overruns reported by a dependency
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal covers everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is a categorised error with operation context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may be attempted again
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the same error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without a cause
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap wraps err with a category and operation. It returns nil for a nil err.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := retryableCause(err)
	var se *ServiceError
	if errors.As(err, &se) {
		// an inner ServiceError already decided
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
	"database is locked",
}

// retryableCause guesses from a foreign error whether it is transient
func retryableCause(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

// IsType reports whether any ServiceError in err's chain has the given type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return retryableCause(err)
}

// GetContext returns the context map of the outermost ServiceError, if any
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
