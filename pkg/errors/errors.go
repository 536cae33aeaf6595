// Package errors provides error handling utilities for gominer.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeNetwork represents connection level failures
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeProtocol represents malformed or unexpected remote messages
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeContract represents programming errors such as algorithm tag
	// mismatches or duplicate method registration
	ErrorTypeContract ErrorType = "contract"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypePool represents pool backend failures
	ErrorTypePool ErrorType = "pool"
	// ErrorTypeCompute represents compute backend failures
	ErrorTypeCompute ErrorType = "compute"
	// ErrorTypeStorage represents database and cache errors
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeMessaging represents Kafka and ZMQ publishing errors
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeConfig represents invalid configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ErrContract matches every contract violation through errors.Is.
var ErrContract = errors.New("contract violation")

// ServiceError represents a structured error with context
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
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is reports contract violations as ErrContract.
func (e *ServiceError) Is(target error) bool {
	return target == ErrContract && e.Type == ErrorTypeContract
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Contract creates a non-retryable contract violation.
func Contract(operation, format string, args ...any) *ServiceError {
	return New(ErrorTypeContract, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with context. Retryability is inherited from a
// wrapped ServiceError, otherwise guessed from the error text.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	} else if isRetryableByType(errorType) && !isCancellation(err) {
		retryable = true
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

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeMessaging:
		return true
	default:
		return false
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil || isCancellation(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network unreachable",
		"no route to host",
		"i/o timeout",
		"temporary failure",
		"too many connections",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsContract reports whether err is a contract violation.
func IsContract(err error) bool {
	return errors.Is(err, ErrContract)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
