// Package classifier attaches retry guidance to errors surfaced by the
// router and optimizer. Named separately from "errors" so call sites
// can import it alongside github.com/pkg/errors without aliasing.
package classifier

import (
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error.
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error; treated as
	// non-retryable, same as ClassPermanent.
	ClassUnknown ErrorClass = iota
	// ClassTransient indicates a temporary error that may be retried —
	// pool exhaustion, a dropped connection, a statement that failed
	// for reasons unrelated to the query itself.
	ClassTransient
	// ClassPermanent indicates an error that retrying will not fix —
	// used for the already-exhausted fallback-to-primary path.
	ClassPermanent
	// ClassValidation indicates the caller's request was malformed
	// (e.g. a tenant-scoped read issued without a tenant_id); no
	// database I/O occurred, so retrying changes nothing.
	ClassValidation
)

// RetryStrategy describes how a caller should retry an operation that
// produced a ClassifiedError.
type RetryStrategy struct {
	ShouldRetry       bool          `json:"should_retry"`
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// ClassifiedError is an error tagged with a class and a retry strategy.
type ClassifiedError struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Class     ErrorClass `json:"class"`
	Timestamp time.Time  `json:"timestamp"`

	Retry *RetryStrategy `json:"retry,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, so errors.Is/errors.As keep
// traversing past the classification wrapper.
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// IsRetryable returns true if the error should be retried.
func (e *ClassifiedError) IsRetryable() bool {
	return e.Retry != nil && e.Retry.ShouldRetry
}

// GetRetryDelay calculates the retry delay for a given attempt (0-indexed).
func (e *ClassifiedError) GetRetryDelay(attempt int) time.Duration {
	if e.Retry == nil || !e.Retry.ShouldRetry {
		return 0
	}

	delay := e.Retry.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * e.Retry.BackoffMultiplier)
		if delay > e.Retry.MaxDelay {
			delay = e.Retry.MaxDelay
			break
		}
	}
	return delay
}

// New creates a classified error with no underlying cause.
func New(code string, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now(),
		Retry:     getDefaultRetryStrategy(class),
	}
}

// Wrap wraps err with a code and a class, preserving err in the
// Unwrap chain. Returns nil if err is nil, so call sites can wrap the
// result of a fallible call unconditionally.
func Wrap(err error, code string, class ErrorClass) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Code:      code,
		Message:   err.Error(),
		Class:     class,
		Timestamp: time.Now(),
		Retry:     getDefaultRetryStrategy(class),
		cause:     err,
	}
}

// getDefaultRetryStrategy returns the default retry strategy for a
// class. Only ClassTransient is retryable by default: the router and
// optimizer's failure paths are either a fallback worth retrying
// (transient) or one this module has already exhausted or rejected
// outright (permanent, validation).
func getDefaultRetryStrategy(class ErrorClass) *RetryStrategy {
	if class == ClassTransient {
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       3,
			BaseDelay:         1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	}
	return &RetryStrategy{ShouldRetry: false}
}

// IsValidationError returns true if err is a ClassifiedError tagged
// ClassValidation.
func IsValidationError(err error) bool {
	if ce, ok := err.(*ClassifiedError); ok {
		return ce.Class == ClassValidation
	}
	return false
}
