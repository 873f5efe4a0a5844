package translator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type ErrorType int

const (
	ErrUnknown ErrorType = iota
	ErrRateLimit
	ErrTimeout
	ErrNetwork
	ErrValidation
	ErrAuthentication
	ErrConfig
	ErrCancelled
)

func (t ErrorType) String() string {
	switch t {
	case ErrRateLimit:
		return "RateLimit"
	case ErrTimeout:
		return "Timeout"
	case ErrNetwork:
		return "Network"
	case ErrValidation:
		return "Validation"
	case ErrAuthentication:
		return "Authentication"
	case ErrConfig:
		return "Config"
	case ErrCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the classified failure returned by providers and the orchestrator.
type Error struct {
	Type    ErrorType
	Message string
	// RetryAfter is the provider's requested wait for rate-limit errors.
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("retry after: %s", e.RetryAfter))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrCancelled-typed sentinel) match on type alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Cause == nil && t.Type == e.Type
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func WrapError(err error, errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message, Cause: err}
}

func NewRateLimitError(message string, retryAfter time.Duration) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: retryAfter}
}

func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message)
}

func NewNetworkError(message string, cause error) *Error {
	return WrapError(cause, ErrNetwork, message)
}

func NewValidationError(message string) *Error {
	return NewError(ErrValidation, message)
}

func NewAuthenticationError(message string) *Error {
	return NewError(ErrAuthentication, message)
}

func NewConfigError(message string) *Error {
	return NewError(ErrConfig, message)
}

// ErrCancelledTranslation is returned by TranslateMany when its context is
// cancelled. Match with errors.Is.
var ErrCancelledTranslation = &Error{Type: ErrCancelled}

// IsErrorType reports whether err (or anything it wraps) is an *Error of errorType.
func IsErrorType(err error, errorType ErrorType) bool {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Type == errorType
	}
	return false
}

// TypeOf returns the classified type of err, mapping context errors.
func TypeOf(err error) ErrorType {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Type
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	return ErrUnknown
}

func cancelledError(cause error) *Error {
	return WrapError(cause, ErrCancelled, "translation cancelled")
}
