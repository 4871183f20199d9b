package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Pairing & devices
	ErrCodeInvalidPairingCode ErrorCode = "INVALID_PAIRING_CODE"
	ErrCodeInvalidDeviceToken ErrorCode = "INVALID_DEVICE_TOKEN"
	ErrCodeDeviceRevoked      ErrorCode = "DEVICE_REVOKED"

	// Session lease
	ErrCodeLeaseConflict     ErrorCode = "LEASE_CONFLICT"
	ErrCodeInvalidLeaseToken ErrorCode = "INVALID_LEASE_TOKEN"
	ErrCodeLeaseExpired      ErrorCode = "LEASE_EXPIRED"

	// Commands
	ErrCodeCommandNotFound     ErrorCode = "COMMAND_NOT_FOUND"
	ErrCodeConcurrentOperation ErrorCode = "CONCURRENT_OPERATION"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func TokenExpired() *AppError {
	return New(ErrCodeTokenExpired, "Device token has expired, pair the extension again")
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InvalidPairingCode() *AppError {
	return New(ErrCodeInvalidPairingCode, "Invalid or expired pairing code")
}

func InvalidDeviceToken() *AppError {
	return New(ErrCodeInvalidDeviceToken, "Invalid device credentials")
}

func DeviceRevoked() *AppError {
	return New(ErrCodeDeviceRevoked, "Device has been revoked")
}

func LeaseConflict(holderDeviceID string) *AppError {
	err := New(ErrCodeLeaseConflict, "Another device holds the session lease")
	if holderDeviceID != "" {
		err.Details = map[string]string{"activeDeviceId": holderDeviceID}
	}
	return err
}

func InvalidLeaseToken() *AppError {
	return New(ErrCodeInvalidLeaseToken, "Invalid lease credentials")
}

func LeaseExpired(reason string) *AppError {
	err := New(ErrCodeLeaseExpired, "Session lease is no longer active")
	if reason != "" {
		err.Details = map[string]string{"reason": reason}
	}
	return err
}

func CommandNotFound() *AppError {
	return New(ErrCodeCommandNotFound, "Command not found")
}

func ConcurrentOperation() *AppError {
	return New(ErrCodeConcurrentOperation, "Another operation of this kind is already running")
}

func Timeout() *AppError {
	return New(ErrCodeTimeout, "Timed out waiting for the extension")
}

func CircuitOpen() *AppError {
	return New(ErrCodeCircuitOpen, "Automation is temporarily unavailable")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
