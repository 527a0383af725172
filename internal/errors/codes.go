package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode classifies broker failures
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Decode errors (never retried, message is dead-lettered or dropped)
	ErrCodeMalformedEnvelope  ErrorCode = 1000
	ErrCodeUnsupportedVersion ErrorCode = 1001

	// Backend errors, worker side
	ErrCodeTransientBackend   ErrorCode = 2000
	ErrCodePermanentBackend   ErrorCode = 2001
	ErrCodeBackendUnavailable ErrorCode = 2002

	// Caller visible errors
	ErrCodeTimeout ErrorCode = 3000
	ErrCodeBackend ErrorCode = 3001

	// Infrastructure errors
	ErrCodeQueueUnavailable ErrorCode = 4000
	ErrCodeStoreUnavailable ErrorCode = 4001
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                 "ok",
	ErrCodeMalformedEnvelope:  "malformed_envelope",
	ErrCodeUnsupportedVersion: "unsupported_version",
	ErrCodeTransientBackend:   "transient_backend",
	ErrCodePermanentBackend:   "permanent_backend",
	ErrCodeBackendUnavailable: "backend_unavailable",
	ErrCodeTimeout:            "timeout",
	ErrCodeBackend:            "backend",
	ErrCodeQueueUnavailable:   "queue_unavailable",
	ErrCodeStoreUnavailable:   "store_unavailable",
}

// String returns the metric/log label for the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// BrokerError represents a structured error with code and context
type BrokerError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// Is matches another BrokerError by code, so sentinel comparisons work with errors.Is
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewBrokerError creates a new BrokerError
func NewBrokerError(code ErrorCode, message string, cause error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *BrokerError) WithDetail(key string, value interface{}) *BrokerError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrMalformedEnvelope  = &BrokerError{Code: ErrCodeMalformedEnvelope, Message: "malformed envelope"}
	ErrUnsupportedVersion = &BrokerError{Code: ErrCodeUnsupportedVersion, Message: "unsupported version"}
	ErrTransientBackend   = &BrokerError{Code: ErrCodeTransientBackend, Message: "transient backend error"}
	ErrPermanentBackend   = &BrokerError{Code: ErrCodePermanentBackend, Message: "permanent backend error"}
	ErrBackendUnavailable = &BrokerError{Code: ErrCodeBackendUnavailable, Message: "backend unavailable"}
	ErrTimeout            = &BrokerError{Code: ErrCodeTimeout, Message: "timeout"}
	ErrBackend            = &BrokerError{Code: ErrCodeBackend, Message: "backend error"}
)

// Convenience constructors for common errors

func MalformedEnvelope(reason string, cause error) *BrokerError {
	return NewBrokerError(ErrCodeMalformedEnvelope, "malformed envelope: "+reason, cause).
		WithDetail("reason", reason)
}

func UnsupportedVersion(major, minor, supported int) *BrokerError {
	return NewBrokerError(ErrCodeUnsupportedVersion,
		fmt.Sprintf("unsupported schema version %d.%d (supported major %d)", major, minor, supported), nil).
		WithDetail("major", major).
		WithDetail("minor", minor)
}

func TransientBackend(message string, cause error) *BrokerError {
	return NewBrokerError(ErrCodeTransientBackend, message, cause)
}

func PermanentBackend(message string, cause error) *BrokerError {
	return NewBrokerError(ErrCodePermanentBackend, message, cause)
}

func BackendUnavailable(message string, cause error) *BrokerError {
	return NewBrokerError(ErrCodeBackendUnavailable, message, cause)
}

// Timeout reports that no result arrived in time. The operation may still complete.
func Timeout(correlationID string, waited time.Duration) *BrokerError {
	return NewBrokerError(ErrCodeTimeout,
		fmt.Sprintf("no result for %s after %s, outcome unknown", correlationID, waited), nil).
		WithDetail("correlation_id", correlationID)
}

// Backend reports an explicit failure result written by a worker
func Backend(correlationID, reason string) *BrokerError {
	return NewBrokerError(ErrCodeBackend, reason, nil).
		WithDetail("correlation_id", correlationID).
		WithDetail("reason", reason)
}

func QueueUnavailable(message string, cause error) *BrokerError {
	return NewBrokerError(ErrCodeQueueUnavailable, message, cause)
}

func StoreUnavailable(message string, cause error) *BrokerError {
	return NewBrokerError(ErrCodeStoreUnavailable, message, cause)
}

// IsBrokerError checks if an error is (or wraps) a BrokerError
func IsBrokerError(err error) bool {
	var be *BrokerError
	return stderrors.As(err, &be)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var be *BrokerError
	if stderrors.As(err, &be) {
		return be.Code
	}
	return ErrCodeTransientBackend
}

// IsRetriable reports whether the worker should retry the operation locally
func IsRetriable(err error) bool {
	switch GetCode(err) {
	case ErrCodeTransientBackend, ErrCodeBackendUnavailable:
		return true
	default:
		return false
	}
}
