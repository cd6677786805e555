package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for flush operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller contract violations (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidLogStats ErrorCode = 1001
	ErrCodeDuplicateTarget ErrorCode = 1002
	ErrCodeInvalidConfig   ErrorCode = 1003
	ErrCodeUnknownHandler  ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeFlushFailed     ErrorCode = 2001
	ErrCodeCommitLogFailed ErrorCode = 2002
	ErrCodeMemTableFailed  ErrorCode = 2003
	ErrCodeQueueFull       ErrorCode = 2004
	ErrCodeStopped         ErrorCode = 2005
	ErrCodeDiskFull        ErrorCode = 2006
)

// FlushError represents a structured error with code and context
type FlushError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *FlushError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *FlushError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts FlushError to gRPC status
func (e *FlushError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *FlushError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidLogStats, ErrCodeDuplicateTarget, ErrCodeInvalidConfig:
		return codes.InvalidArgument
	case ErrCodeUnknownHandler:
		return codes.NotFound
	case ErrCodeQueueFull, ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeStopped:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewFlushError creates a new FlushError
func NewFlushError(code ErrorCode, message string, cause error) *FlushError {
	return &FlushError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *FlushError) WithDetail(key string, value interface{}) *FlushError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *FlushError {
	return NewFlushError(ErrCodeInvalidArgument, message, cause)
}

func InvalidLogStats(group string, firstSerial, lastSerial uint64) *FlushError {
	return NewFlushError(ErrCodeInvalidLogStats,
		fmt.Sprintf("invalid log stats for '%s': first serial %d > last serial %d", group, firstSerial, lastSerial), nil).
		WithDetail("group", group).
		WithDetail("first_serial", firstSerial).
		WithDetail("last_serial", lastSerial)
}

func DuplicateTarget(name string) *FlushError {
	return NewFlushError(ErrCodeDuplicateTarget, fmt.Sprintf("duplicate flush target '%s'", name), nil).
		WithDetail("target", name)
}

func InvalidConfig(field, reason string) *FlushError {
	return NewFlushError(ErrCodeInvalidConfig, fmt.Sprintf("invalid flush config %s: %s", field, reason), nil).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func UnknownHandler(name string) *FlushError {
	return NewFlushError(ErrCodeUnknownHandler, fmt.Sprintf("flush handler '%s' is not registered", name), nil).
		WithDetail("handler", name)
}

func InternalError(message string, cause error) *FlushError {
	return NewFlushError(ErrCodeInternal, message, cause)
}

func FlushFailed(target string, cause error) *FlushError {
	return NewFlushError(ErrCodeFlushFailed, fmt.Sprintf("flush of '%s' failed", target), cause).
		WithDetail("target", target)
}

func CommitLogFailed(message string, cause error) *FlushError {
	return NewFlushError(ErrCodeCommitLogFailed, message, cause)
}

func MemTableFailed(message string, cause error) *FlushError {
	return NewFlushError(ErrCodeMemTableFailed, message, cause)
}

func QueueFull(pool string) *FlushError {
	return NewFlushError(ErrCodeQueueFull, fmt.Sprintf("worker pool '%s' queue is full", pool), nil).
		WithDetail("pool", pool)
}

func Stopped(component string) *FlushError {
	return NewFlushError(ErrCodeStopped, fmt.Sprintf("%s is stopped", component), nil).
		WithDetail("component", component)
}

// DiskFull creates an error for a write refused because the disk is nearly full
func DiskFull(usagePercent float64, availableBytes uint64) *FlushError {
	return NewFlushError(ErrCodeDiskFull, fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", usagePercent), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

// IsFlushError checks if an error is, or wraps, a FlushError
func IsFlushError(err error) bool {
	var fe *FlushError
	return stderrors.As(err, &fe)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var fe *FlushError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeInternal
}

// GRPCCode returns the gRPC status code for err. Errors that are not
// FlushErrors map to Unknown.
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var fe *FlushError
	if stderrors.As(err, &fe) {
		return fe.ToGRPCStatus().Code()
	}
	return status.Code(err)
}
