package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeInvalidDN           ErrorCode = 1001
	ErrCodeInvalidChangeNumber ErrorCode = 1002
	ErrCodeChangeOutOfOrder    ErrorCode = 1003
	ErrCodeDuplicateServer     ErrorCode = 1004
	ErrCodeUnknownServer       ErrorCode = 1005
	ErrCodeUnknownDomain       ErrorCode = 1006
	ErrCodeCursorReadOnly      ErrorCode = 1007
	ErrCodePayloadTooLarge     ErrorCode = 1008

	// Server errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeShuttingDown      ErrorCode = 2002
	ErrCodeChangelogFailed   ErrorCode = 2003
	ErrCodeCorruptedRecord   ErrorCode = 2004
	ErrCodeDiskFull          ErrorCode = 2005
	ErrCodeDiskThrottled     ErrorCode = 2006
	ErrCodeResourceExhausted ErrorCode = 2007
)

// ReplicationError represents a structured error with code and context
type ReplicationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ReplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ReplicationError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts the error to a gRPC status
func (e *ReplicationError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *ReplicationError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidDN, ErrCodeInvalidChangeNumber,
		ErrCodePayloadTooLarge:
		return codes.InvalidArgument
	case ErrCodeChangeOutOfOrder, ErrCodeCursorReadOnly:
		return codes.FailedPrecondition
	case ErrCodeDuplicateServer:
		return codes.AlreadyExists
	case ErrCodeUnknownServer, ErrCodeUnknownDomain:
		return codes.NotFound
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeUnavailable, ErrCodeShuttingDown, ErrCodeDiskThrottled:
		return codes.Unavailable
	case ErrCodeCorruptedRecord:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewReplicationError creates a new ReplicationError
func NewReplicationError(code ErrorCode, message string, cause error) *ReplicationError {
	return &ReplicationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ReplicationError) WithDetail(key string, value interface{}) *ReplicationError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidArgument, message, cause)
}

func InvalidDN(dn, reason string) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidDN, fmt.Sprintf("invalid DN '%s': %s", dn, reason), nil).
		WithDetail("dn", dn).
		WithDetail("reason", reason)
}

func InvalidChangeNumber(reason string) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidChangeNumber, fmt.Sprintf("invalid change number: %s", reason), nil)
}

func ChangeOutOfOrder(replicaID uint16, last, got fmt.Stringer) *ReplicationError {
	return NewReplicationError(ErrCodeChangeOutOfOrder,
		fmt.Sprintf("change %s from replica %d does not follow %s", got, replicaID, last), nil).
		WithDetail("replica_id", replicaID).
		WithDetail("last", last.String()).
		WithDetail("got", got.String())
}

func DuplicateServer(serverID uint16) *ReplicationError {
	return NewReplicationError(ErrCodeDuplicateServer, fmt.Sprintf("server %d is already connected", serverID), nil).
		WithDetail("server_id", serverID)
}

func UnknownServer(serverID uint16) *ReplicationError {
	return NewReplicationError(ErrCodeUnknownServer, fmt.Sprintf("server %d is not connected", serverID), nil).
		WithDetail("server_id", serverID)
}

func UnknownDomain(baseDN string) *ReplicationError {
	return NewReplicationError(ErrCodeUnknownDomain, fmt.Sprintf("unknown replication domain '%s'", baseDN), nil).
		WithDetail("base_dn", baseDN)
}

func CursorReadOnly() *ReplicationError {
	return NewReplicationError(ErrCodeCursorReadOnly, "cursor was not opened in mutating mode", nil)
}

func PayloadTooLarge(size, maxSize int) *ReplicationError {
	return NewReplicationError(ErrCodePayloadTooLarge, fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InternalError(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeUnavailable, message, cause)
}

func ShuttingDown() *ReplicationError {
	return NewReplicationError(ErrCodeShuttingDown, "replication server is shutting down", nil)
}

// ChangelogFailed reports a durable storage failure. It is fatal for the
// whole replication server.
func ChangelogFailed(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeChangelogFailed, message, cause)
}

func CorruptedRecord(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeCorruptedRecord, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *ReplicationError {
	return NewReplicationError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *ReplicationError {
	return NewReplicationError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func ResourceExhausted(resource string, current, limit int) *ReplicationError {
	return NewReplicationError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// IsReplicationError checks if an error is, or wraps, a ReplicationError
func IsReplicationError(err error) bool {
	var re *ReplicationError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var re *ReplicationError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// IsFatal reports whether err must take the replication server down
func IsFatal(err error) bool {
	return GetCode(err) == ErrCodeChangelogFailed
}

// ToGRPCError converts any error to a gRPC status error
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var re *ReplicationError
	if stderrors.As(err, &re) {
		return re.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}
