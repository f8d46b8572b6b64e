package errors

import "net/http"

// Error code constants. The set is closed but extensible: agent-side
// errors always carry one of these codes so the controller can branch
// without string matching.

// Request/validation error codes.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
)

// Transport error codes.
const (
	CodeTimeout             = "TIMEOUT"
	CodeTransportClosed     = "TRANSPORT_CLOSED"
	CodeTransportSuperseded = "TRANSPORT_SUPERSEDED"
)

// Auth error codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeTokenExpired = "TOKEN_EXPIRED"
)

// Resource error codes.
const (
	CodeNodeNotFound     = "NODE_NOT_FOUND"
	CodeNodeOffline      = "NODE_OFFLINE"
	CodeVMNotFound       = "VM_NOT_FOUND"
	CodeVolumeNotFound   = "VOLUME_NOT_FOUND"
	CodePoolNotFound     = "POOL_NOT_FOUND"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeNetworkNotFound  = "NETWORK_NOT_FOUND"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeUserNotFound     = "USER_NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
)

// State error codes.
const (
	CodeIPExhausted        = "IP_EXHAUSTED"
	CodePreconditionFailed = "PRECONDITION_FAILED"
)

// Driver error codes, reported by the agent verbatim.
const (
	CodeHypervisorError = "HYPERVISOR_ERROR"
	CodeStorageError    = "STORAGE_ERROR"
	CodeNetworkError    = "NETWORK_ERROR"
)

// Internal error codes.
const (
	CodeInternal           = "INTERNAL_ERROR"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

// httpStatusByCode maps RPC error codes arriving from an agent to the
// HTTP status surfaced to REST clients.
var httpStatusByCode = map[string]int{
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeValidationFailed:    http.StatusBadRequest,
	CodeMethodNotFound:      http.StatusBadGateway,
	CodeTimeout:             http.StatusAccepted,
	CodeTransportClosed:     http.StatusAccepted,
	CodeTransportSuperseded: http.StatusAccepted,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeTokenExpired:        http.StatusUnauthorized,
	CodeNodeNotFound:        http.StatusNotFound,
	CodeNodeOffline:         http.StatusConflict,
	CodeVMNotFound:          http.StatusNotFound,
	CodeVolumeNotFound:      http.StatusNotFound,
	CodePoolNotFound:        http.StatusNotFound,
	CodeSnapshotNotFound:    http.StatusNotFound,
	CodeNetworkNotFound:     http.StatusNotFound,
	CodeTaskNotFound:        http.StatusNotFound,
	CodeUserNotFound:        http.StatusNotFound,
	CodeAlreadyExists:       http.StatusConflict,
	CodeIPExhausted:         http.StatusConflict,
	CodePreconditionFailed:  http.StatusConflict,
	CodeHypervisorError:     http.StatusBadGateway,
	CodeStorageError:        http.StatusBadGateway,
	CodeNetworkError:        http.StatusBadGateway,
	CodeInternal:            http.StatusInternalServerError,
	CodeInvariantViolation:  http.StatusInternalServerError,
}

// HTTPStatusFor returns the HTTP status for a protocol error code,
// defaulting to 500 for codes outside the known set.
func HTTPStatusFor(code string) int {
	if status, ok := httpStatusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// FromCode builds an AppError for a protocol error code.
func FromCode(code, message string) *AppError {
	return New(code, message, HTTPStatusFor(code))
}
