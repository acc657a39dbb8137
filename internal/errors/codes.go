package errors

// ErrorCode represents a unique error code for specific error scenarios.
type ErrorCode string

const (
	// Node errors
	CodeNodeNotFound       ErrorCode = "NODE_NOT_FOUND"
	CodeNodeAlreadyExists  ErrorCode = "NODE_ALREADY_EXISTS"
	CodeNodeContentEmpty   ErrorCode = "NODE_CONTENT_EMPTY"
	CodeNodeTypeInvalid    ErrorCode = "NODE_TYPE_INVALID"
	CodeNodeIDEmpty        ErrorCode = "NODE_ID_EMPTY"
	CodeNodeIsPlaceholder  ErrorCode = "NODE_IS_PLACEHOLDER"
	CodeVersionRegression  ErrorCode = "VERSION_REGRESSION"
	CodeHeaderLevelInvalid ErrorCode = "HEADER_LEVEL_INVALID"

	// Structure errors
	CodeEdgeNotFound       ErrorCode = "EDGE_NOT_FOUND"
	CodeAlreadyParented    ErrorCode = "ALREADY_PARENTED"
	CodeCycleDetected      ErrorCode = "CYCLE_DETECTED"
	CodeNoPreviousSibling  ErrorCode = "NO_PREVIOUS_SIBLING"
	CodeNoParent           ErrorCode = "NO_PARENT"
	CodeSiblingNotFound    ErrorCode = "SIBLING_NOT_FOUND"
	CodeSelfReference      ErrorCode = "SELF_REFERENCE"

	// Validation errors
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"

	// Backend and sync errors
	CodeBackendFailure     ErrorCode = "BACKEND_FAILURE"
	CodeBackendRejected    ErrorCode = "BACKEND_REJECTED"
	CodeOptimisticLock     ErrorCode = "OPTIMISTIC_LOCK"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeStreamDisconnected ErrorCode = "STREAM_DISCONNECTED"
	CodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	CodeDecodeFailed       ErrorCode = "DECODE_FAILED"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}
