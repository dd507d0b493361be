package models

import "fmt"

// ErrorCode is the stable machine-readable code carried by every recoverable
// engine error. These codes surface verbatim in JSON-RPC error data and in
// audit records.
type ErrorCode string

const (
	CodeToolNotFound       ErrorCode = "tool_not_found"
	CodeInvalidArgs        ErrorCode = "invalid_args"
	CodePermissionDenied   ErrorCode = "permission_denied"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeCPUExhausted       ErrorCode = "cpu_exhausted"
	CodeStorageExhausted   ErrorCode = "storage_exhausted"
	CodeTimeout            ErrorCode = "timeout"
	CodeReflexOverride     ErrorCode = "reflex_override"
	CodePluginError        ErrorCode = "plugin_error"
	CodeClientDisconnected ErrorCode = "client_disconnected"
	CodeInternal           ErrorCode = "internal_error"
)

// EngineError is a recoverable, client-visible failure. Integrity failures
// (chain mismatch, durable-write loss) are deliberately not EngineErrors;
// they abort the process.
type EngineError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewEngineError builds an EngineError with a formatted message.
func NewEngineError(code ErrorCode, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail and returns the error for chaining.
func (e *EngineError) WithData(key string, value any) *EngineError {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSONRPCCode maps an engine error code to its numeric JSON-RPC error code.
// Application codes sit outside the reserved -32768..-32000 band.
func JSONRPCCode(code ErrorCode) int {
	switch code {
	case CodeToolNotFound:
		return 1001
	case CodeInvalidArgs:
		return 1002
	case CodePermissionDenied:
		return 1003
	case CodeRateLimited:
		return 1004
	case CodeCPUExhausted:
		return 1005
	case CodeStorageExhausted:
		return 1006
	case CodeTimeout:
		return 1007
	case CodeReflexOverride:
		return 1008
	case CodePluginError:
		return 1009
	case CodeClientDisconnected:
		return 1010
	default:
		return 1000
	}
}
