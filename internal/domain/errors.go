package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnavailable      = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	// Device errors. These abort any in-progress session and return the
	// coordinator to idle; they never crash it.
	ErrDeviceNotFound     = fmt.Errorf("device: %w", ErrNotFound)
	ErrDeviceConnection   = fmt.Errorf("device connection failed")
	ErrDevicePermission   = fmt.Errorf("device: %w", ErrPermissionDenied)
	ErrDeviceSignalPoor   = fmt.Errorf("device signal too poor to record")
	ErrDeviceDisconnected = fmt.Errorf("device disconnected")

	// ErrInvalidState signals an illegal transition request. It is a contract
	// violation by the caller, not a recoverable runtime condition.
	ErrInvalidState = fmt.Errorf("invalid recording state for operation")

	// Persistence errors.
	ErrSessionNotFound = fmt.Errorf("session: %w", ErrNotFound)
	ErrSessionSealed   = fmt.Errorf("session already sealed")
	ErrPersistence     = fmt.Errorf("session persistence failed")

	// Summary gateway errors. End users never see these; the summary service
	// substitutes the canned fallback instead of surfacing them.
	ErrGatewayTimeout   = fmt.Errorf("summary gateway: %w", ErrTimeout)
	ErrGatewayResponse  = fmt.Errorf("summary gateway returned malformed response")
	ErrProviderNotFound = fmt.Errorf("summary provider not found")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Coordinator.Start")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "transport", "store")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can map a category sentinel to a subsystem-specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsDeviceError reports whether err belongs to the device error family.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDeviceConnection) ||
		errors.Is(err, ErrDevicePermission) ||
		errors.Is(err, ErrDeviceSignalPoor) ||
		errors.Is(err, ErrDeviceDisconnected)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes grouped by subsystem. Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeDeviceNotFound     ErrorCode = "DEVICE_NOT_FOUND"
	CodeDeviceConnection   ErrorCode = "DEVICE_CONNECTION_FAILED"
	CodeDevicePermission   ErrorCode = "DEVICE_PERMISSION_DENIED"
	CodeDeviceSignalPoor   ErrorCode = "DEVICE_SIGNAL_POOR"
	CodeDeviceDisconnected ErrorCode = "DEVICE_DISCONNECTED"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionSealed      ErrorCode = "SESSION_SEALED"
	CodePersistence        ErrorCode = "PERSISTENCE"
	CodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"
	CodeGatewayResponse    ErrorCode = "GATEWAY_MALFORMED_RESPONSE"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"

	// Category error codes — fallback codes when no specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnavailable:      CodeUnavailable,

	ErrDeviceNotFound:     CodeDeviceNotFound,
	ErrDeviceConnection:   CodeDeviceConnection,
	ErrDevicePermission:   CodeDevicePermission,
	ErrDeviceSignalPoor:   CodeDeviceSignalPoor,
	ErrDeviceDisconnected: CodeDeviceDisconnected,
	ErrInvalidState:       CodeInvalidState,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrSessionSealed:      CodeSessionSealed,
	ErrPersistence:        CodePersistence,
	ErrGatewayTimeout:     CodeGatewayTimeout,
	ErrGatewayResponse:    CodeGatewayResponse,
	ErrProviderNotFound:   CodeProviderNotFound,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
	ErrRateLimit:          CodeRateLimit,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"device":  CodeDeviceNotFound,
		"session": CodeSessionNotFound,
		"summary": CodeProviderNotFound,
	},
	ErrTimeout: {
		"summary": CodeGatewayTimeout,
	},
	ErrPermissionDenied: {
		"device": CodeDevicePermission,
	},
	ErrUnavailable: {
		"store": CodePersistence,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		// Check subsystem-specific mapping first (higher specificity).
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
