package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorType defines the kind of a tunnel error
type ErrorType string

const (
	// ErrorTypePortInUse indicates the requested public port is already mapped
	ErrorTypePortInUse ErrorType = "port_in_use"
	// ErrorTypeBindFailed indicates the public listener could not be bound
	ErrorTypeBindFailed ErrorType = "bind_failed"
	// ErrorTypeTimeout indicates a pending request hit its deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeSessionClosed indicates the control channel went away
	ErrorTypeSessionClosed ErrorType = "session_closed"
	// ErrorTypeOverloaded indicates the pending table is over its high-water mark
	ErrorTypeOverloaded ErrorType = "overloaded"
	// ErrorTypeProtocol indicates a malformed or unexpected frame or option
	ErrorTypeProtocol ErrorType = "protocol"
)

// TunnelError represents a tunnel-specific error
type TunnelError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface
func (e *TunnelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *TunnelError) Unwrap() error {
	return e.Cause
}

// NewPortInUseError creates an error for a public port that is already mapped.
// The message carries the port number so the client can surface it.
func NewPortInUseError(port int) *TunnelError {
	return &TunnelError{
		Type:    ErrorTypePortInUse,
		Message: fmt.Sprintf("public port %d is already in use by another tunnel", port),
	}
}

// NewBindError creates an error for a public listener that failed to bind
func NewBindError(port int, cause error) *TunnelError {
	return &TunnelError{
		Type:    ErrorTypeBindFailed,
		Message: fmt.Sprintf("failed to bind public port %d", port),
		Cause:   cause,
	}
}

// NewTimeoutError creates an error for a pending request that hit its deadline
func NewTimeoutError(requestID string) *TunnelError {
	return &TunnelError{
		Type:    ErrorTypeTimeout,
		Message: fmt.Sprintf("request %s timed out waiting for the origin", requestID),
	}
}

// NewSessionClosedError creates an error for a session that went away
func NewSessionClosedError(sessionID string) *TunnelError {
	return &TunnelError{
		Type:    ErrorTypeSessionClosed,
		Message: fmt.Sprintf("session %s closed before the reply arrived", sessionID),
	}
}

// NewOverloadedError creates an error for a pending table over its limit
func NewOverloadedError(limit int) *TunnelError {
	return &TunnelError{
		Type:    ErrorTypeOverloaded,
		Message: fmt.Sprintf("too many in-flight requests (limit %d)", limit),
	}
}

// NewProtocolError creates an error for malformed or unexpected input
func NewProtocolError(message string, cause error) *TunnelError {
	return &TunnelError{
		Type:    ErrorTypeProtocol,
		Message: message,
		Cause:   cause,
	}
}

func isType(err error, t ErrorType) bool {
	var tunnelErr *TunnelError
	if errors.As(err, &tunnelErr) {
		return tunnelErr.Type == t
	}
	return false
}

// IsPortInUse checks if an error is a port collision error
func IsPortInUse(err error) bool { return isType(err, ErrorTypePortInUse) }

// IsBindFailed checks if an error is a bind failure
func IsBindFailed(err error) bool { return isType(err, ErrorTypeBindFailed) }

// IsTimeout checks if an error is a pending deadline error
func IsTimeout(err error) bool { return isType(err, ErrorTypeTimeout) }

// IsSessionClosed checks if an error is a session teardown error
func IsSessionClosed(err error) bool { return isType(err, ErrorTypeSessionClosed) }

// IsOverloaded checks if an error is a high-water rejection
func IsOverloaded(err error) bool { return isType(err, ErrorTypeOverloaded) }

// IsProtocol checks if an error is a protocol error
func IsProtocol(err error) bool { return isType(err, ErrorTypeProtocol) }
