package connection

import (
	"errors"
	"fmt"
)

// Code classifies every failure this layer produces. Collaborators branch on
// codes, not messages.
type Code string

const (
	// CodeConnectTimeout means the socket did not open inside the connect
	// timeout.
	CodeConnectTimeout Code = "CONNECT_TIMEOUT"

	// CodeSocketError is a transport-level read or write failure.
	CodeSocketError Code = "SOCKET_ERROR"

	// CodeUnexpectedClose means the peer closed with a status other than
	// normal closure.
	CodeUnexpectedClose Code = "UNEXPECTED_CLOSE"

	// CodeQueueFull means the outbound queue rejected or evicted a message
	// at capacity.
	CodeQueueFull Code = "QUEUE_FULL"

	// CodeTimeout means a message's own timeout elapsed before delivery or
	// response.
	CodeTimeout Code = "TIMEOUT"

	// CodeConnectionLost resolves messages stranded by a connection that
	// reached a terminal state.
	CodeConnectionLost Code = "CONNECTION_LOST"

	// CodeUnknownConnection means the connection id is stale or was never
	// issued. A programmer error; never retried internally.
	CodeUnknownConnection Code = "UNKNOWN_CONNECTION"

	// CodeCanceled resolves a message whose sender canceled it.
	CodeCanceled Code = "CANCELED"

	// CodeInvalidOptions rejects malformed connect or send options.
	CodeInvalidOptions Code = "INVALID_OPTIONS"

	// CodeManagerClosed rejects operations on a manager after teardown.
	CodeManagerClosed Code = "MANAGER_CLOSED"

	// CodeHealthUnavailable means the connection runs on the legacy path,
	// which carries no health tracking.
	CodeHealthUnavailable Code = "HEALTH_UNAVAILABLE"
)

// Error is the failure type returned across the package boundary.
type Error struct {
	Code         Code
	Op           string
	ConnectionID string
	Err          error
}

// Sentinel values for errors.Is checks against the taxonomy.
var (
	ErrConnectTimeout    = &Error{Code: CodeConnectTimeout}
	ErrSocketError       = &Error{Code: CodeSocketError}
	ErrUnexpectedClose   = &Error{Code: CodeUnexpectedClose}
	ErrQueueFull         = &Error{Code: CodeQueueFull}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrConnectionLost    = &Error{Code: CodeConnectionLost}
	ErrUnknownConnection = &Error{Code: CodeUnknownConnection}
	ErrCanceled          = &Error{Code: CodeCanceled}
	ErrInvalidOptions    = &Error{Code: CodeInvalidOptions}
	ErrManagerClosed     = &Error{Code: CodeManagerClosed}
	ErrHealthUnavailable = &Error{Code: CodeHealthUnavailable}
)

func (e *Error) Error() string {
	msg := string(e.Code)

	if e.Op != "" {
		msg = e.Op + ": " + msg
	}

	if e.ConnectionID != "" {
		msg = fmt.Sprintf("%s (connection %s)", msg, e.ConnectionID)
	}

	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so
// errors.Is(err, ErrTimeout) works regardless of operation context.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return e.Code == other.Code
}

// WithConn returns a copy of the error tagged with a connection id.
func (e *Error) WithConn(id string) *Error {
	clone := *e
	clone.ConnectionID = id

	return &clone
}

// WithCause returns a copy of the error wrapping an underlying cause.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.Err = err

	return &clone
}

// newError builds a taxonomy error for an operation.
func newError(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// CodeOf extracts the taxonomy code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ""
}
