// Package transport abstracts the duplex framed channel a connection rides
// on. The connection layer is written against Dialer and Conn; the concrete
// deployment uses the websocket implementation in ws/, and tests use the
// in-process pair in memory/.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Close status codes, aligned with the websocket registry so the ws
// implementation can pass them through unchanged.
const (
	CodeNormalClosure   = 1000
	CodeGoingAway       = 1001
	CodeAbnormalClosure = 1006
	CodeInternalError   = 1011
)

// ErrConnClosed is returned by reads and writes after the connection has
// been torn down locally.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn is one open duplex channel carrying opaque frames.
//
// ReadFrame is intended to be pumped from a single reader goroutine;
// WriteFrame and the close methods may be called from any goroutine.
type Conn interface {
	// ReadFrame blocks until a frame arrives. It returns *CloseError once
	// the peer starts or acknowledges a close handshake, and ErrConnClosed
	// after Abort.
	ReadFrame() ([]byte, error)

	// WriteFrame writes one frame.
	WriteFrame(data []byte) error

	// Close sends a close notification with the given status code and
	// returns without waiting for the peer's acknowledgement. The caller
	// keeps reading to observe the ack, then releases the socket with
	// Abort.
	Close(code int, reason string) error

	// Abort tears the connection down immediately, unblocking any pending
	// read. Safe to call multiple times.
	Abort() error
}

// RTTReporter is implemented by transports that measure round-trip time out
// of band, such as the websocket ping/pong exchange. Callers probe for it
// with a type assertion on Conn.
type RTTReporter interface {
	// OnRoundTrip registers the observer for measured round trips. The
	// callback may fire from a transport-internal goroutine.
	OnRoundTrip(fn func(rtt time.Duration))
}

// Dialer opens connections to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

// CloseError reports the status code carried by a peer's close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: peer closed with status %d", e.Code)
	}

	return fmt.Sprintf("transport: peer closed with status %d: %s", e.Code, e.Reason)
}

// IsNormalClose reports whether err is a close handshake with the normal
// closure status.
func IsNormalClose(err error) bool {
	var ce *CloseError

	return errors.As(err, &ce) && ce.Code == CodeNormalClosure
}

// AsCloseError unwraps err to a *CloseError if it carries one.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}

	return nil, false
}
