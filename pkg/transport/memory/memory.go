// Package memory provides an in-process transport pair with the same close
// handshake semantics as the websocket transport. It exists for tests and
// local wiring; nothing here touches the network.
package memory

import (
	"sync"

	"github.com/actual-software/relink/pkg/transport"
)

const frameBuffer = 256

type closeInfo struct {
	code   int
	reason string
}

// half is one direction of the pipe.
type half struct {
	frames chan []byte

	mu       sync.Mutex
	closed   bool
	closeSig chan struct{}
	info     closeInfo
}

func newHalf() *half {
	return &half{
		frames:   make(chan []byte, frameBuffer),
		closeSig: make(chan struct{}),
	}
}

func (h *half) close(code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true
	h.info = closeInfo{code: code, reason: reason}
	close(h.closeSig)
}

func (h *half) closeErr() *transport.CloseError {
	h.mu.Lock()
	defer h.mu.Unlock()

	return &transport.CloseError{Code: h.info.code, Reason: h.info.reason}
}

// Conn is one end of an in-process pipe.
type Conn struct {
	in  *half // frames arriving at this end
	out *half // frames leaving this end

	mu     sync.Mutex
	local  bool // local Close sent
	dead   chan struct{}
	once   sync.Once
	onDead func()
}

// Pipe returns two connected transport conns. Frames written to one end are
// read from the other in order.
func Pipe() (*Conn, *Conn) {
	ab := newHalf()
	ba := newHalf()

	a := &Conn{in: ba, out: ab, dead: make(chan struct{})}
	b := &Conn{in: ab, out: ba, dead: make(chan struct{})}

	return a, b
}

// ReadFrame returns the next frame from the peer. Buffered frames are
// drained before a pending close notification is reported.
func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in.frames:
		return f, nil
	default:
	}

	select {
	case f := <-c.in.frames:
		return f, nil
	case <-c.in.closeSig:
		// The peer wrote everything before closing; hand over stragglers
		// before surfacing the close.
		select {
		case f := <-c.in.frames:
			return f, nil
		default:
		}

		return nil, c.in.closeErr()
	case <-c.dead:
		return nil, transport.ErrConnClosed
	}
}

// WriteFrame sends one frame to the peer.
func (c *Conn) WriteFrame(data []byte) error {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()

	if local {
		return transport.ErrConnClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-c.dead:
		return transport.ErrConnClosed
	case <-c.out.closeSig:
		return transport.ErrConnClosed
	case c.out.frames <- buf:
		return nil
	}
}

// Close sends a close notification to the peer. Reads stay open so the
// caller can observe the peer's acknowledgement.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.local {
		c.mu.Unlock()

		return nil
	}

	c.local = true
	c.mu.Unlock()

	c.out.close(code, reason)

	return nil
}

// Abort tears this end down and unblocks pending reads on both ends, the
// way a reset tears down a real socket.
func (c *Conn) Abort() error {
	c.once.Do(func() {
		close(c.dead)
		c.out.close(transport.CodeAbnormalClosure, "peer went away")

		if c.onDead != nil {
			c.onDead()
		}
	})

	return nil
}

// OnAbort registers a hook invoked once when this end is aborted. Tests use
// it to observe teardown ordering.
func (c *Conn) OnAbort(fn func()) {
	c.onDead = fn
}
