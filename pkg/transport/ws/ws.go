// Package ws implements the transport seam over gorilla websockets, with
// binary frames, a write mutex, and ping/pong keepalive that feeds observed
// round-trip times back to the caller.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/actual-software/relink/pkg/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultMaxMessageSize   = 16 * 1024 * 1024
	defaultReadBufferSize   = 4096
	defaultWriteBufferSize  = 4096

	controlDeadline = time.Second
)

// Config contains websocket transport configuration.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PingInterval enables keepalive when positive. A peer that misses
	// PongTimeout past the next ping fails the read side of the
	// connection; it never times out individual messages.
	PingInterval time.Duration
	PongTimeout  time.Duration

	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int

	Origin  string
	Headers map[string]string

	// OnPong observes keepalive round-trip times.
	OnPong func(rtt time.Duration)
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}

	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}

	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = defaultWriteBufferSize
	}

	return c
}

// Dialer opens websocket connections.
type Dialer struct {
	cfg    Config
	logger *zap.Logger
}

// NewDialer creates a websocket dialer.
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dialer{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Dial opens a websocket connection to endpoint (a ws:// or wss:// URL).
func (d *Dialer) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		ReadBufferSize:   d.cfg.ReadBufferSize,
		WriteBufferSize:  d.cfg.WriteBufferSize,
	}

	headers := http.Header{}
	for k, v := range d.cfg.Headers {
		headers.Set(k, v)
	}

	if d.cfg.Origin != "" {
		headers.Set("Origin", d.cfg.Origin)
	}

	wsc, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	wsc.SetReadLimit(d.cfg.MaxMessageSize)

	c := &Conn{
		ws:     wsc,
		cfg:    d.cfg,
		logger: d.logger.With(zap.String("endpoint", endpoint)),
		done:   make(chan struct{}),
	}

	if d.cfg.PingInterval > 0 {
		c.armKeepalive()
	}

	d.logger.Debug("websocket connected", zap.String("endpoint", endpoint))

	return c, nil
}

// Conn is a websocket-backed transport connection.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *zap.Logger

	// writeMu serializes data writes; gorilla allows one concurrent writer.
	writeMu    sync.Mutex
	pingSentAt atomic.Int64
	onPong     atomic.Value // func(time.Duration)

	done      chan struct{}
	abortOnce sync.Once
}

// OnRoundTrip registers an observer for keepalive round trips, replacing
// the dialer-level OnPong callback for this connection.
func (c *Conn) OnRoundTrip(fn func(rtt time.Duration)) {
	c.onPong.Store(fn)
}

func (c *Conn) pongObserver() func(time.Duration) {
	if fn, ok := c.onPong.Load().(func(time.Duration)); ok && fn != nil {
		return fn
	}

	return c.cfg.OnPong
}

// ReadFrame returns the next binary frame from the peer.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.classifyReadError(err)
		}

		if msgType != websocket.BinaryMessage {
			c.logger.Warn("dropping non-binary message", zap.Int("type", msgType))

			continue
		}

		return data, nil
	}
}

func (c *Conn) classifyReadError(err error) error {
	select {
	case <-c.done:
		return transport.ErrConnClosed
	default:
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &transport.CloseError{Code: ce.Code, Reason: ce.Text}
	}

	return err
}

// WriteFrame writes one binary frame.
func (c *Conn) WriteFrame(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// Close sends a close frame with the given status. The socket stays open for
// reads so the close acknowledgement can be observed; Abort releases it.
func (c *Conn) Close(code int, reason string) error {
	payload := websocket.FormatCloseMessage(code, reason)

	if err := c.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(controlDeadline)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("write close frame: %w", err)
	}

	return nil
}

// Abort tears the socket down, unblocking any pending read.
func (c *Conn) Abort() error {
	var err error

	c.abortOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})

	return err
}

// armKeepalive installs the pong handler and starts the ping loop. Missing
// pongs surface as a read deadline error, failing the connection as a whole.
func (c *Conn) armKeepalive() {
	window := c.cfg.PingInterval + c.cfg.PongTimeout

	_ = c.ws.SetReadDeadline(time.Now().Add(window))

	c.ws.SetPongHandler(func(string) error {
		if sent := c.pingSentAt.Load(); sent > 0 {
			if fn := c.pongObserver(); fn != nil {
				fn(time.Since(time.Unix(0, sent)))
			}
		}

		return c.ws.SetReadDeadline(time.Now().Add(window))
	})

	go c.pingLoop()
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(controlDeadline)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("keepalive ping failed", zap.Error(err))

				return
			}

			c.pingSentAt.Store(time.Now().UnixNano())
		}
	}
}
