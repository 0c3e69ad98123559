package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actual-software/relink/pkg/health"
	"github.com/actual-software/relink/pkg/transport"
	"github.com/actual-software/relink/pkg/wire"
)

// wireSingle frames one payload as a single-message batch.
func wireSingle(id string, payload []byte) ([]byte, error) {
	return wire.EncodeBatch([]wire.Message{{ID: id, Payload: payload}})
}

// legacyLink is the fallback delivery path: a bare socket with no queue, no
// batching, no reconnection and no health tracking. Writes go straight to
// the wire and any failure is terminal. The manager demotes a service here
// once the enhanced path keeps failing for it.
type legacyLink struct {
	id       string
	identity Identity
	opts     ConnectOptions
	cfg      ManagerConfig
	logger   *zap.Logger
	dialer   transport.Dialer
	hub      *eventHub

	state atomic.Int32

	errMu   sync.Mutex
	lastErr error

	connMu sync.Mutex
	tc     transport.Conn

	writeMu sync.Mutex

	abortCtx context.Context
	abortFn  context.CancelFunc

	readyCh   chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	closingFlag atomic.Bool

	createdAt    time.Time
	connectedAt  atomic.Int64
	lastActivity atomic.Int64

	sent     atomic.Uint64
	received atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	onTerminal func(l *legacyLink, st State, cause error)
}

func newLegacyLink(
	opts ConnectOptions,
	cfg ManagerConfig,
	dialer transport.Dialer,
	logger *zap.Logger,
	forward *eventHub,
	onTerminal func(*legacyLink, State, error),
) *legacyLink {
	id := uuid.NewString()
	log := logger.With(
		zap.String("connection_id", id),
		zap.String("service", opts.Service),
		zap.String("mode", string(ModeLegacy)))
	abortCtx, abortFn := context.WithCancel(context.Background())

	return &legacyLink{
		id:         id,
		identity:   opts.identity(),
		opts:       opts,
		cfg:        cfg,
		logger:     log,
		dialer:     dialer,
		hub:        newEventHub(cfg.EventBuffer, log, forward),
		abortCtx:   abortCtx,
		abortFn:    abortFn,
		readyCh:    make(chan struct{}),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
		onTerminal: onTerminal,
	}
}

func (l *legacyLink) start() {
	go l.run()
}

func (l *legacyLink) ID() string {
	return l.id
}

func (l *legacyLink) Identity() Identity {
	return l.identity
}

func (l *legacyLink) Mode() Mode {
	return ModeLegacy
}

func (l *legacyLink) State() State {
	return State(l.state.Load())
}

func (l *legacyLink) Done() <-chan struct{} {
	return l.done
}

func (l *legacyLink) WaitReady(ctx context.Context) error {
	select {
	case <-l.readyCh:
		return nil
	case <-l.done:
		if err := l.terminalErr(); err != nil {
			return err
		}

		return newError(CodeConnectionLost, "connect").WithConn(l.id)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return newError(CodeConnectTimeout, "connect").WithConn(l.id)
		}

		return ctx.Err()
	}
}

// Send writes the payload straight to the socket. ExpectResponse is not
// honored on this path: the delivery resolves on write, and whatever the
// peer answers arrives as a plain message event.
func (l *legacyLink) Send(payload []byte, opts SendOptions) (*Delivery, error) {
	if l.State() != StateConnected {
		return nil, newError(CodeConnectionLost, "send").WithConn(l.id)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	data, err := wireSingle(id, payload)
	if err != nil {
		return nil, newError(CodeInvalidOptions, "send").WithConn(l.id).WithCause(err)
	}

	l.connMu.Lock()
	tc := l.tc
	l.connMu.Unlock()

	if tc == nil {
		return nil, newError(CodeConnectionLost, "send").WithConn(l.id)
	}

	d := newDelivery(id)

	l.writeMu.Lock()
	err = tc.WriteFrame(data)
	l.writeMu.Unlock()

	if err != nil {
		werr := newError(CodeSocketError, "send").WithConn(l.id).WithCause(err)
		d.resolve(nil, werr)
		l.fail(werr)

		return nil, werr
	}

	l.sent.Add(1)
	l.bytesOut.Add(uint64(len(data)))
	l.touch()
	d.resolve(nil, nil)

	return d, nil
}

// Health is not tracked on the legacy path.
func (l *legacyLink) Health() (health.Snapshot, error) {
	return health.Snapshot{}, newError(CodeHealthUnavailable, "health").WithConn(l.id)
}

func (l *legacyLink) Diagnose() ([]string, error) {
	return nil, newError(CodeHealthUnavailable, "health").WithConn(l.id)
}

func (l *legacyLink) OnMessage(fn func(MessageEvent)) *Subscription {
	return l.hub.OnMessage(fn)
}

func (l *legacyLink) OnStatus(fn func(StatusEvent)) *Subscription {
	return l.hub.OnStatus(fn)
}

func (l *legacyLink) OnHealth(fn func(HealthEvent)) *Subscription {
	return l.hub.OnHealth(fn)
}

// CloseGraceful notifies the peer and waits for the read loop to observe
// the acknowledgement, bounded by the grace period.
func (l *legacyLink) CloseGraceful(ctx context.Context) error {
	l.connMu.Lock()
	tc := l.tc
	l.connMu.Unlock()

	if tc == nil || l.State().Terminal() {
		l.abortFn()

		return nil
	}

	l.closingFlag.Store(true)
	l.transition(StateClosing, nil)

	if err := tc.Close(transport.CodeNormalClosure, "client disconnect"); err != nil {
		l.abortFn()

		return nil
	}

	timer := time.NewTimer(l.cfg.CloseGrace)
	defer timer.Stop()

	select {
	case <-l.done:
		return nil
	case <-timer.C:
		l.logger.Warn("Close acknowledgement timed out")
		l.abortFn()
	case <-ctx.Done():
		l.abortFn()

		return ctx.Err()
	}

	<-l.done

	return nil
}

func (l *legacyLink) Abort() {
	l.abortFn()
}

func (l *legacyLink) Stats() ConnectionStats {
	var connectedAt time.Time
	if ns := l.connectedAt.Load(); ns != 0 {
		connectedAt = time.Unix(0, ns)
	}

	var lastActivity time.Time
	if ns := l.lastActivity.Load(); ns != 0 {
		lastActivity = time.Unix(0, ns)
	}

	return ConnectionStats{
		ID:               l.id,
		Service:          l.identity.Service,
		Session:          l.identity.Session,
		Mode:             ModeLegacy,
		State:            l.State().String(),
		Priority:         l.opts.Priority.String(),
		Endpoint:         l.opts.Endpoint,
		CreatedAt:        l.createdAt,
		ConnectedAt:      connectedAt,
		LastActivity:     lastActivity,
		MessagesSent:     l.sent.Load(),
		MessagesReceived: l.received.Load(),
		BytesSent:        l.bytesOut.Load(),
		BytesReceived:    l.bytesIn.Load(),
		EventsDropped:    l.hub.Dropped(),
	}
}

// run dials once and then pumps inbound frames until the socket dies.
func (l *legacyLink) run() {
	defer close(l.done)
	defer l.finalize()

	l.transition(StateConnecting, nil)

	dialCtx, cancel := context.WithTimeout(l.abortCtx, l.opts.ConnectTimeout)
	tc, err := l.dialer.Dial(dialCtx, l.opts.Endpoint)

	cancel()

	if err != nil {
		if l.abortCtx.Err() != nil {
			l.transition(StateClosed, nil)

			return
		}

		if errors.Is(err, context.DeadlineExceeded) {
			l.transition(StateFailed, newError(CodeConnectTimeout, "connect").WithConn(l.id).WithCause(err))
		} else {
			l.transition(StateFailed, newError(CodeSocketError, "connect").WithConn(l.id).WithCause(err))
		}

		return
	}

	l.connMu.Lock()
	l.tc = tc
	l.connMu.Unlock()

	defer func() { _ = tc.Abort() }()

	l.transition(StateConnected, nil)
	l.readyOnce.Do(func() { close(l.readyCh) })
	l.connectedAt.Store(time.Now().UnixNano())
	l.touch()

	go l.watchAbort(tc)

	l.readLoop(tc)
}

// watchAbort releases the socket when Abort fires, which unblocks the read
// loop.
func (l *legacyLink) watchAbort(tc transport.Conn) {
	select {
	case <-l.abortCtx.Done():
		_ = tc.Abort()
	case <-l.done:
	}
}

func (l *legacyLink) readLoop(tc transport.Conn) {
	for {
		data, err := tc.ReadFrame()
		if err != nil {
			l.handleReadError(tc, err)

			return
		}

		msgs, derr := wire.DecodeBatch(data)
		if derr != nil {
			l.logger.Warn("Discarding undecodable frame",
				zap.Int("bytes", len(data)),
				zap.Error(derr))

			continue
		}

		l.received.Add(uint64(len(msgs)))
		l.bytesIn.Add(uint64(len(data)))
		l.touch()

		for _, wm := range msgs {
			l.hub.publishMessage(MessageEvent{
				ConnectionID: l.id,
				ID:           wm.ID,
				Payload:      wm.Payload,
				ReceivedAt:   time.Now(),
			})
		}
	}
}

func (l *legacyLink) handleReadError(tc transport.Conn, err error) {
	if l.closingFlag.Load() {
		l.transition(StateClosed, nil)

		return
	}

	if l.abortCtx.Err() != nil {
		// A write failure aborts with its cause recorded; a bare abort is a
		// deliberate teardown.
		if cause := l.terminalErr(); cause != nil {
			l.transition(StateFailed, cause)
		} else {
			l.transition(StateClosed, nil)
		}

		return
	}

	if transport.IsNormalClose(err) {
		_ = tc.Close(transport.CodeNormalClosure, "")
		l.transition(StateClosing, nil)
		l.transition(StateClosed, nil)

		return
	}

	if ce, ok := transport.AsCloseError(err); ok {
		l.transition(StateFailed, newError(CodeUnexpectedClose, "read").WithConn(l.id).WithCause(ce))

		return
	}

	l.transition(StateFailed, newError(CodeSocketError, "read").WithConn(l.id).WithCause(err))
}

// fail forces a terminal failure from outside the read loop, after a write
// error. The abort unblocks the read loop, which then finishes run.
func (l *legacyLink) fail(cause error) {
	l.errMu.Lock()
	if l.lastErr == nil {
		l.lastErr = cause
	}
	l.errMu.Unlock()

	l.abortFn()
}

func (l *legacyLink) finalize() {
	st := l.State()
	if !st.Terminal() {
		// The read loop exited without settling, a write failure aborted us.
		l.transition(StateFailed, l.terminalErr())
		st = StateFailed
	}

	if l.onTerminal != nil {
		l.onTerminal(l, st, l.terminalErr())
	}

	l.hub.close()
}

func (l *legacyLink) transition(to State, cause error) {
	from := State(l.state.Swap(int32(to)))
	if from == to {
		return
	}

	if cause != nil {
		l.errMu.Lock()
		l.lastErr = cause
		l.errMu.Unlock()
	}

	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}

	l.logger.Info("Connection state changed", fields...)

	l.hub.publishStatus(StatusEvent{
		ConnectionID: l.id,
		Identity:     l.identity,
		Previous:     from,
		Current:      to,
		Err:          cause,
		At:           time.Now(),
	})
}

func (l *legacyLink) terminalErr() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()

	return l.lastErr
}

func (l *legacyLink) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}
