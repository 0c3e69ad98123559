// Package connection manages resilient duplex connections: automatic
// reconnection with exponential backoff, priority-ordered buffering with
// batched writes, per-message delivery tracking, and health scoring.
package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actual-software/relink/pkg/backoff"
	"github.com/actual-software/relink/pkg/health"
	"github.com/actual-software/relink/pkg/transport"
	"github.com/actual-software/relink/pkg/wire"
)

// Connection is one managed duplex channel. Its run loop owns the state
// machine: dial, serve traffic, back off and redial on failure, and settle
// in a terminal state. All public methods are safe for concurrent use.
type Connection struct {
	id       string
	identity Identity
	opts     ConnectOptions
	cfg      ManagerConfig
	logger   *zap.Logger
	dialer   transport.Dialer

	queue   *messageQueue
	batch   *batcher
	hub     *eventHub
	tracker *health.Tracker
	policy  *backoff.Policy

	state   atomic.Int32
	attempt int // run-loop owned

	errMu   sync.Mutex
	lastErr error

	nudge    chan struct{}
	closeReq chan chan error

	abortCtx context.Context
	abortFn  context.CancelFunc

	readyCh   chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	createdAt    time.Time
	connectedAt  atomic.Int64
	lastActivity atomic.Int64

	sent       atomic.Uint64
	received   atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	reconnects atomic.Uint64
	batches    atomic.Uint64

	onTerminal func(c *Connection, st State, cause error)
}

func newConnection(
	opts ConnectOptions,
	cfg ManagerConfig,
	dialer transport.Dialer,
	logger *zap.Logger,
	forward *eventHub,
	onTerminal func(*Connection, State, error),
) *Connection {
	id := uuid.NewString()
	log := logger.With(
		zap.String("connection_id", id),
		zap.String("service", opts.Service))
	abortCtx, abortFn := context.WithCancel(context.Background())

	return &Connection{
		id:         id,
		identity:   opts.identity(),
		opts:       opts,
		cfg:        cfg,
		logger:     log,
		dialer:     dialer,
		queue:      newMessageQueue(cfg.Queue.Capacity, log),
		batch:      newBatcher(cfg.Batch),
		hub:        newEventHub(cfg.EventBuffer, log, forward),
		tracker:    health.NewTracker(cfg.Health),
		policy:     backoff.New(cfg.Backoff),
		nudge:      make(chan struct{}, 1),
		closeReq:   make(chan chan error),
		abortCtx:   abortCtx,
		abortFn:    abortFn,
		readyCh:    make(chan struct{}),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
		onTerminal: onTerminal,
	}
}

func (c *Connection) start() {
	go c.run()
	go c.sweeper()
}

// ID is the unique handle issued for this connection.
func (c *Connection) ID() string {
	return c.id
}

// Identity is the service/session pair this connection serves.
func (c *Connection) Identity() Identity {
	return c.identity
}

// Mode reports which delivery path the connection runs on.
func (c *Connection) Mode() Mode {
	return ModeEnhanced
}

// State is the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Done is closed once the connection reached a terminal state and its
// pending messages were resolved.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// WaitReady blocks until the first successful connect, a terminal state, or
// ctx. A deadline hit maps to a connect timeout; reconnection keeps going
// in the background regardless.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.done:
		if err := c.terminalErr(); err != nil {
			return err
		}

		return newError(CodeConnectionLost, "connect").WithConn(c.id)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return newError(CodeConnectTimeout, "connect").WithConn(c.id)
		}

		return ctx.Err()
	}
}

// Send queues one payload. The returned Delivery resolves once the message
// was written (or its response arrived, when requested), or with the
// taxonomy error that ended it. Send never blocks on the socket.
func (c *Connection) Send(payload []byte, opts SendOptions) (*Delivery, error) {
	if c.State().Terminal() {
		return nil, newError(CodeConnectionLost, "send").WithConn(c.id)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.SendTimeout
	}

	if opts.Retries < 0 {
		opts.Retries = 0
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	if (wire.Message{ID: id, Payload: payload}).EncodedSize()+2 > wire.MaxFramePayload {
		return nil, newError(CodeInvalidOptions, "send").WithConn(c.id)
	}

	d := newDelivery(id)
	m := &message{
		id:             id,
		payload:        payload,
		priority:       opts.Priority,
		timeout:        opts.Timeout,
		expectResponse: opts.ExpectResponse,
		retries:        opts.Retries,
		delivery:       d,
	}
	d.setCanceler(func() { c.queue.cancel(id) })

	if err := c.queue.enqueue(m); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, e.WithConn(c.id)
		}

		return nil, err
	}

	c.wake()

	return d, nil
}

// Health is the current health snapshot.
func (c *Connection) Health() (health.Snapshot, error) {
	return c.tracker.Snapshot(), nil
}

// Diagnose returns human-readable findings about the connection's health.
func (c *Connection) Diagnose() ([]string, error) {
	return c.tracker.Diagnose(), nil
}

// OnMessage registers a handler for inbound frames that are not correlated
// responses.
func (c *Connection) OnMessage(fn func(MessageEvent)) *Subscription {
	return c.hub.OnMessage(fn)
}

// OnStatus registers a handler for state transitions.
func (c *Connection) OnStatus(fn func(StatusEvent)) *Subscription {
	return c.hub.OnStatus(fn)
}

// OnHealth registers a handler for health snapshot updates.
func (c *Connection) OnHealth(fn func(HealthEvent)) *Subscription {
	return c.hub.OnHealth(fn)
}

// CloseGraceful runs the close handshake: a normal-closure notification to
// the peer, a bounded wait for its acknowledgement, then teardown. Pending
// messages resolve as connection lost. If ctx ends first the socket is torn
// down hard.
func (c *Connection) CloseGraceful(ctx context.Context) error {
	respCh := make(chan error, 1)

	select {
	case c.closeReq <- respCh:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-respCh:
		return err
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.abortFn()

		return ctx.Err()
	}
}

// Abort tears the connection down without a handshake.
func (c *Connection) Abort() {
	c.abortFn()
}

// CreatedAt is when the connection was opened by the manager.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// LastActivity is the time of the last frame in either direction.
func (c *Connection) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

// Stats is a point-in-time operational snapshot.
func (c *Connection) Stats() ConnectionStats {
	snap := c.tracker.Snapshot()

	var connectedAt time.Time
	if ns := c.connectedAt.Load(); ns != 0 {
		connectedAt = time.Unix(0, ns)
	}

	return ConnectionStats{
		ID:               c.id,
		Service:          c.identity.Service,
		Session:          c.identity.Session,
		Mode:             ModeEnhanced,
		State:            c.State().String(),
		Priority:         c.opts.Priority.String(),
		Endpoint:         c.opts.Endpoint,
		CreatedAt:        c.createdAt,
		ConnectedAt:      connectedAt,
		LastActivity:     c.LastActivity(),
		Reconnects:       c.reconnects.Load(),
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		BytesSent:        c.bytesOut.Load(),
		BytesReceived:    c.bytesIn.Load(),
		BatchesFlushed:   c.batches.Load(),
		EventsDropped:    c.hub.Dropped(),
		Queue:            c.queue.snapshot(),
		Health:           &snap,
	}
}

// run drives the state machine until a terminal state, then resolves
// whatever is still pending and notifies the manager.
func (c *Connection) run() {
	defer close(c.done)
	defer c.finalize()

	for {
		switch c.State() {
		case StateIdle:
			c.transition(StateConnecting, nil)
		case StateConnecting:
			c.runConnecting()
		case StateReconnecting:
			c.waitBackoff()
		case StateClosed, StateFailed:
			return
		default:
			return
		}
	}
}

// sweeper expires messages on a fixed cadence for the connection's whole
// life, so timeouts fire even while disconnected. It is the only place a
// message timeout is decided.
func (c *Connection) sweeper() {
	ticker := time.NewTicker(c.cfg.Queue.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			requeued, expired := c.queue.sweep(now)
			if requeued+expired == 0 {
				continue
			}

			c.tracker.RecordErrors(requeued + expired)
			c.emitHealth()

			if requeued > 0 {
				c.wake()
			}
		case <-c.done:
			return
		}
	}
}

type dialResult struct {
	tc  transport.Conn
	err error
}

// runConnecting makes one dial attempt while staying responsive to close
// and abort requests.
func (c *Connection) runConnecting() {
	dialCtx, cancel := context.WithTimeout(c.abortCtx, c.opts.ConnectTimeout)
	defer cancel()

	resCh := make(chan dialResult, 1)

	go func() {
		tc, err := c.dialer.Dial(dialCtx, c.opts.Endpoint)
		resCh <- dialResult{tc: tc, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			if c.abortCtx.Err() != nil {
				c.transition(StateClosed, nil)

				return
			}

			c.tracker.RecordError()
			c.emitHealth()
			c.decideRetry(c.classifyDialError(res.err, dialCtx))

			return
		}

		c.transition(StateConnected, nil)
		c.readyOnce.Do(func() { close(c.readyCh) })
		c.connectedAt.Store(time.Now().UnixNano())
		c.touch()
		c.serve(res.tc)
	case resp := <-c.closeReq:
		cancel()
		c.discardDial(resCh)
		c.transition(StateClosing, nil)
		c.transition(StateClosed, nil)
		resp <- nil
	case <-c.abortCtx.Done():
		c.discardDial(resCh)
		c.transition(StateClosed, nil)
	}
}

// discardDial waits out an abandoned dial attempt and releases its socket
// if it succeeded anyway.
func (c *Connection) discardDial(resCh <-chan dialResult) {
	res := <-resCh
	if res.tc != nil {
		_ = res.tc.Abort()
	}
}

func (c *Connection) classifyDialError(err error, dialCtx context.Context) *Error {
	if errors.Is(err, context.DeadlineExceeded) || dialCtx.Err() == context.DeadlineExceeded {
		return newError(CodeConnectTimeout, "connect").WithConn(c.id).WithCause(err)
	}

	return newError(CodeSocketError, "connect").WithConn(c.id).WithCause(err)
}

// decideRetry picks between another reconnect round and giving up, based on
// the remaining retry budget.
func (c *Connection) decideRetry(cause *Error) {
	if c.attempt < c.opts.MaxRetries {
		c.reconnects.Add(1)
		c.tracker.RecordReconnect()
		c.transition(StateReconnecting, cause)
		c.emitHealth()

		return
	}

	c.transition(StateFailed, cause)
}

// waitBackoff sleeps out the delay for the current attempt, then moves to
// the next dial. Close and abort cut the wait short.
func (c *Connection) waitBackoff() {
	delay := c.policy.Delay(c.attempt)
	c.logger.Info("Scheduling reconnect attempt",
		zap.Int("attempt", c.attempt+1),
		zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.attempt++
		c.transition(StateConnecting, nil)
	case resp := <-c.closeReq:
		c.transition(StateClosing, nil)
		c.transition(StateClosed, nil)
		resp <- nil
	case <-c.abortCtx.Done():
		c.transition(StateClosed, nil)
	}
}

type readEvent struct {
	msgs []wire.Message
	size int
	err  error
}

// serve owns the socket while Connected: it pumps outbound batches, fans
// inbound frames out, and decides the next state when the socket dies. It
// returns once the connection left Connected.
func (c *Connection) serve(tc transport.Conn) {
	defer func() { _ = tc.Abort() }()

	serveExit := make(chan struct{})
	defer close(serveExit)

	readCh := make(chan readEvent, 16)

	go c.readLoop(tc, readCh, serveExit)

	if rr, ok := tc.(transport.RTTReporter); ok {
		rr.OnRoundTrip(func(rtt time.Duration) {
			c.tracker.RecordRoundTrip(rtt)
			c.emitHealth()
		})
	}

	stability := time.NewTimer(c.cfg.StabilityWindow)
	defer stability.Stop()

	flush := time.NewTimer(time.Hour)
	defer flush.Stop()

	// Traffic may have queued while we were away.
	if !c.pump(tc, flush) {
		return
	}

	for {
		select {
		case ev := <-readCh:
			if ev.err != nil {
				c.handleReadError(tc, ev.err)

				return
			}

			c.handleInbound(ev)
		case <-c.nudge:
			if !c.pump(tc, flush) {
				return
			}
		case <-flush.C:
			if !c.pump(tc, flush) {
				return
			}
		case <-stability.C:
			if c.attempt > 0 {
				c.logger.Info("Connection stable, resetting backoff",
					zap.Int("attempt", c.attempt))
				c.attempt = 0
			}
		case resp := <-c.closeReq:
			resp <- c.shutdown(tc, readCh)

			return
		case <-c.abortCtx.Done():
			c.transition(StateClosed, nil)

			return
		}
	}
}

// pump flushes every batch that is due, then re-arms the flush timer for
// the oldest waiting message. Returns false when a write failed and serve
// must exit; the next state is already set.
func (c *Connection) pump(tc transport.Conn, flush *time.Timer) bool {
	for c.batch.due(c.queue) {
		if d := c.batch.reserveDelay(); d > 0 {
			resetTimer(flush, d)

			return true
		}

		batch := c.batch.take(c.queue)
		if len(batch) == 0 {
			break
		}

		frames := make([]wire.Message, len(batch))
		for i, m := range batch {
			frames[i] = wire.Message{ID: m.id, Payload: m.payload}
		}

		data, err := wire.EncodeBatch(frames)
		if err != nil {
			// Encoding is deterministic, retrying cannot help.
			c.logger.Error("Dropping unencodable batch",
				zap.Int("messages", len(batch)),
				zap.Error(err))
			c.queue.failBatch(batch, newError(CodeSocketError, "send").WithConn(c.id).WithCause(err))

			continue
		}

		if err := tc.WriteFrame(data); err != nil {
			c.queue.requeueFailed(batch, err)
			c.tracker.RecordError()
			c.emitHealth()
			c.decideRetry(newError(CodeSocketError, "write").WithConn(c.id).WithCause(err))

			return false
		}

		c.queue.commit(batch)
		c.sent.Add(uint64(len(batch)))
		c.bytesOut.Add(uint64(len(data)))
		c.batches.Add(1)
		c.touch()
	}

	if dl, ok := c.batch.nextDeadline(c.queue); ok {
		resetTimer(flush, time.Until(dl))
	}

	return true
}

// handleInbound resolves correlated responses and fans the rest out as
// message events.
func (c *Connection) handleInbound(ev readEvent) {
	c.received.Add(uint64(len(ev.msgs)))
	c.bytesIn.Add(uint64(ev.size))
	c.touch()

	for _, wm := range ev.msgs {
		if rtt, ok := c.queue.resolveResponse(wm.ID, wm.Payload); ok {
			c.tracker.RecordRoundTrip(rtt)
			c.emitHealth()

			continue
		}

		c.hub.publishMessage(MessageEvent{
			ConnectionID: c.id,
			ID:           wm.ID,
			Payload:      wm.Payload,
			ReceivedAt:   time.Now(),
		})
	}
}

// handleReadError maps a dead read side onto the next state. A normal
// closure from the peer is a clean end; anything else counts against health
// and goes through retry.
func (c *Connection) handleReadError(tc transport.Conn, err error) {
	if transport.IsNormalClose(err) {
		_ = tc.Close(transport.CodeNormalClosure, "")
		c.transition(StateClosing, nil)
		c.transition(StateClosed, nil)

		return
	}

	c.tracker.RecordError()
	c.emitHealth()

	if ce, ok := transport.AsCloseError(err); ok {
		c.decideRetry(newError(CodeUnexpectedClose, "read").WithConn(c.id).WithCause(ce))

		return
	}

	c.decideRetry(newError(CodeSocketError, "read").WithConn(c.id).WithCause(err))
}

// shutdown runs the graceful close handshake from our side: notify the
// peer, keep reading until it acknowledges or the grace period ends, then
// finish.
func (c *Connection) shutdown(tc transport.Conn, readCh <-chan readEvent) error {
	c.transition(StateClosing, nil)

	err := tc.Close(transport.CodeNormalClosure, "client disconnect")

	if err == nil {
		timer := time.NewTimer(c.cfg.CloseGrace)
		defer timer.Stop()

	wait:
		for {
			select {
			case ev := <-readCh:
				if ev.err != nil {
					break wait
				}

				// Late responses still resolve their deliveries.
				c.handleInbound(ev)
			case <-timer.C:
				c.logger.Warn("Close acknowledgement timed out")

				break wait
			case <-c.abortCtx.Done():
				break wait
			}
		}
	}

	c.transition(StateClosed, nil)

	return nil
}

// readLoop moves frames off the socket onto serve's channel. It exits on
// the first read error, which serve sees as the end of the socket.
func (c *Connection) readLoop(tc transport.Conn, out chan<- readEvent, exit <-chan struct{}) {
	for {
		data, err := tc.ReadFrame()
		if err != nil {
			select {
			case out <- readEvent{err: err}:
			case <-exit:
			}

			return
		}

		msgs, err := wire.DecodeBatch(data)
		if err != nil {
			c.logger.Warn("Discarding undecodable frame",
				zap.Int("bytes", len(data)),
				zap.Error(err))

			continue
		}

		select {
		case out <- readEvent{msgs: msgs, size: len(data)}:
		case <-exit:
			return
		}
	}
}

// finalize resolves everything still pending exactly once and hands the
// connection back to the manager. Runs after the state machine settled in a
// terminal state.
func (c *Connection) finalize() {
	st := c.State()
	cause := c.terminalErr()

	n := c.queue.failAll(func(string) error {
		e := newError(CodeConnectionLost, "send").WithConn(c.id)
		if cause != nil {
			e = e.WithCause(cause)
		}

		return e
	})

	if n > 0 {
		c.logger.Info("Resolved stranded messages on terminal connection",
			zap.Int("count", n),
			zap.String("state", st.String()))
	}

	if c.onTerminal != nil {
		c.onTerminal(c, st, cause)
	}

	c.hub.close()
}

// transition swaps the state, remembers the cause of failure transitions,
// and publishes the status event.
func (c *Connection) transition(to State, cause error) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}

	if cause != nil {
		c.errMu.Lock()
		c.lastErr = cause
		c.errMu.Unlock()
	}

	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}

	c.logger.Info("Connection state changed", fields...)

	c.hub.publishStatus(StatusEvent{
		ConnectionID: c.id,
		Identity:     c.identity,
		Previous:     from,
		Current:      to,
		Err:          cause,
		At:           time.Now(),
	})
}

func (c *Connection) terminalErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.lastErr
}

func (c *Connection) emitHealth() {
	c.hub.publishHealth(HealthEvent{
		ConnectionID: c.id,
		Snapshot:     c.tracker.Snapshot(),
	})
}

func (c *Connection) wake() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// resetTimer re-arms a timer that may have fired or been stopped.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	if d < 0 {
		d = 0
	}

	t.Reset(d)
}
