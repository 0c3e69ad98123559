package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/actual-software/relink/internal/fallback"
	"github.com/actual-software/relink/pkg/health"
	"github.com/actual-software/relink/pkg/transport"
)

// Mode names the delivery path a connection runs on.
type Mode string

const (
	// ModeEnhanced is the full path: queueing, batching, reconnection and
	// health tracking.
	ModeEnhanced Mode = "enhanced"

	// ModeLegacy is the bare fallback path used for demoted services.
	ModeLegacy Mode = "legacy"
)

// link is what the manager holds per connection, satisfied by both delivery
// paths.
type link interface {
	ID() string
	Identity() Identity
	Mode() Mode
	State() State
	Done() <-chan struct{}
	WaitReady(ctx context.Context) error
	Send(payload []byte, opts SendOptions) (*Delivery, error)
	Health() (health.Snapshot, error)
	Diagnose() ([]string, error)
	OnMessage(fn func(MessageEvent)) *Subscription
	OnStatus(fn func(StatusEvent)) *Subscription
	OnHealth(fn func(HealthEvent)) *Subscription
	CloseGraceful(ctx context.Context) error
	Abort()
	Stats() ConnectionStats
	start()
}

// ConnectionStats is the operational snapshot of one connection.
type ConnectionStats struct {
	ID               string           `json:"id"`
	Service          string           `json:"service"`
	Session          string           `json:"session"`
	Mode             Mode             `json:"mode"`
	State            string           `json:"state"`
	Priority         string           `json:"priority"`
	Endpoint         string           `json:"endpoint"`
	CreatedAt        time.Time        `json:"created_at"`
	ConnectedAt      time.Time        `json:"connected_at"`
	LastActivity     time.Time        `json:"last_activity"`
	Reconnects       uint64           `json:"reconnects"`
	MessagesSent     uint64           `json:"messages_sent"`
	MessagesReceived uint64           `json:"messages_received"`
	BytesSent        uint64           `json:"bytes_sent"`
	BytesReceived    uint64           `json:"bytes_received"`
	BatchesFlushed   uint64           `json:"batches_flushed"`
	EventsDropped    uint64           `json:"events_dropped"`
	Queue            QueueStats       `json:"queue"`
	Health           *health.Snapshot `json:"health,omitempty"`
}

// ManagerStats aggregates across the manager's lifetime: live connections
// plus totals that include connections already gone.
type ManagerStats struct {
	ActiveConnections     int               `json:"active_connections"`
	Connections           []ConnectionStats `json:"connections"`
	TotalConnects         uint64            `json:"total_connects"`
	TotalClosed           uint64            `json:"total_closed"`
	TotalFailed           uint64            `json:"total_failed"`
	TotalMessagesSent     uint64            `json:"total_messages_sent"`
	TotalMessagesReceived uint64            `json:"total_messages_received"`
	TotalBytesSent        uint64            `json:"total_bytes_sent"`
	TotalBytesReceived    uint64            `json:"total_bytes_received"`
	EventsDropped         uint64            `json:"events_dropped"`
	DemotedServices       []string          `json:"demoted_services,omitempty"`
}

// Manager owns a set of connections keyed by service/session identity. It
// deduplicates concurrent connects, demotes repeatedly failing services to
// the legacy path, and fans every connection's events out to manager-wide
// subscribers.
type Manager struct {
	cfg    ManagerConfig
	logger *zap.Logger
	dialer transport.Dialer
	gate   *fallback.Gate
	hub    *eventHub
	flight singleflight.Group

	mu         sync.RWMutex
	byIdentity map[Identity]link
	byID       map[string]link
	closed     bool

	totalConnects uint64
	totalClosed   uint64
	totalFailed   uint64
	dead          struct {
		messagesSent     uint64
		messagesReceived uint64
		bytesSent        uint64
		bytesReceived    uint64
	}
}

// NewManager builds a manager. The dialer decides what the connections ride
// on; production uses the websocket dialer, tests an in-process pipe.
func NewManager(cfg ManagerConfig, dialer transport.Dialer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		dialer:     dialer,
		hub:        newEventHub(cfg.EventBuffer, logger, nil),
		byIdentity: make(map[Identity]link),
		byID:       make(map[string]link),
	}

	if cfg.Fallback.Enabled {
		m.gate = fallback.New(cfg.Fallback.gateConfig(), logger)
	}

	return m
}

// Connect opens (or reuses) the connection for the identity in opts and
// returns its id. Concurrent calls for the same identity share one attempt.
// The call returns once the connection is up, or with the first attempt's
// error; reconnection keeps running in the background either way.
func (m *Manager) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	if opts.Service == "" {
		return "", newError(CodeInvalidOptions, "connect").WithCause(errors.New("service type required"))
	}

	if opts.Endpoint == "" {
		return "", newError(CodeInvalidOptions, "connect").WithCause(errors.New("endpoint required"))
	}

	if m.isClosed() {
		return "", newError(CodeManagerClosed, "connect")
	}

	opts = opts.withDefaults(m.cfg)
	identity := opts.identity()

	v, err, _ := m.flight.Do(identity.String(), func() (any, error) {
		if l := m.live(identity); l != nil {
			return l.ID(), nil
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()

			return nil, newError(CodeManagerClosed, "connect")
		}

		l := m.open(opts)
		m.byIdentity[identity] = l
		m.byID[l.ID()] = l
		m.totalConnects++
		m.mu.Unlock()

		l.start()

		waitCtx := ctx

		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc

			waitCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
		}

		if err := l.WaitReady(waitCtx); err != nil {
			return nil, err
		}

		return l.ID(), nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// open picks the delivery path for a new connection. A demoted service goes
// to the legacy path until its cooldown expires.
func (m *Manager) open(opts ConnectOptions) link {
	if m.gate != nil && !m.gate.Allow(opts.Service) {
		m.logger.Warn("Opening connection on legacy path, service is demoted",
			zap.String("service", opts.Service),
			zap.String("session", opts.Session))

		return newLegacyLink(opts, m.cfg, m.dialer, m.logger, m.hub, m.releaseLegacy)
	}

	return newConnection(opts, m.cfg, m.dialer, m.logger, m.hub, m.releaseEnhanced)
}

func (m *Manager) releaseEnhanced(c *Connection, st State, cause error) {
	m.release(c, st, cause)

	// Only enhanced-path failures count toward demotion; the legacy path is
	// already the floor.
	if st == StateFailed && m.gate != nil {
		m.gate.RecordFailure(c.Identity().Service)
	}
}

func (m *Manager) releaseLegacy(l *legacyLink, st State, cause error) {
	m.release(l, st, cause)
}

// release deregisters a terminal connection and folds its counters into
// the manager totals. The identity slot is only cleared when it still
// points at this connection, a replacement may already be registered.
func (m *Manager) release(l link, st State, cause error) {
	m.mu.Lock()

	if cur, ok := m.byID[l.ID()]; ok && cur == l {
		delete(m.byID, l.ID())
	}

	if cur, ok := m.byIdentity[l.Identity()]; ok && cur.ID() == l.ID() {
		delete(m.byIdentity, l.Identity())
	}

	s := l.Stats()
	m.dead.messagesSent += s.MessagesSent
	m.dead.messagesReceived += s.MessagesReceived
	m.dead.bytesSent += s.BytesSent
	m.dead.bytesReceived += s.BytesReceived

	if st == StateFailed {
		m.totalFailed++
	} else {
		m.totalClosed++
	}

	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("connection_id", l.ID()),
		zap.String("service", l.Identity().Service),
		zap.String("state", st.String()),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}

	m.logger.Info("Connection released", fields...)
}

// live returns the registered non-terminal connection for an identity.
func (m *Manager) live(identity Identity) link {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.byIdentity[identity]
	if !ok || l.State().Terminal() {
		return nil
	}

	return l
}

func (m *Manager) lookup(connID, op string) (link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, newError(CodeManagerClosed, op)
	}

	l, ok := m.byID[connID]
	if !ok {
		return nil, newError(CodeUnknownConnection, op).WithConn(connID)
	}

	return l, nil
}

// Send queues a payload on a connection.
func (m *Manager) Send(connID string, payload []byte, opts SendOptions) (*Delivery, error) {
	l, err := m.lookup(connID, "send")
	if err != nil {
		return nil, err
	}

	return l.Send(payload, opts)
}

// OnMessage subscribes to inbound messages of one connection.
func (m *Manager) OnMessage(connID string, fn func(MessageEvent)) (*Subscription, error) {
	l, err := m.lookup(connID, "subscribe")
	if err != nil {
		return nil, err
	}

	return l.OnMessage(fn), nil
}

// OnStatus subscribes to state transitions of one connection.
func (m *Manager) OnStatus(connID string, fn func(StatusEvent)) (*Subscription, error) {
	l, err := m.lookup(connID, "subscribe")
	if err != nil {
		return nil, err
	}

	return l.OnStatus(fn), nil
}

// OnHealth subscribes to health updates of one connection.
func (m *Manager) OnHealth(connID string, fn func(HealthEvent)) (*Subscription, error) {
	l, err := m.lookup(connID, "subscribe")
	if err != nil {
		return nil, err
	}

	return l.OnHealth(fn), nil
}

// OnAnyMessage subscribes to inbound messages across all connections,
// including ones opened later.
func (m *Manager) OnAnyMessage(fn func(MessageEvent)) *Subscription {
	return m.hub.OnMessage(fn)
}

// OnAnyStatus subscribes to state transitions across all connections.
func (m *Manager) OnAnyStatus(fn func(StatusEvent)) *Subscription {
	return m.hub.OnStatus(fn)
}

// OnAnyHealth subscribes to health updates across all connections.
func (m *Manager) OnAnyHealth(fn func(HealthEvent)) *Subscription {
	return m.hub.OnHealth(fn)
}

// Health returns the current health snapshot of a connection. Legacy-path
// connections report health as unavailable.
func (m *Manager) Health(connID string) (health.Snapshot, error) {
	l, err := m.lookup(connID, "health")
	if err != nil {
		return health.Snapshot{}, err
	}

	return l.Health()
}

// Diagnose returns human-readable health findings for a connection.
func (m *Manager) Diagnose(connID string) ([]string, error) {
	l, err := m.lookup(connID, "health")
	if err != nil {
		return nil, err
	}

	return l.Diagnose()
}

// Disconnect closes one connection gracefully.
func (m *Manager) Disconnect(ctx context.Context, connID string) error {
	l, err := m.lookup(connID, "disconnect")
	if err != nil {
		return err
	}

	return l.CloseGraceful(ctx)
}

// DisconnectAll closes every connection gracefully, in parallel, and
// aggregates whatever went wrong.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	links := m.snapshotLinks()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		merr  error
	)

	for _, l := range links {
		wg.Add(1)

		go func(l link) {
			defer wg.Done()

			if err := l.CloseGraceful(ctx); err != nil {
				errMu.Lock()
				merr = multierr.Append(merr, fmt.Errorf("disconnect %s: %w", l.ID(), err))
				errMu.Unlock()
			}
		}(l)
	}

	wg.Wait()

	return merr
}

// Stats aggregates manager-wide counters and per-connection snapshots.
func (m *Manager) Stats() ManagerStats {
	links := m.snapshotLinks()

	m.mu.RLock()
	stats := ManagerStats{
		TotalConnects:         m.totalConnects,
		TotalClosed:           m.totalClosed,
		TotalFailed:           m.totalFailed,
		TotalMessagesSent:     m.dead.messagesSent,
		TotalMessagesReceived: m.dead.messagesReceived,
		TotalBytesSent:        m.dead.bytesSent,
		TotalBytesReceived:    m.dead.bytesReceived,
	}
	m.mu.RUnlock()

	stats.ActiveConnections = len(links)
	stats.EventsDropped = m.hub.Dropped()
	stats.Connections = make([]ConnectionStats, 0, len(links))

	for _, l := range links {
		s := l.Stats()
		stats.Connections = append(stats.Connections, s)
		stats.TotalMessagesSent += s.MessagesSent
		stats.TotalMessagesReceived += s.MessagesReceived
		stats.TotalBytesSent += s.BytesSent
		stats.TotalBytesReceived += s.BytesReceived
	}

	sort.Slice(stats.Connections, func(i, j int) bool {
		return stats.Connections[i].CreatedAt.Before(stats.Connections[j].CreatedAt)
	})

	if m.gate != nil {
		for service, st := range m.gate.Snapshot() {
			if st.Demoted {
				stats.DemotedServices = append(stats.DemotedServices, service)
			}
		}

		sort.Strings(stats.DemotedServices)
	}

	return stats
}

// Close shuts the manager down: no new connects, all connections closed
// gracefully, then the event fan-out stops.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.mu.Unlock()

	links := m.snapshotLinks()
	err := m.DisconnectAll(ctx)

	// Wait for the final events to flow before the manager hub stops.
	for _, l := range links {
		select {
		case <-l.Done():
		case <-ctx.Done():
		}
	}

	m.hub.close()
	m.logger.Info("Connection manager closed")

	return err
}

func (m *Manager) snapshotLinks() []link {
	m.mu.RLock()
	defer m.mu.RUnlock()

	links := make([]link, 0, len(m.byID))
	for _, l := range m.byID {
		links = append(links, l)
	}

	return links
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closed
}
