package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/actual-software/relink/pkg/transport"
	"github.com/actual-software/relink/pkg/transport/memory"
)

func newTestManager(t *testing.T, cfg ManagerConfig, dialer transport.Dialer) *Manager {
	t.Helper()

	m := NewManager(cfg, dialer, zaptest.NewLogger(t))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_ = m.Close(ctx)
	})

	return m
}

// ackCloseWhenAsked answers the peer's close notification so graceful
// shutdown does not wait out the grace period.
func ackCloseWhenAsked(server *memory.Conn) {
	go func() {
		for {
			if _, err := server.ReadFrame(); err != nil {
				if _, ok := transport.AsCloseError(err); ok {
					_ = server.Close(transport.CodeNormalClosure, "")
				}

				return
			}
		}
	}()
}

func TestManager_ConnectReusesLiveConnection(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	id1, err := m.Connect(context.Background(), testConnectOptions())
	require.NoError(t, err)

	id2, err := m.Connect(context.Background(), testConnectOptions())
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, dialer.dialCount())

	// A different session is a different connection.
	other := testConnectOptions()
	other.Session = "session-2"

	id3, err := m.Connect(context.Background(), other)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id3)
	assert.Equal(t, 2, dialer.dialCount())
	assert.Equal(t, 2, m.Stats().ActiveConnections)
}

func TestManager_ConcurrentConnectsCollapse(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	ids := make(chan string, 10)

	var g errgroup.Group

	for i := 0; i < 10; i++ {
		g.Go(func() error {
			id, err := m.Connect(context.Background(), testConnectOptions())
			if err != nil {
				return err
			}

			ids <- id

			return nil
		})
	}

	require.NoError(t, g.Wait())
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}

	assert.Equal(t, 1, dialer.dialCount())
}

func TestManager_UnknownConnection(t *testing.T) {
	m := newTestManager(t, fastConfig(), newScriptedDialer())

	_, err := m.Send("no-such-id", []byte("x"), SendOptions{})
	assert.ErrorIs(t, err, ErrUnknownConnection)

	_, err = m.Health("no-such-id")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	_, err = m.OnMessage("no-such-id", func(MessageEvent) {})
	assert.ErrorIs(t, err, ErrUnknownConnection)

	err = m.Disconnect(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestManager_InvalidConnectOptions(t *testing.T) {
	m := newTestManager(t, fastConfig(), newScriptedDialer())

	_, err := m.Connect(context.Background(), ConnectOptions{Endpoint: "mem://x"})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = m.Connect(context.Background(), ConnectOptions{Service: "search"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestManager_ManagerWideEvents(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	var (
		mu       sync.Mutex
		statuses []StatusEvent
	)

	m.OnAnyStatus(func(ev StatusEvent) {
		mu.Lock()
		statuses = append(statuses, ev)
		mu.Unlock()
	})

	messages := make(chan MessageEvent, 1)
	m.OnAnyMessage(func(ev MessageEvent) { messages <- ev })

	id, err := m.Connect(context.Background(), testConnectOptions())
	require.NoError(t, err)

	// Per-connection transitions reach manager-wide subscribers, tagged
	// with the connection they came from.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		for _, ev := range statuses {
			if ev.ConnectionID == id && ev.Current == StateConnected {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)

	server := acceptServer(t, dialer)
	respond(t, server, "push-1", []byte("broadcast"))

	select {
	case ev := <-messages:
		assert.Equal(t, id, ev.ConnectionID)
		assert.Equal(t, "push-1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("manager-wide message event never arrived")
	}
}

func TestManager_DisconnectRemovesConnection(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	id, err := m.Connect(context.Background(), testConnectOptions())
	require.NoError(t, err)

	ackCloseWhenAsked(acceptServer(t, dialer))

	require.NoError(t, m.Disconnect(context.Background(), id))

	require.Eventually(t, func() bool {
		_, serr := m.Send(id, []byte("x"), SendOptions{})

		return errors.Is(serr, ErrUnknownConnection)
	}, time.Second, 5*time.Millisecond)

	err = m.Disconnect(context.Background(), id)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestManager_DisconnectAll(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	opts := testConnectOptions()
	_, err := m.Connect(context.Background(), opts)
	require.NoError(t, err)

	opts.Service = "files"
	_, err = m.Connect(context.Background(), opts)
	require.NoError(t, err)

	ackCloseWhenAsked(acceptServer(t, dialer))
	ackCloseWhenAsked(acceptServer(t, dialer))

	require.NoError(t, m.DisconnectAll(context.Background()))

	require.Eventually(t, func() bool {
		s := m.Stats()

		return s.ActiveConnections == 0 && s.TotalClosed == 2
	}, time.Second, 5*time.Millisecond)
}

func TestManager_CloseRejectsNewWork(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	id, err := m.Connect(context.Background(), testConnectOptions())
	require.NoError(t, err)

	ackCloseWhenAsked(acceptServer(t, dialer))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Close(ctx))

	_, err = m.Connect(context.Background(), testConnectOptions())
	assert.ErrorIs(t, err, ErrManagerClosed)

	_, err = m.Send(id, []byte("x"), SendOptions{})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_FallbackDemotesFlappingService(t *testing.T) {
	cfg := fastConfig()
	cfg.Fallback = FallbackConfig{
		Enabled:   true,
		Threshold: 2,
		Window:    time.Minute,
		Cooldown:  time.Minute,
	}

	// Two dials fail, everything after succeeds.
	dialer := newScriptedDialer(true, true)
	m := newTestManager(t, cfg, dialer)

	opts := testConnectOptions()
	opts.MaxRetries = -1 // fail fast, no redial

	_, err := m.Connect(context.Background(), opts)
	require.ErrorIs(t, err, ErrSocketError)

	opts.Session = "session-2"
	_, err = m.Connect(context.Background(), opts)
	require.ErrorIs(t, err, ErrSocketError)

	// Two strikes inside the window: the service is demoted and the next
	// connect lands on the legacy path.
	opts.Session = "session-3"
	id, err := m.Connect(context.Background(), opts)
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, []string{"search"}, stats.DemotedServices)

	var cs *ConnectionStats

	for i := range stats.Connections {
		if stats.Connections[i].ID == id {
			cs = &stats.Connections[i]
		}
	}

	require.NotNil(t, cs)
	assert.Equal(t, ModeLegacy, cs.Mode)

	// No queue or tracker on the legacy path.
	_, err = m.Health(id)
	assert.ErrorIs(t, err, ErrHealthUnavailable)

	// Sends go straight to the wire, one message per frame, and resolve
	// on write.
	events := make(chan MessageEvent, 1)
	_, err = m.OnMessage(id, func(ev MessageEvent) { events <- ev })
	require.NoError(t, err)

	d, err := m.Send(id, []byte("ping"), SendOptions{ExpectResponse: true})
	require.NoError(t, err)
	require.NoError(t, d.Err())
	assert.Nil(t, d.Response())

	server := acceptServer(t, dialer)

	msgs := readBatch(t, server)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("ping"), msgs[0].Payload)

	// Responses come back as plain message events instead of resolving
	// a delivery.
	respond(t, server, msgs[0].ID, []byte("pong"))

	select {
	case ev := <-events:
		assert.Equal(t, msgs[0].ID, ev.ID)
		assert.Equal(t, []byte("pong"), ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("legacy response never surfaced as a message event")
	}
}

func TestManager_StatsSurviveDisconnect(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	id, err := m.Connect(context.Background(), testConnectOptions())
	require.NoError(t, err)

	server := acceptServer(t, dialer)

	d, err := m.Send(id, []byte("counted"), SendOptions{})
	require.NoError(t, err)

	readBatch(t, server)
	require.NoError(t, d.Await(context.Background()))

	ackCloseWhenAsked(server)
	require.NoError(t, m.Disconnect(context.Background(), id))

	require.Eventually(t, func() bool {
		return m.Stats().ActiveConnections == 0
	}, time.Second, 5*time.Millisecond)

	// Counters from the dead connection fold into the lifetime totals.
	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.TotalConnects)
	assert.Equal(t, uint64(1), stats.TotalClosed)
	assert.Zero(t, stats.TotalFailed)
	assert.Equal(t, uint64(1), stats.TotalMessagesSent)
	assert.NotZero(t, stats.TotalBytesSent)
}

func TestManager_HealthAndDiagnose(t *testing.T) {
	dialer := newScriptedDialer()
	m := newTestManager(t, fastConfig(), dialer)

	id, err := m.Connect(context.Background(), testConnectOptions())
	require.NoError(t, err)

	server := acceptServer(t, dialer)

	d, err := m.Send(id, []byte("rtt"), SendOptions{ExpectResponse: true})
	require.NoError(t, err)

	msgs := readBatch(t, server)
	require.Len(t, msgs, 1)
	respond(t, server, msgs[0].ID, []byte("ok"))
	require.NoError(t, d.Await(context.Background()))

	snap, err := m.Health(id)
	require.NoError(t, err)
	assert.Greater(t, snap.LatencyMs, 0.0)
	assert.Greater(t, snap.Score, 0)

	advice, err := m.Diagnose(id)
	require.NoError(t, err)
	assert.NotEmpty(t, advice)
}
