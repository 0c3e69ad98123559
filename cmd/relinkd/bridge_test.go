package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/actual-software/relink/pkg/connection"
	"github.com/actual-software/relink/pkg/transport"
	"github.com/actual-software/relink/pkg/transport/memory"
	"github.com/actual-software/relink/pkg/wire"
)

const bridgeWait = 5 * time.Second

// memDialer hands the bridge in-process pipes and keeps the server halves
// so tests can play the peer.
type memDialer struct {
	servers chan *memory.Conn
}

func (d *memDialer) Dial(_ context.Context, _ string) (transport.Conn, error) {
	client, server := memory.Pipe()
	d.servers <- server

	return client, nil
}

// echoLoop echoes every decoded message back under its own id and
// acknowledges the close handshake.
func echoLoop(server *memory.Conn) {
	for {
		data, err := server.ReadFrame()
		if err != nil {
			if _, ok := transport.AsCloseError(err); ok {
				_ = server.Close(transport.CodeNormalClosure, "")
			}

			return
		}

		msgs, err := wire.DecodeBatch(data)
		if err != nil {
			return
		}

		for _, msg := range msgs {
			reply, err := wire.EncodeBatch([]wire.Message{msg})
			if err != nil {
				return
			}

			if err := server.WriteFrame(reply); err != nil {
				return
			}
		}
	}
}

// sinkLoop swallows frames without ever answering, but still acknowledges
// the close handshake.
func sinkLoop(server *memory.Conn) {
	for {
		if _, err := server.ReadFrame(); err != nil {
			if _, ok := transport.AsCloseError(err); ok {
				_ = server.Close(transport.CodeNormalClosure, "")
			}

			return
		}
	}
}

// bridgeHarness runs a bridge over in-process pipes and collects every
// stdout line as a decoded event.
type bridgeHarness struct {
	t       *testing.T
	dialer  *memDialer
	mgr     *connection.Manager
	in      *io.PipeWriter
	events  chan event
	backlog []event
	done    chan error
}

func startBridge(t *testing.T) *bridgeHarness {
	t.Helper()

	dialer := &memDialer{servers: make(chan *memory.Conn, 4)}

	cfg := connection.ManagerConfig{
		ConnectTimeout: 2 * time.Second,
		SendTimeout:    2 * time.Second,
		CloseGrace:     500 * time.Millisecond,
		Batch:          connection.BatchConfig{MaxWait: 5 * time.Millisecond},
	}

	mgr := connection.NewManager(cfg, dialer, zaptest.NewLogger(t))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	bridge := NewBridge(mgr, inR, outW, zaptest.NewLogger(t))

	done := make(chan error, 1)

	go func() {
		done <- bridge.Run(context.Background())
	}()

	events := make(chan event, 256)

	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var ev event
			if json.Unmarshal(scanner.Bytes(), &ev) == nil {
				events <- ev
			}
		}
	}()

	h := &bridgeHarness{
		t:      t,
		dialer: dialer,
		mgr:    mgr,
		in:     inW,
		events: events,
		done:   done,
	}

	t.Cleanup(func() {
		_ = inW.Close()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(bridgeWait):
			t.Error("bridge did not stop on stdin close")
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		assert.NoError(t, mgr.Close(closeCtx))

		_ = outW.Close()
	})

	return h
}

func (h *bridgeHarness) send(line string) {
	h.t.Helper()

	_, err := h.in.Write([]byte(line + "\n"))
	require.NoError(h.t, err)
}

// wait returns the first event matching the predicate, holding everything
// skipped over for later waits.
func (h *bridgeHarness) wait(what string, match func(event) bool) event {
	h.t.Helper()

	for i, ev := range h.backlog {
		if match(ev) {
			h.backlog = append(h.backlog[:i], h.backlog[i+1:]...)

			return ev
		}
	}

	deadline := time.After(bridgeWait)

	for {
		select {
		case ev := <-h.events:
			if match(ev) {
				return ev
			}

			h.backlog = append(h.backlog, ev)
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", what)

			return event{}
		}
	}
}

// waitReply returns the result or error event answering the given command id.
func (h *bridgeHarness) waitReply(id string) event {
	h.t.Helper()

	return h.wait(fmt.Sprintf("reply to %q", id), func(ev event) bool {
		return ev.ID == id && (ev.Type == eventResult || ev.Type == eventError)
	})
}

func (h *bridgeHarness) waitEvent(typ, id string) event {
	h.t.Helper()

	return h.wait(fmt.Sprintf("%s event %q", typ, id), func(ev event) bool {
		return ev.Type == typ && (id == "" || ev.ID == id)
	})
}

func (h *bridgeHarness) waitStatus(connID, current string) event {
	h.t.Helper()

	return h.wait(fmt.Sprintf("status %q for %s", current, connID), func(ev event) bool {
		return ev.Type == eventStatus && ev.ConnectionID == connID && ev.Current == current
	})
}

func (h *bridgeHarness) connect(id, service, session string) string {
	h.t.Helper()

	h.send(fmt.Sprintf(`{"op":"connect","id":%q,"service":%q,"session":%q,"endpoint":"mem://%s"}`,
		id, service, session, service))

	ev := h.waitReply(id)
	require.Equal(h.t, eventResult, ev.Type, "connect failed: %s", ev.Error)
	require.NotEmpty(h.t, ev.ConnectionID)

	return ev.ConnectionID
}

func (h *bridgeHarness) takeServer() *memory.Conn {
	h.t.Helper()

	select {
	case server := <-h.dialer.servers:
		return server
	case <-time.After(bridgeWait):
		h.t.Fatal("dialer never handed out a server half")

		return nil
	}
}

func TestBridge_ConnectAndCorrelatedSend(t *testing.T) {
	h := startBridge(t)

	connID := h.connect("r1", "search", "session-1")
	go echoLoop(h.takeServer())

	status := h.waitStatus(connID, "connected")
	assert.Equal(t, "connecting", status.Previous)

	h.send(fmt.Sprintf(
		`{"op":"send","id":"r2","connection_id":%q,"payload":{"q":"hello"},"expect_response":true}`, connID))

	reply := h.waitReply("r2")
	require.Equal(t, eventResult, reply.Type, "send failed: %s", reply.Error)
	assert.NotEmpty(t, reply.MessageID)
	assert.JSONEq(t, `{"q":"hello"}`, string(reply.Payload))
}

func TestBridge_FireAndForgetEmitsMessageEvent(t *testing.T) {
	h := startBridge(t)

	connID := h.connect("r1", "search", "session-1")
	go echoLoop(h.takeServer())

	h.send(fmt.Sprintf(
		`{"op":"send","id":"r2","connection_id":%q,"payload":{"notify":true}}`, connID))

	reply := h.waitReply("r2")
	require.Equal(t, eventResult, reply.Type, "send failed: %s", reply.Error)
	assert.Empty(t, reply.Payload)

	// Nothing is waiting on the echoed id, so it fans out as an unsolicited
	// message.
	msg := h.waitEvent(eventMessage, "")
	assert.Equal(t, connID, msg.ConnectionID)
	assert.Equal(t, reply.MessageID, msg.MessageID)
	assert.JSONEq(t, `{"notify":true}`, string(msg.Payload))
}

func TestBridge_CancelResolvesPendingSend(t *testing.T) {
	h := startBridge(t)

	connID := h.connect("r1", "search", "session-1")
	go sinkLoop(h.takeServer())

	h.send(fmt.Sprintf(
		`{"op":"send","id":"rs","connection_id":%q,"payload":{"x":1},"expect_response":true,"timeout":"10s","message_id":"m-1"}`,
		connID))

	// The delivery registers asynchronously; retry until the cancel lands.
	canceled := false

	for i := 0; i < 100 && !canceled; i++ {
		cancelID := fmt.Sprintf("rc-%d", i)
		h.send(fmt.Sprintf(`{"op":"cancel","id":%q,"message_id":"m-1"}`, cancelID))

		if ev := h.waitReply(cancelID); ev.Type == eventResult {
			canceled = true

			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	require.True(t, canceled, "cancel never found the pending delivery")

	reply := h.waitReply("rs")
	require.Equal(t, eventError, reply.Type)
	assert.Equal(t, string(connection.CodeCanceled), reply.Code)
	assert.Equal(t, "m-1", reply.MessageID)
}

func TestBridge_HealthStatsAndDiagnose(t *testing.T) {
	h := startBridge(t)

	connID := h.connect("r1", "search", "session-1")
	go echoLoop(h.takeServer())

	h.send(fmt.Sprintf(
		`{"op":"send","id":"r2","connection_id":%q,"payload":{"warm":true},"expect_response":true}`, connID))
	require.Equal(t, eventResult, h.waitReply("r2").Type)

	h.send(fmt.Sprintf(`{"op":"health","id":"rh","connection_id":%q}`, connID))
	healthEv := h.waitReply("rh")
	require.Equal(t, eventResult, healthEv.Type, "health failed: %s", healthEv.Error)
	require.NotNil(t, healthEv.Health)
	assert.Greater(t, healthEv.Health.Score, 0)
	assert.False(t, healthEv.Health.SampledAt.IsZero())

	h.send(`{"op":"stats","id":"rt"}`)
	statsEv := h.waitReply("rt")
	require.Equal(t, eventResult, statsEv.Type)
	require.NotNil(t, statsEv.Stats)
	assert.Equal(t, 1, statsEv.Stats.ActiveConnections)
	require.Len(t, statsEv.Stats.Connections, 1)
	assert.Equal(t, "connected", statsEv.Stats.Connections[0].State)

	h.send(fmt.Sprintf(`{"op":"diagnose","id":"rd","connection_id":%q}`, connID))
	diagEv := h.waitReply("rd")
	require.Equal(t, eventResult, diagEv.Type)
	assert.NotEmpty(t, diagEv.Notes)
}

func TestBridge_RejectsBadInput(t *testing.T) {
	h := startBridge(t)

	h.send(`{"op":"send","id":"r1","connection_id":"nope","payload":{}}`)
	ev := h.waitReply("r1")
	require.Equal(t, eventError, ev.Type)
	assert.Equal(t, string(connection.CodeUnknownConnection), ev.Code)

	h.send(`{"op":"bogus","id":"r2"}`)
	ev = h.waitReply("r2")
	require.Equal(t, eventError, ev.Type)
	assert.Contains(t, ev.Error, "unknown operation")

	h.send(`not even close to json`)
	ev = h.waitEvent(eventError, "")
	assert.Contains(t, ev.Error, "malformed command")

	h.send(`{"op":"connect","id":"r3","service":"search","endpoint":"mem://x","connect_timeout":"soon"}`)
	ev = h.waitReply("r3")
	require.Equal(t, eventError, ev.Type)
	assert.Contains(t, ev.Error, "invalid duration")
}

func TestBridge_DisconnectAllClosesEverything(t *testing.T) {
	h := startBridge(t)

	firstID := h.connect("r1", "search", "session-1")
	go echoLoop(h.takeServer())

	secondID := h.connect("r2", "files", "session-1")
	go echoLoop(h.takeServer())

	h.send(fmt.Sprintf(`{"op":"disconnect","id":"rd","connection_id":%q}`, firstID))
	reply := h.waitReply("rd")
	require.Equal(t, eventResult, reply.Type, "disconnect failed: %s", reply.Error)

	h.waitStatus(firstID, "closed")

	h.send(`{"op":"disconnect_all","id":"ra"}`)
	reply = h.waitReply("ra")
	require.Equal(t, eventResult, reply.Type, "disconnect_all failed: %s", reply.Error)

	h.waitStatus(secondID, "closed")

	require.Eventually(t, func() bool {
		return h.mgr.Stats().ActiveConnections == 0
	}, bridgeWait, 10*time.Millisecond)
}

func TestBridge_StdinEOFStopsRun(t *testing.T) {
	dialer := &memDialer{servers: make(chan *memory.Conn, 1)}
	mgr := connection.NewManager(connection.ManagerConfig{}, dialer, zaptest.NewLogger(t))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		assert.NoError(t, mgr.Close(ctx))
	})

	inR, inW := io.Pipe()

	var out bytes.Buffer

	bridge := NewBridge(mgr, inR, &out, zaptest.NewLogger(t))

	done := make(chan error, 1)

	go func() {
		done <- bridge.Run(context.Background())
	}()

	_, err := inW.Write([]byte(`{"op":"stats","id":"r1"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, inW.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(bridgeWait):
		t.Fatal("run did not return after stdin closed")
	}

	// The queued reply is flushed on the way out.
	assert.Contains(t, out.String(), `"type":"result"`)
	assert.Contains(t, out.String(), `"id":"r1"`)
}
