package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/relink/pkg/connection"
	"github.com/actual-software/relink/pkg/health"
)

const outBufferSize = 256

// command is one newline-delimited JSON request read from stdin.
type command struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`

	// connect
	Service          string `json:"service,omitempty"`
	Session          string `json:"session,omitempty"`
	Endpoint         string `json:"endpoint,omitempty"`
	Priority         string `json:"priority,omitempty"`
	ConnectTimeout   string `json:"connect_timeout,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
	DisableReconnect bool   `json:"disable_reconnect,omitempty"`

	// send, cancel, disconnect, health, diagnose
	ConnectionID   string          `json:"connection_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	ExpectResponse bool            `json:"expect_response,omitempty"`
	Timeout        string          `json:"timeout,omitempty"`
	Retries        int             `json:"retries,omitempty"`
}

// event is one newline-delimited JSON line written to stdout: command
// replies plus the connection event fan-out.
type event struct {
	Type         string                   `json:"type"`
	ID           string                   `json:"id,omitempty"`
	ConnectionID string                   `json:"connection_id,omitempty"`
	MessageID    string                   `json:"message_id,omitempty"`
	Code         string                   `json:"code,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Payload      json.RawMessage          `json:"payload,omitempty"`
	Previous     string                   `json:"previous,omitempty"`
	Current      string                   `json:"current,omitempty"`
	Health       *health.Snapshot         `json:"health,omitempty"`
	Notes        []string                 `json:"notes,omitempty"`
	Stats        *connection.ManagerStats `json:"stats,omitempty"`
}

// Event type discriminators.
const (
	eventResult  = "result"
	eventError   = "error"
	eventMessage = "message"
	eventStatus  = "status"
	eventHealth  = "health"
)

// Bridge speaks the stdio protocol: commands in, replies and connection
// events out. Every line is one JSON document.
type Bridge struct {
	logger  *zap.Logger
	manager *connection.Manager
	reader  *bufio.Reader
	writer  *bufio.Writer
	out     chan []byte

	mu      sync.Mutex
	pending map[string]*connection.Delivery
}

// NewBridge creates a bridge speaking the stdio protocol over in and out.
func NewBridge(manager *connection.Manager, in io.Reader, out io.Writer, logger *zap.Logger) *Bridge {
	return &Bridge{
		logger:  logger,
		manager: manager,
		reader:  bufio.NewReader(in),
		writer:  bufio.NewWriter(out),
		out:     make(chan []byte, outBufferSize),
		pending: make(map[string]*connection.Delivery),
	}
}

// Run serves until stdin closes or ctx is cancelled. Outstanding commands
// finish before it returns; their replies are flushed on the way out.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subs := []*connection.Subscription{
		b.manager.OnAnyMessage(b.forwardMessage),
		b.manager.OnAnyStatus(b.forwardStatus),
		b.manager.OnAnyHealth(b.forwardHealth),
	}

	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	}()

	var writers sync.WaitGroup

	writers.Add(1)

	go b.writeLoop(ctx, &writers)

	lines := make(chan []byte)

	// The blocking stdin read cannot be interrupted; the goroutine exits on
	// EOF or on the first line after cancellation.
	go b.readLoop(ctx, lines)

	var commands sync.WaitGroup

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}

			b.dispatch(ctx, &commands, line)
		}
	}

	commands.Wait()
	cancel()
	writers.Wait()

	return nil
}

// readLoop feeds cleaned stdin lines into the dispatch loop.
func (b *Bridge) readLoop(ctx context.Context, lines chan<- []byte) {
	defer close(lines)

	for {
		line, err := b.reader.ReadBytes('\n')
		if err != nil {
			// Hand over anything buffered before the EOF, then stop.
			if errors.Is(err, io.EOF) {
				if trimmed := cleanLine(line); len(trimmed) > 0 {
					b.sendLine(ctx, lines, trimmed)
				}

				b.logger.Debug("stdin closed")
			} else {
				b.logger.Error("failed to read stdin", zap.Error(err))
			}

			return
		}

		trimmed := cleanLine(line)
		if len(trimmed) == 0 {
			continue
		}

		if !b.sendLine(ctx, lines, trimmed) {
			return
		}
	}
}

func (b *Bridge) sendLine(ctx context.Context, lines chan<- []byte, line []byte) bool {
	select {
	case lines <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

// cleanLine removes the trailing newline and carriage return.
func cleanLine(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}

	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	return line
}

// writeLoop serializes all stdout writes, flushing after every line.
func (b *Bridge) writeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Write out replies already queued, then stop.
			for {
				select {
				case data := <-b.out:
					b.writeLine(data)
				default:
					b.flush()

					return
				}
			}
		case data := <-b.out:
			b.writeLine(data)
			b.flush()
		}
	}
}

func (b *Bridge) writeLine(data []byte) {
	if _, err := b.writer.Write(data); err != nil {
		b.logger.Error("failed to write stdout", zap.Error(err))

		return
	}

	if err := b.writer.WriteByte('\n'); err != nil {
		b.logger.Error("failed to write stdout", zap.Error(err))
	}
}

func (b *Bridge) flush() {
	if err := b.writer.Flush(); err != nil {
		b.logger.Error("failed to flush stdout", zap.Error(err))
	}
}

// dispatch parses one line and runs the command in its own goroutine.
// Commands run concurrently: connect and send block on their own timeouts
// and must not stall the read loop.
func (b *Bridge) dispatch(ctx context.Context, wg *sync.WaitGroup, line []byte) {
	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		b.reply(ctx, event{Type: eventError, Error: fmt.Sprintf("malformed command: %v", err)})

		return
	}

	b.logger.Debug("command received", zap.String("op", cmd.Op), zap.String("id", cmd.ID))

	wg.Add(1)

	go func() {
		defer wg.Done()

		b.execute(ctx, cmd)
	}()
}

func (b *Bridge) execute(ctx context.Context, cmd command) {
	switch cmd.Op {
	case "connect":
		b.handleConnect(ctx, cmd)
	case "send":
		b.handleSend(ctx, cmd)
	case "cancel":
		b.handleCancel(ctx, cmd)
	case "disconnect":
		b.handleDisconnect(ctx, cmd)
	case "disconnect_all":
		b.handleDisconnectAll(ctx, cmd)
	case "health":
		b.handleHealth(ctx, cmd)
	case "diagnose":
		b.handleDiagnose(ctx, cmd)
	case "stats":
		b.handleStats(ctx, cmd)
	default:
		b.replyError(ctx, cmd.ID, fmt.Errorf("unknown operation %q", cmd.Op))
	}
}

func (b *Bridge) handleConnect(ctx context.Context, cmd command) {
	opts := connection.ConnectOptions{
		Service:          cmd.Service,
		Session:          cmd.Session,
		Endpoint:         cmd.Endpoint,
		MaxRetries:       cmd.MaxRetries,
		DisableReconnect: cmd.DisableReconnect,
	}

	if cmd.Priority != "" {
		priority, err := connection.ParsePriority(cmd.Priority)
		if err != nil {
			b.replyError(ctx, cmd.ID, err)

			return
		}

		opts.Priority = priority
	}

	timeout, err := parseDuration(cmd.ConnectTimeout)
	if err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	opts.ConnectTimeout = timeout

	id, err := b.manager.Connect(ctx, opts)
	if err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	b.reply(ctx, event{Type: eventResult, ID: cmd.ID, ConnectionID: id})
}

// handleSend enqueues the payload and replies with the delivery's final
// outcome: an ack for fire-and-forget, the correlated payload when a
// response was requested, or the taxonomy error.
func (b *Bridge) handleSend(ctx context.Context, cmd command) {
	opts := connection.SendOptions{
		ExpectResponse: cmd.ExpectResponse,
		Retries:        cmd.Retries,
		ID:             cmd.MessageID,
	}

	if cmd.Priority != "" {
		priority, err := connection.ParsePriority(cmd.Priority)
		if err != nil {
			b.replyError(ctx, cmd.ID, err)

			return
		}

		opts.Priority = priority
	}

	timeout, err := parseDuration(cmd.Timeout)
	if err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	opts.Timeout = timeout

	delivery, err := b.manager.Send(cmd.ConnectionID, cmd.Payload, opts)
	if err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	b.track(delivery)
	defer b.untrack(delivery)

	if err := delivery.Await(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}

		b.reply(ctx, event{
			Type:      eventError,
			ID:        cmd.ID,
			MessageID: delivery.ID(),
			Code:      string(connection.CodeOf(err)),
			Error:     err.Error(),
		})

		return
	}

	reply := event{Type: eventResult, ID: cmd.ID, MessageID: delivery.ID()}
	if resp := delivery.Response(); resp != nil {
		reply.Payload = rawPayload(resp)
	}

	b.reply(ctx, reply)
}

func (b *Bridge) handleCancel(ctx context.Context, cmd command) {
	b.mu.Lock()
	delivery := b.pending[cmd.MessageID]
	b.mu.Unlock()

	if delivery == nil {
		b.replyError(ctx, cmd.ID, fmt.Errorf("no pending message %q", cmd.MessageID))

		return
	}

	delivery.Cancel()
	b.reply(ctx, event{Type: eventResult, ID: cmd.ID, MessageID: cmd.MessageID})
}

func (b *Bridge) handleDisconnect(ctx context.Context, cmd command) {
	if err := b.manager.Disconnect(ctx, cmd.ConnectionID); err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	b.reply(ctx, event{Type: eventResult, ID: cmd.ID, ConnectionID: cmd.ConnectionID})
}

func (b *Bridge) handleDisconnectAll(ctx context.Context, cmd command) {
	if err := b.manager.DisconnectAll(ctx); err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	b.reply(ctx, event{Type: eventResult, ID: cmd.ID})
}

func (b *Bridge) handleHealth(ctx context.Context, cmd command) {
	snap, err := b.manager.Health(cmd.ConnectionID)
	if err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	b.reply(ctx, event{Type: eventResult, ID: cmd.ID, ConnectionID: cmd.ConnectionID, Health: &snap})
}

func (b *Bridge) handleDiagnose(ctx context.Context, cmd command) {
	notes, err := b.manager.Diagnose(cmd.ConnectionID)
	if err != nil {
		b.replyError(ctx, cmd.ID, err)

		return
	}

	b.reply(ctx, event{Type: eventResult, ID: cmd.ID, ConnectionID: cmd.ConnectionID, Notes: notes})
}

func (b *Bridge) handleStats(ctx context.Context, cmd command) {
	stats := b.manager.Stats()
	b.reply(ctx, event{Type: eventResult, ID: cmd.ID, Stats: &stats})
}

func (b *Bridge) track(d *connection.Delivery) {
	b.mu.Lock()
	b.pending[d.ID()] = d
	b.mu.Unlock()
}

func (b *Bridge) untrack(d *connection.Delivery) {
	b.mu.Lock()
	delete(b.pending, d.ID())
	b.mu.Unlock()
}

func (b *Bridge) forwardMessage(ev connection.MessageEvent) {
	b.emit(event{
		Type:         eventMessage,
		ConnectionID: ev.ConnectionID,
		MessageID:    ev.ID,
		Payload:      rawPayload(ev.Payload),
	})
}

func (b *Bridge) forwardStatus(ev connection.StatusEvent) {
	out := event{
		Type:         eventStatus,
		ConnectionID: ev.ConnectionID,
		Previous:     ev.Previous.String(),
		Current:      ev.Current.String(),
	}

	if ev.Err != nil {
		out.Code = string(connection.CodeOf(ev.Err))
		out.Error = ev.Err.Error()
	}

	b.emit(out)
}

func (b *Bridge) forwardHealth(ev connection.HealthEvent) {
	b.emit(event{
		Type:         eventHealth,
		ConnectionID: ev.ConnectionID,
		Health:       &ev.Snapshot,
	})
}

// reply queues a command reply; replies block rather than drop.
func (b *Bridge) reply(ctx context.Context, ev event) {
	data, ok := b.encode(ev)
	if !ok {
		return
	}

	select {
	case b.out <- data:
	case <-ctx.Done():
	}
}

func (b *Bridge) replyError(ctx context.Context, id string, err error) {
	b.reply(ctx, event{
		Type:  eventError,
		ID:    id,
		Code:  string(connection.CodeOf(err)),
		Error: err.Error(),
	})
}

// emit queues a fan-out event. Fan-out must never block the dispatcher, so
// events are dropped when the consumer falls behind.
func (b *Bridge) emit(ev event) {
	data, ok := b.encode(ev)
	if !ok {
		return
	}

	select {
	case b.out <- data:
	default:
		b.logger.Warn("stdout backlog full, dropping event", zap.String("type", ev.Type))
	}
}

func (b *Bridge) encode(ev event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("failed to encode event", zap.Error(err))

		return nil, false
	}

	return data, true
}

// rawPayload passes JSON payloads through untouched; anything else is
// wrapped as a JSON string so the output line stays parseable.
func rawPayload(p []byte) json.RawMessage {
	if len(p) == 0 {
		return nil
	}

	if json.Valid(p) {
		return json.RawMessage(p)
	}

	quoted, err := json.Marshal(string(p))
	if err != nil {
		return nil
	}

	return quoted
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	return d, nil
}
