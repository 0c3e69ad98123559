package connection

import (
	"fmt"
	"strings"
	"time"

	"github.com/actual-software/relink/internal/fallback"
	"github.com/actual-software/relink/pkg/backoff"
	"github.com/actual-software/relink/pkg/health"
)

// Priority orders queued messages. Higher values drain first; within a
// priority messages keep their original enqueue order, including across
// reconnects.
type Priority int

const (
	// PriorityLow is drained last and is the first eviction candidate when
	// the queue is full.
	PriorityLow Priority = -1

	// PriorityNormal is the zero value used when send options leave the
	// priority unset.
	PriorityNormal Priority = 0

	// PriorityHigh jumps the queue ahead of normal and low traffic.
	PriorityHigh Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a config string onto a Priority. The empty string is
// normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Identity names the logical channel a connection serves. The manager keeps
// at most one live connection per identity.
type Identity struct {
	Service string `json:"service"`
	Session string `json:"session"`
}

func (i Identity) String() string {
	return i.Service + "/" + i.Session
}

// ConnectOptions describe one logical channel to open.
type ConnectOptions struct {
	// Service is the service type this channel talks to. Required.
	Service string

	// Session scopes the channel within the service.
	Session string

	// Endpoint is the dial target handed to the transport.
	Endpoint string

	// ConnectTimeout bounds a single dial attempt and the caller's wait in
	// Connect. Zero means the manager default.
	ConnectTimeout time.Duration

	// DisableReconnect turns off automatic reconnection; the first failure
	// is then terminal.
	DisableReconnect bool

	// MaxRetries caps reconnection attempts after the initial connect.
	// Zero means the manager default; negative means no retries.
	MaxRetries int

	// Priority tags the whole channel for operators; it does not change
	// scheduling of individual messages.
	Priority Priority
}

func (o ConnectOptions) withDefaults(cfg ManagerConfig) ConnectOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = cfg.ConnectTimeout
	}

	if o.MaxRetries == 0 {
		o.MaxRetries = cfg.MaxRetries
	}

	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}

	if o.DisableReconnect {
		o.MaxRetries = 0
	}

	return o
}

func (o ConnectOptions) identity() Identity {
	return Identity{Service: o.Service, Session: o.Session}
}

// SendOptions control scheduling and delivery tracking of one message.
type SendOptions struct {
	// Priority orders the message against other queued traffic.
	Priority Priority

	// Timeout bounds the time from enqueue to delivery, or to the response
	// when ExpectResponse is set. Zero means the manager default.
	Timeout time.Duration

	// ExpectResponse keeps the message pending after the write until a
	// frame with the same id arrives from the peer.
	ExpectResponse bool

	// Retries is how many times the message survives a failed batch write
	// or an expired attempt before failing for good. Zero means none.
	Retries int

	// ID overrides the generated message id. Used for correlation with
	// peers that pick their own ids.
	ID string
}

// Default tuning. Anything the caller leaves at zero lands on these.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultMaxRetries      = 10
	DefaultSendTimeout     = 30 * time.Second
	DefaultQueueCapacity   = 1024
	DefaultSweepInterval   = 200 * time.Millisecond
	DefaultBatchMaxSize    = 32
	DefaultBatchMaxBytes   = 256 * 1024
	DefaultBatchMaxWait    = 25 * time.Millisecond
	DefaultStabilityWindow = 30 * time.Second
	DefaultCloseGrace      = 5 * time.Second
	DefaultEventBuffer     = 256
)

// QueueConfig tunes the per-connection outbound queue.
type QueueConfig struct {
	// Capacity is the maximum number of queued messages before eviction
	// rules apply.
	Capacity int

	// SweepInterval is how often expired messages are collected.
	SweepInterval time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = DefaultQueueCapacity
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}

	return c
}

// BatchConfig tunes outbound batching.
type BatchConfig struct {
	// MaxSize flushes a batch once this many messages are queued.
	MaxSize int

	// MaxBytes flushes a batch once the queued payloads reach this size.
	MaxBytes int

	// MaxWait flushes whatever is queued once the oldest message has
	// waited this long.
	MaxWait time.Duration

	// FlushPerSec rate-limits batch writes. Zero means unshaped.
	FlushPerSec float64

	// FlushBurst is the burst allowance when FlushPerSec is set.
	FlushBurst int
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultBatchMaxSize
	}

	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultBatchMaxBytes
	}

	if c.MaxWait <= 0 {
		c.MaxWait = DefaultBatchMaxWait
	}

	if c.FlushBurst <= 0 {
		c.FlushBurst = 1
	}

	return c
}

// FallbackConfig tunes demotion of repeatedly failing services to the
// legacy path.
type FallbackConfig struct {
	// Enabled turns the gate on. Disabled means every connection uses the
	// enhanced path.
	Enabled bool

	// Threshold, Window and Cooldown mirror the gate tuning; zero values
	// take the gate defaults.
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

func (c FallbackConfig) gateConfig() fallback.Config {
	return fallback.Config{
		Threshold: c.Threshold,
		Window:    c.Window,
		Cooldown:  c.Cooldown,
	}
}

// ManagerConfig tunes a Manager and every connection it opens.
type ManagerConfig struct {
	// ConnectTimeout is the default dial bound per attempt.
	ConnectTimeout time.Duration

	// MaxRetries is the default reconnection budget.
	MaxRetries int

	// SendTimeout is the default per-message timeout.
	SendTimeout time.Duration

	// StabilityWindow is how long a connection must stay up before its
	// backoff attempt counter resets.
	StabilityWindow time.Duration

	// CloseGrace bounds the wait for a close acknowledgement during
	// graceful shutdown.
	CloseGrace time.Duration

	// EventBuffer sizes each event fan-out channel.
	EventBuffer int

	Queue    QueueConfig
	Batch    BatchConfig
	Backoff  backoff.Config
	Health   health.Config
	Fallback FallbackConfig
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}

	if c.StabilityWindow <= 0 {
		c.StabilityWindow = DefaultStabilityWindow
	}

	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}

	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}

	c.Queue = c.Queue.withDefaults()
	c.Batch = c.Batch.withDefaults()

	return c
}
