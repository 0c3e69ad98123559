// Package health maintains per-connection quality statistics: an
// exponentially weighted latency average, a sliding-window error rate and a
// reconnect count, reduced to a single 0-100 score with advisory diagnostics.
package health

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultAlpha               = 0.2
	DefaultGoodLatency         = 50 * time.Millisecond
	DefaultBadLatency          = 1 * time.Second
	DefaultErrorWindow         = time.Minute
	DefaultErrorSaturation     = 10.0
	DefaultReconnectSaturation = 5

	// Penalty ceilings. The three caps sum to 100 so a connection that is
	// slow, erroring and flapping at the same time bottoms out at zero.
	maxLatencyPenalty   = 40.0
	maxErrorPenalty     = 40.0
	maxReconnectPenalty = 20.0

	errorBucketCount = 6

	healthyScore  = 90
	degradedScore = 60
)

// Config tunes a Tracker. Zero fields fall back to the package defaults.
type Config struct {
	// Alpha weighs new latency samples into the moving average.
	Alpha float64
	// GoodLatency is the averaged latency below which no penalty applies;
	// BadLatency is where the latency penalty saturates.
	GoodLatency time.Duration
	BadLatency  time.Duration
	// ErrorWindow is the width of the sliding error window.
	ErrorWindow time.Duration
	// ErrorSaturation is the errors-per-minute rate at which the error
	// penalty saturates.
	ErrorSaturation float64
	// ReconnectSaturation is the reconnect count at which the reconnect
	// penalty saturates.
	ReconnectSaturation int
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}

	if c.GoodLatency <= 0 {
		c.GoodLatency = DefaultGoodLatency
	}

	if c.BadLatency <= c.GoodLatency {
		c.BadLatency = DefaultBadLatency
		if c.BadLatency <= c.GoodLatency {
			c.BadLatency = c.GoodLatency * 10
		}
	}

	if c.ErrorWindow <= 0 {
		c.ErrorWindow = DefaultErrorWindow
	}

	if c.ErrorSaturation <= 0 {
		c.ErrorSaturation = DefaultErrorSaturation
	}

	if c.ReconnectSaturation <= 0 {
		c.ReconnectSaturation = DefaultReconnectSaturation
	}

	return c
}

// Snapshot is the externally visible health sample of one connection.
type Snapshot struct {
	LatencyMs  float64   `json:"latency_ms"`
	ErrorRate  float64   `json:"error_rate_per_min"`
	Reconnects int       `json:"reconnects"`
	Score      int       `json:"score"`
	SampledAt  time.Time `json:"sampled_at"`
}

type errorBucket struct {
	slot  int64
	count int
}

// Tracker accumulates health signals for a single connection. All methods are
// safe for concurrent use.
type Tracker struct {
	cfg Config

	// nowFn exists so tests can steer the error window.
	nowFn func() time.Time

	mu          sync.Mutex
	ewmaMs      float64
	haveLatency bool
	buckets     [errorBucketCount]errorBucket
	bucketWidth time.Duration
	reconnects  int
}

// NewTracker creates a Tracker with the given configuration.
func NewTracker(cfg Config) *Tracker {
	cfg = cfg.withDefaults()

	return &Tracker{
		cfg:         cfg,
		nowFn:       time.Now,
		bucketWidth: cfg.ErrorWindow / errorBucketCount,
	}
}

// RecordRoundTrip folds one completed round-trip latency into the average.
func (t *Tracker) RecordRoundTrip(rtt time.Duration) {
	if rtt < 0 {
		return
	}

	sample := float64(rtt) / float64(time.Millisecond)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveLatency {
		t.ewmaMs = sample
		t.haveLatency = true

		return
	}

	t.ewmaMs = t.cfg.Alpha*sample + (1-t.cfg.Alpha)*t.ewmaMs
}

// RecordError counts one failure (timeout, socket error, forced close) in the
// sliding window.
func (t *Tracker) RecordError() {
	t.RecordErrors(1)
}

// RecordErrors counts n failures at once, as a sweep pass produces.
func (t *Tracker) RecordErrors(n int) {
	if n <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	slot := t.nowFn().UnixNano() / int64(t.bucketWidth)
	b := &t.buckets[slot%errorBucketCount]

	if b.slot != slot {
		b.slot = slot
		b.count = 0
	}

	b.count += n
}

// RecordReconnect counts one reconnect attempt cycle.
func (t *Tracker) RecordReconnect() {
	t.mu.Lock()
	t.reconnects++
	t.mu.Unlock()
}

// Snapshot reduces the current signals to a sample with a 0-100 score.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	rate := t.errorRateLocked(now)

	snap := Snapshot{
		LatencyMs:  t.ewmaMs,
		ErrorRate:  rate,
		Reconnects: t.reconnects,
		SampledAt:  now,
	}
	snap.Score = t.scoreLocked(rate)

	return snap
}

// errorRateLocked sums live buckets and normalizes to errors per minute.
func (t *Tracker) errorRateLocked(now time.Time) float64 {
	oldest := now.Add(-t.cfg.ErrorWindow).UnixNano() / int64(t.bucketWidth)

	total := 0

	for _, b := range t.buckets {
		if b.slot > oldest {
			total += b.count
		}
	}

	return float64(total) * float64(time.Minute) / float64(t.cfg.ErrorWindow)
}

func (t *Tracker) scoreLocked(errorRate float64) int {
	score := 100.0 - t.latencyPenaltyLocked() - t.errorPenalty(errorRate) - t.reconnectPenaltyLocked()

	if score < 0 {
		return 0
	}

	if score > 100 {
		return 100
	}

	return int(score)
}

func (t *Tracker) latencyPenaltyLocked() float64 {
	if !t.haveLatency {
		return 0
	}

	goodMs := float64(t.cfg.GoodLatency) / float64(time.Millisecond)
	badMs := float64(t.cfg.BadLatency) / float64(time.Millisecond)

	return maxLatencyPenalty * saturate((t.ewmaMs-goodMs)/(badMs-goodMs))
}

func (t *Tracker) errorPenalty(rate float64) float64 {
	return maxErrorPenalty * saturate(rate/t.cfg.ErrorSaturation)
}

func (t *Tracker) reconnectPenaltyLocked() float64 {
	return maxReconnectPenalty * saturate(float64(t.reconnects)/float64(t.cfg.ReconnectSaturation))
}

// saturate clamps x into [0,1], making every penalty term non-negative,
// monotonic and capped.
func saturate(x float64) float64 {
	if x < 0 {
		return 0
	}

	if x > 1 {
		return 1
	}

	return x
}

// Diagnose explains the current score in operator terms, worst signal first.
// Advisory only; nothing reads these strings programmatically.
func (t *Tracker) Diagnose() []string {
	t.mu.Lock()
	now := t.nowFn()
	rate := t.errorRateLocked(now)
	latency := t.latencyPenaltyLocked()
	errPen := t.errorPenalty(rate)
	reconn := t.reconnectPenaltyLocked()
	score := t.scoreLocked(rate)
	ewma := t.ewmaMs
	reconnects := t.reconnects
	t.mu.Unlock()

	if score >= healthyScore {
		return []string{"connection healthy"}
	}

	var notes []string

	if errPen >= latency && errPen >= reconn && errPen > 0 {
		notes = append(notes, fmt.Sprintf(
			"elevated error rate (%.1f/min): check peer availability and message timeouts", rate))
	}

	if latency >= errPen && latency >= reconn && latency > 0 {
		notes = append(notes, fmt.Sprintf(
			"high latency (avg %.0fms): check network path or peer load", ewma))
	}

	if reconn > 0 {
		notes = append(notes, fmt.Sprintf(
			"frequent reconnects (%d): the underlying socket keeps dropping", reconnects))
	}

	if score < degradedScore {
		notes = append(notes, "connection degraded: consider failing over this service")
	}

	if len(notes) == 0 {
		notes = append(notes, "connection under light stress")
	}

	return notes
}
