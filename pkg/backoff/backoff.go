// Package backoff computes reconnect delays as a capped exponential of the
// attempt count with symmetric jitter, so that a burst of failing connections
// spreads its retries instead of stampeding the peer.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase   = 1 * time.Second
	DefaultMin    = 250 * time.Millisecond
	DefaultMax    = 30 * time.Second
	DefaultFactor = 2.0
	DefaultJitter = 0.1

	// maxExponent bounds Factor^attempt before the float math degenerates;
	// anything past it is pinned to Max anyway.
	maxExponent = 63
)

// Config tunes a Policy. Zero durations and a Factor below 1 fall back to
// the package defaults; a zero Jitter is honored and disables jitter.
type Config struct {
	// Base is the delay for attempt 0, before jitter.
	Base time.Duration
	// Min and Max clamp the final, jittered delay.
	Min time.Duration
	Max time.Duration
	// Factor is the per-attempt multiplier.
	Factor float64
	// Jitter in [0,1) spreads the delay by delay*Jitter*rand(-1,1).
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = DefaultBase
	}

	if c.Min <= 0 {
		c.Min = DefaultMin
	}

	if c.Max <= 0 {
		c.Max = DefaultMax
	}

	if c.Max < c.Min {
		c.Max = c.Min
	}

	if c.Factor < 1 {
		c.Factor = DefaultFactor
	}

	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}

	return c
}

// Policy computes reconnect delays. It is safe for concurrent use; the only
// mutable state is the jitter source.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Policy seeded from the clock.
func New(cfg Config) *Policy {
	return NewSeeded(cfg, time.Now().UnixNano())
}

// NewSeeded creates a Policy with a fixed jitter seed. Given the same seed
// and the same sequence of calls, the delays are reproducible.
func NewSeeded(cfg Config, seed int64) *Policy {
	return &Policy{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(seed)), //nolint:gosec // jitter, not crypto
	}
}

// Delay returns the jittered delay before reconnect attempt number attempt,
// counting from 0. The result always lies in [Min, Max].
func (p *Policy) Delay(attempt int) time.Duration {
	raw := p.raw(attempt)

	p.mu.Lock()
	spread := p.rng.Float64()*2 - 1
	p.mu.Unlock()

	jittered := float64(raw) * (1 + p.cfg.Jitter*spread)

	return p.clamp(time.Duration(jittered))
}

// raw is the exponential term before jitter, capped at Max.
func (p *Policy) raw(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	if attempt > maxExponent {
		return p.cfg.Max
	}

	d := float64(p.cfg.Base) * math.Pow(p.cfg.Factor, float64(attempt))
	if d > float64(p.cfg.Max) || math.IsInf(d, 1) {
		return p.cfg.Max
	}

	return time.Duration(d)
}

func (p *Policy) clamp(d time.Duration) time.Duration {
	if d < p.cfg.Min {
		return p.cfg.Min
	}

	if d > p.cfg.Max {
		return p.cfg.Max
	}

	return d
}
