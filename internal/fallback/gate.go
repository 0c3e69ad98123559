// Package fallback decides, per service type, whether new connections get
// the full enhanced stack or the minimal legacy passthrough. A service whose
// enhanced connections keep failing is demoted for a cool-down; the decision
// applies at connect time only and never touches open connections.
package fallback

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = time.Minute
	DefaultCooldown  = 2 * time.Minute
)

// Config tunes the gate. Zero fields fall back to the package defaults.
type Config struct {
	// Threshold is the number of terminal failures within Window that
	// demotes a service.
	Threshold int
	Window    time.Duration
	// Cooldown is how long a demoted service stays on the legacy path.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}

	if c.Window <= 0 {
		c.Window = DefaultWindow
	}

	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}

	return c
}

// ServiceStatus describes the gate's view of one service.
type ServiceStatus struct {
	Demoted        bool      `json:"demoted"`
	DemotedUntil   time.Time `json:"demoted_until,omitempty"`
	RecentFailures int       `json:"recent_failures"`
	Demotions      uint64    `json:"demotions"`
}

type serviceState struct {
	failures     []time.Time
	demotedUntil time.Time
	demotions    uint64
}

// Gate tracks terminal failures per service. All methods are safe for
// concurrent use.
type Gate struct {
	cfg    Config
	logger *zap.Logger

	// nowFn exists so tests can steer windows and cooldowns.
	nowFn func() time.Time

	mu       sync.Mutex
	services map[string]*serviceState
}

// New creates a gate.
func New(cfg Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gate{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		nowFn:    time.Now,
		services: make(map[string]*serviceState),
	}
}

// Allow reports whether a new connection for service should use the enhanced
// stack. False routes it to the legacy passthrough.
func (g *Gate) Allow(service string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.services[service]
	if !ok {
		return true
	}

	now := g.nowFn()
	if now.Before(st.demotedUntil) {
		return false
	}

	return true
}

// RecordFailure counts one terminal failure of an enhanced connection.
// Crossing the threshold inside the window demotes the service.
func (g *Gate) RecordFailure(service string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.services[service]
	if !ok {
		st = &serviceState{}
		g.services[service] = st
	}

	now := g.nowFn()

	if now.Before(st.demotedUntil) {
		// Already demoted; legacy-era failures do not extend the cooldown.
		return
	}

	st.failures = append(st.failures, now)
	st.failures = pruneBefore(st.failures, now.Add(-g.cfg.Window))

	if len(st.failures) < g.cfg.Threshold {
		return
	}

	st.demotedUntil = now.Add(g.cfg.Cooldown)
	st.demotions++
	// A fresh threshold must accumulate after the cooldown lapses.
	st.failures = st.failures[:0]

	g.logger.Warn("service demoted to legacy path",
		zap.String("service", service),
		zap.Int("failures", g.cfg.Threshold),
		zap.Duration("window", g.cfg.Window),
		zap.Time("until", st.demotedUntil))
}

// Demoted returns the end of the service's cooldown, if one is active.
func (g *Gate) Demoted(service string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.services[service]
	if !ok {
		return time.Time{}, false
	}

	if g.nowFn().Before(st.demotedUntil) {
		return st.demotedUntil, true
	}

	return time.Time{}, false
}

// Snapshot returns the current status of every service the gate has seen.
func (g *Gate) Snapshot() map[string]ServiceStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	out := make(map[string]ServiceStatus, len(g.services))

	for name, st := range g.services {
		live := pruneBefore(st.failures, now.Add(-g.cfg.Window))

		status := ServiceStatus{
			Demoted:        now.Before(st.demotedUntil),
			RecentFailures: len(live),
			Demotions:      st.demotions,
		}
		if status.Demoted {
			status.DemotedUntil = st.demotedUntil
		}

		out[name] = status
	}

	return out
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	keep := ts[:0]

	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}

	return keep
}
