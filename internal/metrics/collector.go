package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/relink/pkg/connection"
)

const (
	defaultPollInterval = 5 * time.Second
	millisPerSecond     = 1000
)

// StatsSource supplies manager statistics for export.
type StatsSource interface {
	Stats() connection.ManagerStats
}

// Collector polls a stats source and translates its lifetime totals into
// Prometheus counter increments and per-connection gauges. Totals reported
// by the source only grow, so each poll applies the delta since the last.
type Collector struct {
	source   StatsSource
	registry *Registry
	interval time.Duration
	logger   *zap.Logger

	last  managerTotals
	conns map[string]connTotals
}

type managerTotals struct {
	connects         uint64
	closed           uint64
	failed           uint64
	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64
	eventsDropped    uint64
}

type connTotals struct {
	service string
	session string

	reconnects uint64
	batches    uint64
	evicted    uint64
	rejected   uint64
	expired    uint64
}

// NewCollector creates a collector that polls source at the given interval.
func NewCollector(source StatsSource, registry *Registry, interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Collector{
		source:   source,
		registry: registry,
		interval: interval,
		logger:   logger,
		conns:    make(map[string]connTotals),
	}
}

// Run polls until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Debug("stats collector started", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one snapshot from the source and applies it to the registry.
func (c *Collector) Collect() {
	stats := c.source.Stats()

	c.registry.SetActiveConnections(stats.ActiveConnections)
	c.registry.SetDemotedServices(len(stats.DemotedServices))

	cur := managerTotals{
		connects:         stats.TotalConnects,
		closed:           stats.TotalClosed,
		failed:           stats.TotalFailed,
		messagesSent:     stats.TotalMessagesSent,
		messagesReceived: stats.TotalMessagesReceived,
		bytesSent:        stats.TotalBytesSent,
		bytesReceived:    stats.TotalBytesReceived,
		eventsDropped:    stats.EventsDropped,
	}

	c.registry.AddConnectionsOpened(counterDelta(cur.connects, c.last.connects))
	c.registry.AddConnectionsClosed(counterDelta(cur.closed, c.last.closed))
	c.registry.AddConnectionsFailed(counterDelta(cur.failed, c.last.failed))
	c.registry.AddMessages(DirectionSent, counterDelta(cur.messagesSent, c.last.messagesSent))
	c.registry.AddMessages(DirectionReceived, counterDelta(cur.messagesReceived, c.last.messagesReceived))
	c.registry.AddBytes(DirectionSent, counterDelta(cur.bytesSent, c.last.bytesSent))
	c.registry.AddBytes(DirectionReceived, counterDelta(cur.bytesReceived, c.last.bytesReceived))
	c.registry.AddEventsDropped(counterDelta(cur.eventsDropped, c.last.eventsDropped))
	c.last = cur

	live := make(map[string]connTotals, len(stats.Connections))

	for i := range stats.Connections {
		c.applyConnection(&stats.Connections[i], live)
	}

	c.dropVanished(live)
	c.conns = live
}

func (c *Collector) applyConnection(cs *connection.ConnectionStats, live map[string]connTotals) {
	prev := c.conns[cs.ID]

	c.registry.AddReconnects(cs.Service, counterDelta(cs.Reconnects, prev.reconnects))
	c.registry.AddBatchesFlushed(cs.Service, counterDelta(cs.BatchesFlushed, prev.batches))
	c.registry.AddQueueDropped(cs.Service, "evicted", counterDelta(cs.Queue.Evicted, prev.evicted))
	c.registry.AddQueueDropped(cs.Service, "rejected", counterDelta(cs.Queue.Rejected, prev.rejected))
	c.registry.AddQueueDropped(cs.Service, "expired", counterDelta(cs.Queue.Expired, prev.expired))

	c.registry.SetQueueDepth(cs.Service, cs.Session, cs.Queue.Depth)
	c.registry.SetQueueBytes(cs.Service, cs.Session, cs.Queue.Bytes)
	c.registry.SetConnectionUp(cs.Service, cs.Session, cs.State == connection.StateConnected.String())

	if cs.Health != nil {
		c.registry.SetHealth(cs.Service, cs.Session, cs.Health.Score, cs.Health.LatencyMs/millisPerSecond)
	} else {
		c.registry.ClearHealth(cs.Service, cs.Session)
	}

	live[cs.ID] = connTotals{
		service:    cs.Service,
		session:    cs.Session,
		reconnects: cs.Reconnects,
		batches:    cs.BatchesFlushed,
		evicted:    cs.Queue.Evicted,
		rejected:   cs.Queue.Rejected,
		expired:    cs.Queue.Expired,
	}
}

// dropVanished deletes gauge series for connections that no longer exist,
// unless a successor connection reuses the same identity.
func (c *Collector) dropVanished(live map[string]connTotals) {
	for id, prev := range c.conns {
		if _, ok := live[id]; ok {
			continue
		}

		if identityLive(live, prev.service, prev.session) {
			continue
		}

		c.registry.RemoveConnection(prev.service, prev.session)
	}
}

func identityLive(live map[string]connTotals, service, session string) bool {
	for _, ct := range live {
		if ct.service == service && ct.session == session {
			return true
		}
	}

	return false
}

// counterDelta guards against snapshots observed out of order.
func counterDelta(cur, last uint64) uint64 {
	if cur < last {
		return 0
	}

	return cur - last
}
