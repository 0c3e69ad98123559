// Package metrics exports relinkd connection statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for the direction dimension on traffic metrics.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Registry holds all Prometheus metrics published by the daemon.
type Registry struct {
	prom *prometheus.Registry

	// Connection lifecycle metrics
	ConnectionsActive prometheus.Gauge
	ServicesDemoted   prometheus.Gauge
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	ConnectionsFailed prometheus.Counter

	// Traffic metrics
	MessagesTotal *prometheus.CounterVec
	BytesTotal    *prometheus.CounterVec
	EventsDropped prometheus.Counter

	// Delivery metrics
	ReconnectsTotal *prometheus.CounterVec
	BatchesFlushed  *prometheus.CounterVec
	QueueDropped    *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	QueueBytes      *prometheus.GaugeVec

	// Health metrics
	ConnectionUp  *prometheus.GaugeVec
	HealthScore   *prometheus.GaugeVec
	HealthLatency *prometheus.GaugeVec
}

type lifecycleMetricsSet struct {
	active  prometheus.Gauge
	demoted prometheus.Gauge
	opened  prometheus.Counter
	closed  prometheus.Counter
	failed  prometheus.Counter
}

func createLifecycleMetrics(factory promauto.Factory) lifecycleMetricsSet {
	return lifecycleMetricsSet{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relink_connections_active",
			Help: "Number of currently registered connections",
		}),
		demoted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relink_services_demoted",
			Help: "Number of services currently demoted to the legacy path",
		}),
		opened: factory.NewCounter(prometheus.CounterOpts{
			Name: "relink_connections_opened_total",
			Help: "Total number of connections opened",
		}),
		closed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relink_connections_closed_total",
			Help: "Total number of connections closed cleanly",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relink_connections_failed_total",
			Help: "Total number of connections that ended in failure",
		}),
	}
}

type trafficMetricsSet struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	dropped  prometheus.Counter
}

func createTrafficMetrics(factory promauto.Factory) trafficMetricsSet {
	return trafficMetricsSet{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relink_messages_total",
			Help: "Total messages transferred by direction",
		}, []string{"direction"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relink_bytes_total",
			Help: "Total payload bytes transferred by direction",
		}, []string{"direction"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relink_events_dropped_total",
			Help: "Total subscriber events dropped due to slow consumers",
		}),
	}
}

type deliveryMetricsSet struct {
	reconnects *prometheus.CounterVec
	batches    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	depth      *prometheus.GaugeVec
	bytes      *prometheus.GaugeVec
}

func createDeliveryMetrics(factory promauto.Factory) deliveryMetricsSet {
	return deliveryMetricsSet{
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relink_reconnects_total",
			Help: "Total reconnection attempts by service",
		}, []string{"service"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relink_batches_flushed_total",
			Help: "Total frames flushed to the wire by service",
		}, []string{"service"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relink_queue_dropped_total",
			Help: "Total queued messages dropped by cause",
		}, []string{"service", "cause"}),
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relink_queue_depth",
			Help: "Messages waiting in the outbound queue",
		}, []string{"service", "session"}),
		bytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relink_queue_bytes",
			Help: "Payload bytes waiting in the outbound queue",
		}, []string{"service", "session"}),
	}
}

type healthMetricsSet struct {
	up      *prometheus.GaugeVec
	score   *prometheus.GaugeVec
	latency *prometheus.GaugeVec
}

func createHealthMetrics(factory promauto.Factory) healthMetricsSet {
	return healthMetricsSet{
		up: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relink_connection_up",
			Help: "Whether the connection is currently in the connected state",
		}, []string{"service", "session"}),
		score: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relink_health_score",
			Help: "Connection health score from 0 (unusable) to 100 (perfect)",
		}, []string{"service", "session"}),
		latency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relink_health_latency_seconds",
			Help: "Smoothed round-trip latency in seconds",
		}, []string{"service", "session"}),
	}
}

// NewRegistry creates all daemon metrics on a dedicated Prometheus registry.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	factory := promauto.With(prom)

	lifecycle := createLifecycleMetrics(factory)
	traffic := createTrafficMetrics(factory)
	delivery := createDeliveryMetrics(factory)
	probes := createHealthMetrics(factory)

	return &Registry{
		prom:              prom,
		ConnectionsActive: lifecycle.active,
		ServicesDemoted:   lifecycle.demoted,
		ConnectionsOpened: lifecycle.opened,
		ConnectionsClosed: lifecycle.closed,
		ConnectionsFailed: lifecycle.failed,
		MessagesTotal:     traffic.messages,
		BytesTotal:        traffic.bytes,
		EventsDropped:     traffic.dropped,
		ReconnectsTotal:   delivery.reconnects,
		BatchesFlushed:    delivery.batches,
		QueueDropped:      delivery.dropped,
		QueueDepth:        delivery.depth,
		QueueBytes:        delivery.bytes,
		ConnectionUp:      probes.up,
		HealthScore:       probes.score,
		HealthLatency:     probes.latency,
	}
}

// Prometheus exposes the underlying registry for the scrape handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// SetActiveConnections records the number of live connections.
func (r *Registry) SetActiveConnections(n int) {
	r.ConnectionsActive.Set(float64(n))
}

// SetDemotedServices records the number of services on the legacy path.
func (r *Registry) SetDemotedServices(n int) {
	r.ServicesDemoted.Set(float64(n))
}

// AddConnectionsOpened adds to the opened-connections counter.
func (r *Registry) AddConnectionsOpened(n uint64) {
	r.ConnectionsOpened.Add(float64(n))
}

// AddConnectionsClosed adds to the cleanly-closed counter.
func (r *Registry) AddConnectionsClosed(n uint64) {
	r.ConnectionsClosed.Add(float64(n))
}

// AddConnectionsFailed adds to the failed-connections counter.
func (r *Registry) AddConnectionsFailed(n uint64) {
	r.ConnectionsFailed.Add(float64(n))
}

// AddMessages adds transferred messages for one direction.
func (r *Registry) AddMessages(direction string, n uint64) {
	r.MessagesTotal.WithLabelValues(direction).Add(float64(n))
}

// AddBytes adds transferred payload bytes for one direction.
func (r *Registry) AddBytes(direction string, n uint64) {
	r.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// AddEventsDropped adds to the dropped-events counter.
func (r *Registry) AddEventsDropped(n uint64) {
	r.EventsDropped.Add(float64(n))
}

// AddReconnects adds reconnection attempts for a service. Zero deltas are
// skipped so idle services do not materialize empty series.
func (r *Registry) AddReconnects(service string, n uint64) {
	if n == 0 {
		return
	}

	r.ReconnectsTotal.WithLabelValues(service).Add(float64(n))
}

// AddBatchesFlushed adds flushed frames for a service.
func (r *Registry) AddBatchesFlushed(service string, n uint64) {
	if n == 0 {
		return
	}

	r.BatchesFlushed.WithLabelValues(service).Add(float64(n))
}

// AddQueueDropped adds dropped queue messages for a service by cause.
func (r *Registry) AddQueueDropped(service, cause string, n uint64) {
	if n == 0 {
		return
	}

	r.QueueDropped.WithLabelValues(service, cause).Add(float64(n))
}

// SetQueueDepth records the outbound queue depth for a connection.
func (r *Registry) SetQueueDepth(service, session string, depth int) {
	r.QueueDepth.WithLabelValues(service, session).Set(float64(depth))
}

// SetQueueBytes records the outbound queue payload bytes for a connection.
func (r *Registry) SetQueueBytes(service, session string, bytes int) {
	r.QueueBytes.WithLabelValues(service, session).Set(float64(bytes))
}

// SetConnectionUp records whether a connection is currently connected.
func (r *Registry) SetConnectionUp(service, session string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}

	r.ConnectionUp.WithLabelValues(service, session).Set(value)
}

// SetHealth records the health score and latency for a connection.
func (r *Registry) SetHealth(service, session string, score int, latencySeconds float64) {
	r.HealthScore.WithLabelValues(service, session).Set(float64(score))
	r.HealthLatency.WithLabelValues(service, session).Set(latencySeconds)
}

// ClearHealth removes health series for a connection without one, such as a
// connection demoted to the legacy path.
func (r *Registry) ClearHealth(service, session string) {
	r.HealthScore.DeleteLabelValues(service, session)
	r.HealthLatency.DeleteLabelValues(service, session)
}

// RemoveConnection drops every per-connection series for an identity.
func (r *Registry) RemoveConnection(service, session string) {
	r.QueueDepth.DeleteLabelValues(service, session)
	r.QueueBytes.DeleteLabelValues(service, session)
	r.ConnectionUp.DeleteLabelValues(service, session)
	r.ClearHealth(service, session)
}
