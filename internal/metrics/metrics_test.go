package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/actual-software/relink/internal/config"
	"github.com/actual-software/relink/pkg/connection"
	"github.com/actual-software/relink/pkg/health"
)

type fakeSource struct {
	stats connection.ManagerStats
}

func (f *fakeSource) Stats() connection.ManagerStats {
	return f.stats
}

func TestCollector_AppliesManagerTotals(t *testing.T) {
	reg := NewRegistry()
	src := &fakeSource{}
	col := NewCollector(src, reg, time.Second, zaptest.NewLogger(t))

	src.stats = connection.ManagerStats{
		ActiveConnections: 2,
		DemotedServices:   []string{"search"},
		TotalConnects:     3,
		TotalMessagesSent: 10,
		TotalBytesSent:    512,
	}
	col.Collect()

	assert.InDelta(t, 2.0, testutil.ToFloat64(reg.ConnectionsActive), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(reg.ServicesDemoted), 0.001)
	assert.InDelta(t, 3.0, testutil.ToFloat64(reg.ConnectionsOpened), 0.001)
	assert.InDelta(t, 10.0, testutil.ToFloat64(reg.MessagesTotal.WithLabelValues(DirectionSent)), 0.001)
	assert.InDelta(t, 512.0, testutil.ToFloat64(reg.BytesTotal.WithLabelValues(DirectionSent)), 0.001)

	// Counters advance by the delta between polls, not the raw totals.
	src.stats.TotalConnects = 5
	src.stats.TotalMessagesSent = 25
	col.Collect()

	assert.InDelta(t, 5.0, testutil.ToFloat64(reg.ConnectionsOpened), 0.001)
	assert.InDelta(t, 25.0, testutil.ToFloat64(reg.MessagesTotal.WithLabelValues(DirectionSent)), 0.001)
}

func TestCollector_TracksConnectionSeries(t *testing.T) {
	reg := NewRegistry()
	src := &fakeSource{}
	col := NewCollector(src, reg, time.Second, zaptest.NewLogger(t))

	src.stats = connection.ManagerStats{
		ActiveConnections: 1,
		Connections: []connection.ConnectionStats{{
			ID:         "conn-1",
			Service:    "search",
			Session:    "session-1",
			State:      connection.StateConnected.String(),
			Reconnects: 2,
			Queue:      connection.QueueStats{Depth: 4, Bytes: 128, Evicted: 1},
			Health:     &health.Snapshot{Score: 87, LatencyMs: 12.5},
		}},
	}
	col.Collect()

	assert.InDelta(t, 4.0, testutil.ToFloat64(reg.QueueDepth.WithLabelValues("search", "session-1")), 0.001)
	assert.InDelta(t, 128.0, testutil.ToFloat64(reg.QueueBytes.WithLabelValues("search", "session-1")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(reg.ConnectionUp.WithLabelValues("search", "session-1")), 0.001)
	assert.InDelta(t, 87.0, testutil.ToFloat64(reg.HealthScore.WithLabelValues("search", "session-1")), 0.001)
	assert.InDelta(t, 0.0125, testutil.ToFloat64(reg.HealthLatency.WithLabelValues("search", "session-1")), 0.0001)
	assert.InDelta(t, 2.0, testutil.ToFloat64(reg.ReconnectsTotal.WithLabelValues("search")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(reg.QueueDropped.WithLabelValues("search", "evicted")), 0.001)

	// The connection goes away; its gauge series go with it, while counters
	// keep their accumulated totals.
	src.stats = connection.ManagerStats{}
	col.Collect()

	assert.Zero(t, testutil.CollectAndCount(reg.QueueDepth))
	assert.Zero(t, testutil.CollectAndCount(reg.ConnectionUp))
	assert.Zero(t, testutil.CollectAndCount(reg.HealthScore))
	assert.InDelta(t, 2.0, testutil.ToFloat64(reg.ReconnectsTotal.WithLabelValues("search")), 0.001)
}

func TestCollector_ReplacementConnectionKeepsSeries(t *testing.T) {
	reg := NewRegistry()
	src := &fakeSource{}
	col := NewCollector(src, reg, time.Second, zaptest.NewLogger(t))

	src.stats = connection.ManagerStats{
		Connections: []connection.ConnectionStats{{
			ID:      "conn-1",
			Service: "search",
			Session: "session-1",
			State:   connection.StateConnected.String(),
			Queue:   connection.QueueStats{Depth: 3},
		}},
	}
	col.Collect()

	// A new connection takes over the identity in the same poll that the
	// old one disappears. Its series must survive the cleanup.
	src.stats.Connections[0].ID = "conn-2"
	src.stats.Connections[0].Queue.Depth = 7
	col.Collect()

	assert.Equal(t, 1, testutil.CollectAndCount(reg.QueueDepth))
	assert.InDelta(t, 7.0, testutil.ToFloat64(reg.QueueDepth.WithLabelValues("search", "session-1")), 0.001)
}

func TestCollector_LegacyConnectionHasNoHealthSeries(t *testing.T) {
	reg := NewRegistry()
	src := &fakeSource{}
	col := NewCollector(src, reg, time.Second, zaptest.NewLogger(t))

	src.stats = connection.ManagerStats{
		Connections: []connection.ConnectionStats{{
			ID:      "conn-1",
			Service: "search",
			Session: "session-1",
			Mode:    connection.ModeLegacy,
			State:   connection.StateReconnecting.String(),
		}},
	}
	col.Collect()

	assert.Zero(t, testutil.CollectAndCount(reg.HealthScore))
	assert.Equal(t, 1, testutil.CollectAndCount(reg.ConnectionUp))
	assert.InDelta(t, 0.0, testutil.ToFloat64(reg.ConnectionUp.WithLabelValues("search", "session-1")), 0.001)
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	reg := NewRegistry()
	src := &fakeSource{stats: connection.ManagerStats{ActiveConnections: 3}}

	srv := NewServer(config.MetricsConfig{
		Enabled:  true,
		Endpoint: "127.0.0.1:0",
		Path:     "/metrics",
	}, reg, src, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()

	var base string

	require.Eventually(t, func() bool {
		base = srv.GetEndpoint()

		return base != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond, "listener never bound")

	body, status := httpGet(t, "http://"+base+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "relink_connections_active")

	body, status = httpGet(t, "http://"+base+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","active_connections":3}`, body)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func httpGet(t *testing.T, url string) (string, int) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return string(body), resp.StatusCode
}
