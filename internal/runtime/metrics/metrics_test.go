package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/inflight"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, inflight.NewRepository(nil))
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestMetrics_RegisterTwoInstancesOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New(reg, nil).Register())
	require.NoError(t, New(reg, nil).Register())
}

func TestMetrics_ExchangeEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)
	require.NoError(t, m.Register())
	ctx := context.Background()

	require.NoError(t, m.Notify(ctx, event.Event{Type: event.ExchangeCompleted, RouteID: "orders", Duration: 20 * time.Millisecond}))
	require.NoError(t, m.Notify(ctx, event.Event{Type: event.ExchangeCompleted, RouteID: "orders", Duration: 30 * time.Millisecond}))
	require.NoError(t, m.Notify(ctx, event.Event{Type: event.ExchangeFailed, RouteID: "orders"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.exchangesTotal.WithLabelValues("orders", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchangesTotal.WithLabelValues("orders", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.exchangeDuration))
}

func TestMetrics_RouteAndShutdownEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)
	require.NoError(t, m.Register())
	ctx := context.Background()

	_ = m.Notify(ctx, event.Event{Type: event.RouteStarted, RouteID: "a"})
	_ = m.Notify(ctx, event.Event{Type: event.RouteStopped, RouteID: "a"})
	_ = m.Notify(ctx, event.Event{Type: event.ServiceStopFailure, RouteID: "a", Endpoint: "seda://q"})
	_ = m.Notify(ctx, event.Event{Type: event.ShutdownTimeout, RouteID: "a"})
	_ = m.Notify(ctx, event.Event{Type: event.ContextStarted})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeEvents.WithLabelValues("a", "RouteStarted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeEvents.WithLabelValues("a", "RouteStopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stopFailures.WithLabelValues("a", "seda://q")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shutdownTimeouts))
}

func TestMetrics_InflightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := inflight.NewRepository(nil)
	m := New(reg, repo)
	require.NoError(t, m.Register())

	ex := exchange.New(context.Background(), exchange.EndpointRef{URI: "seda:q", Key: "seda://q"})
	repo.Add(ex)

	expected := `
# HELP routeflow_inflight_exchanges Exchanges currently inflight, by source endpoint
# TYPE routeflow_inflight_exchanges gauge
routeflow_inflight_exchanges{endpoint="seda://q"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "routeflow_inflight_exchanges"))

	repo.Remove(ex)
	expected = strings.Replace(expected, "} 1", "} 0", 1)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "routeflow_inflight_exchanges"))
}
