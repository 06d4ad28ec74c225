// Package metrics exports runtime events and inflight counts to Prometheus.
package metrics

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/inflight"
)

const namespace = "routeflow"

// Metrics is an event.Notifier that keeps Prometheus collectors up to date.
type Metrics struct {
	mu sync.Mutex

	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	routeEvents      *prometheus.CounterVec
	stopFailures     *prometheus.CounterVec
	shutdownTimeouts prometheus.Counter
	inflight         *inflightCollector

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. repo may be nil, in which case no inflight
// gauge is exported. A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer, repo *inflight.Repository) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		registerer:     registerer,
		exchangesTotal: newCounterVec("exchange", "total", "Exchanges finished by a route, by outcome", []string{"route", "status"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Time from exchange creation to completion",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		routeEvents:  newCounterVec("route", "events_total", "Route lifecycle transitions", []string{"route", "event"}),
		stopFailures: newCounterVec("shutdown", "stop_failures_total", "Consumers that failed to stop", []string{"route", "endpoint"}),
		shutdownTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shutdown",
			Name:      "timeouts_total",
			Help:      "Graceful shutdowns that ran out of time, per route",
		}),
	}
	if repo != nil {
		m.inflight = &inflightCollector{
			repo: repo,
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "inflight", "exchanges"),
				"Exchanges currently inflight, by source endpoint",
				[]string{"endpoint"}, nil,
			),
		}
	}
	return m
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.exchangesTotal,
		m.exchangeDuration,
		m.routeEvents,
		m.stopFailures,
		m.shutdownTimeouts,
	}
	if m.inflight != nil {
		collectors = append(collectors, m.inflight)
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Notify implements event.Notifier.
func (m *Metrics) Notify(_ context.Context, ev event.Event) error {
	switch ev.Type {
	case event.ExchangeCompleted:
		m.exchangesTotal.WithLabelValues(ev.RouteID, "completed").Inc()
		m.exchangeDuration.WithLabelValues(ev.RouteID).Observe(ev.Duration.Seconds())
	case event.ExchangeFailed:
		m.exchangesTotal.WithLabelValues(ev.RouteID, "failed").Inc()
		m.exchangeDuration.WithLabelValues(ev.RouteID).Observe(ev.Duration.Seconds())
	case event.RouteAdded, event.RouteStarted, event.RouteStopped,
		event.RouteSuspended, event.RouteResumed, event.RouteRemoved:
		m.routeEvents.WithLabelValues(ev.RouteID, string(ev.Type)).Inc()
	case event.ServiceStopFailure:
		m.stopFailures.WithLabelValues(ev.RouteID, ev.Endpoint).Inc()
	case event.ShutdownTimeout:
		m.shutdownTimeouts.Inc()
	}
	return nil
}

var _ event.Notifier = (*Metrics)(nil)

// inflightCollector reads the repository at scrape time.
type inflightCollector struct {
	repo *inflight.Repository
	desc *prometheus.Desc
}

func (c *inflightCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *inflightCollector) Collect(ch chan<- prometheus.Metric) {
	for _, row := range c.repo.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(row.Inflight), row.Endpoint)
	}
}
