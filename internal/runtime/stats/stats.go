// Package stats collects per-route processing statistics: latency
// percentiles, throughput, an error breakdown, in-flight backlog, endpoint
// health and coarse process resource usage.
package stats

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/jsoncodec"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type EndpointHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets a processing error.
type ErrorClassifier func(error) ErrorCategory

// RouteStats is a point-in-time copy of a route's statistics.
type RouteStats struct {
	ExchangesTotal      uint64    `json:"exchanges_total"`
	ExchangesFailed     uint64    `json:"exchanges_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`
	Endpoints  []EndpointHealth  `json:"endpoints"`
}

// Collector accumulates statistics for one route. It is safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	current    RouteStats
	latency    *latencyWindow
	throughput *throughputWindow
	resources  *ResourceTracker
	classifier ErrorClassifier
	index      map[string]int
}

// NewCollector creates a collector. inputs and outputs are endpoint URIs
// reported in the endpoint health list; resources may be nil.
func NewCollector(inputs, outputs []string, resources *ResourceTracker) *Collector {
	c := &Collector{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		resources:  resources,
		classifier: DefaultErrorClassifier,
		index:      make(map[string]int),
	}
	for _, in := range inputs {
		c.addEndpoint("consumer:" + in)
	}
	for _, out := range outputs {
		c.addEndpoint("producer:" + out)
	}
	return c
}

// SetClassifier replaces the error classifier.
func (c *Collector) SetClassifier(classifier ErrorClassifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	c.classifier = classifier
}

func (c *Collector) addEndpoint(name string) {
	if _, ok := c.index[name]; ok {
		return
	}
	c.current.Endpoints = append(c.current.Endpoints, EndpointHealth{Name: name, Status: StatusUnknown})
	c.index[name] = len(c.current.Endpoints) - 1
}

func (c *Collector) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.Backlog.InFlight++
	if c.current.Backlog.InFlight > c.current.Backlog.MaxInFlight {
		c.current.Backlog.MaxInFlight = c.current.Backlog.InFlight
	}
}

func (c *Collector) finish(ex *exchange.Exchange, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Backlog.InFlight > 0 {
		c.current.Backlog.InFlight--
	}
	c.current.ExchangesTotal++
	if err != nil {
		c.current.ExchangesFailed++
	}
	c.current.TotalProcessingTime += int64(duration)
	c.current.LastProcessedAt = time.Now().UTC()

	c.latency.Add(duration)
	snapshot := c.latency.Snapshot()
	snapshot.AverageNs = c.current.TotalProcessingTime / int64(c.current.ExchangesTotal)
	c.current.Latency = snapshot

	tp := c.throughput.AddAndSnapshot(time.Now())
	c.current.Throughput.CurrentRPS = tp.CurrentRPS
	c.current.Throughput.WindowSeconds = tp.WindowSeconds
	c.current.Throughput.MessagesInWindow = uint64(tp.Count)
	c.current.Throughput.TotalMessages = c.current.ExchangesTotal

	c.current.Errors.Record(c.classifier(err), err)

	if c.resources != nil {
		c.current.Resource = c.resources.Snapshot()
	}

	if ex != nil && !ex.FromEndpoint.IsZero() {
		c.setStatusLocked("consumer:"+ex.FromEndpoint.URI, StatusHealthy, "")
	}
	var delivery *errspkg.Error
	if errors.As(err, &delivery) && delivery.Kind == errspkg.ErrDeliveryFailed {
		c.setStatusLocked("producer:"+delivery.Endpoint, StatusDegraded, errorDetails(delivery.Err))
		return
	}
	if err == nil {
		for name, idx := range c.index {
			if strings.HasPrefix(name, "producer:") {
				c.markLocked(idx, StatusHealthy, "")
			}
		}
	}
}

func errorDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Collector) setStatusLocked(name, status, details string) {
	idx, ok := c.index[name]
	if !ok {
		c.current.Endpoints = append(c.current.Endpoints, EndpointHealth{Name: name})
		idx = len(c.current.Endpoints) - 1
		c.index[name] = idx
	}
	c.markLocked(idx, status, details)
}

func (c *Collector) markLocked(idx int, status, details string) {
	dep := c.current.Endpoints[idx]
	dep.Status = status
	dep.Details = details
	dep.LastChecked = time.Now().UTC()
	c.current.Endpoints[idx] = dep
}

// Snapshot copies the current statistics.
func (c *Collector) Snapshot() RouteStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.current
	out.Endpoints = append([]EndpointHealth(nil), c.current.Endpoints...)
	return out
}

func (c *Collector) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(c.Snapshot())
}

// Wrap returns a processor that records every exchange passing to next.
func (c *Collector) Wrap(next processor.Processor) processor.Processor {
	return processor.Func(func(ctx context.Context, ex *exchange.Exchange) error {
		c.begin()
		started := time.Now()
		err := next.Process(ctx, ex)
		if err == nil && ex.Failed() {
			err = ex.Err
			if err == nil {
				err = errRolledBack
			}
		}
		c.finish(ex, time.Since(started), err)
		return err
	})
}

var errRolledBack = errors.New("exchange marked rollback only")

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// DefaultErrorClassifier maps runtime error kinds to categories.
func DefaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrUnprocessable):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrDeliveryFailed), errors.Is(err, errspkg.ErrNoConsumer):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}
