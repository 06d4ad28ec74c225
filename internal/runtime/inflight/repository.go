// Package inflight counts exchanges that are currently being processed, in
// total and per source endpoint.
package inflight

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/logging"
)

// Repository is engine scoped. Counters are created on first use and live
// until the repository is stopped.
type Repository struct {
	*lifecycle.Support

	logger    logging.ServiceLogger
	total     atomic.Int64
	endpoints sync.Map // endpoint key -> *atomic.Int64
}

// NewRepository creates an empty repository.
func NewRepository(logger logging.ServiceLogger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Repository{logger: logger}
	r.Support = lifecycle.NewSupport(lifecycle.Hooks{Stop: r.doStop})
	return r
}

// Add counts ex as inflight.
func (r *Repository) Add(ex *exchange.Exchange) {
	r.total.Add(1)
	if key := endpointKey(ex); key != "" {
		r.counter(key).Add(1)
	}
}

// Remove is the inverse of Add.
func (r *Repository) Remove(ex *exchange.Exchange) {
	r.total.Add(-1)
	if key := endpointKey(ex); key != "" {
		r.counter(key).Add(-1)
	}
}

// Size returns the total inflight count.
func (r *Repository) Size() int {
	return clamp(r.total.Load())
}

// SizeOf returns the inflight count for one endpoint key, 0 if unknown.
func (r *Repository) SizeOf(endpointKey string) int {
	v, ok := r.endpoints.Load(endpointKey)
	if !ok {
		return 0
	}
	return clamp(v.(*atomic.Int64).Load())
}

// EndpointCount is one row of a Snapshot.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Inflight int    `json:"inflight"`
}

// Snapshot returns the per endpoint counts sorted by key.
func (r *Repository) Snapshot() []EndpointCount {
	var out []EndpointCount
	r.endpoints.Range(func(key, value any) bool {
		out = append(out, EndpointCount{
			Endpoint: key.(string),
			Inflight: clamp(value.(*atomic.Int64).Load()),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (r *Repository) counter(key string) *atomic.Int64 {
	if v, ok := r.endpoints.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := r.endpoints.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (r *Repository) doStop(context.Context) error {
	if size := r.Size(); size > 0 {
		r.logger.Warn("Shutting down while there are still inflight exchanges", logging.LogFields{
			"inflight": size,
		})
	}
	r.endpoints.Range(func(key, _ any) bool {
		r.endpoints.Delete(key)
		return true
	})
	r.total.Store(0)
	return nil
}

func endpointKey(ex *exchange.Exchange) string {
	if ex == nil {
		return ""
	}
	return ex.FromEndpoint.Key
}

func clamp(v int64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}
