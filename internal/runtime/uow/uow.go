// Package uow implements the unit of work that scopes one exchange through
// the runtime: inflight registration, completion callbacks and tracing.
package uow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/ids"
	"github.com/drblury/routeflow/internal/runtime/inflight"
	"github.com/drblury/routeflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/routeflow"

// Options are the engine scoped collaborators of a unit of work. Every field
// is optional.
type Options struct {
	Inflight *inflight.Repository
	Events   *event.Dispatcher
	Logger   logging.ServiceLogger
	Tracer   trace.Tracer
}

// UnitOfWork is the default exchange.UnitOfWork.
type UnitOfWork struct {
	opts Options

	idOnce sync.Once
	id     string

	mu       sync.Mutex
	syncs    []exchange.Synchronization
	routes   []string
	original *exchange.Message

	ex      *exchange.Exchange
	started time.Time
	span    trace.Span

	active atomic.Bool
	done   atomic.Bool
}

// New creates a unit of work for ex and attaches it to the exchange.
func New(ex *exchange.Exchange, opts Options) *UnitOfWork {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	u := &UnitOfWork{opts: opts, ex: ex, syncs: ex.TakeOnCompletions()}
	ex.SetUnitOfWork(u)
	return u
}

// ID is generated on first use.
func (u *UnitOfWork) ID() string {
	u.idOnce.Do(func() { u.id = ids.New(ids.UnitOfWork) })
	return u.id
}

// Start snapshots the original message, registers the exchange as inflight,
// emits ExchangeCreated and opens a span. Calling Start twice is a no-op.
func (u *UnitOfWork) Start(ctx context.Context) error {
	if !u.active.CompareAndSwap(false, true) {
		return nil
	}
	u.started = time.Now()

	u.mu.Lock()
	u.original = u.ex.In.Copy()
	u.mu.Unlock()

	if u.opts.Inflight != nil {
		u.opts.Inflight.Add(u.ex)
	}

	spanCtx, span := u.opts.Tracer.Start(u.ex.Context(), "routeflow.exchange",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("routeflow.exchange_id", u.ex.ID),
			attribute.String("routeflow.endpoint", u.ex.FromEndpoint.Key),
		),
	)
	u.span = span
	u.ex.SetContext(spanCtx)

	_ = u.opts.Events.Notify(ctx, event.Event{
		Type:     event.ExchangeCreated,
		RouteID:  u.ex.FromRouteID,
		Endpoint: u.ex.FromEndpoint.Key,
		Exchange: u.ex,
	})
	return nil
}

// Done completes the unit of work exactly once. Synchronizations run with
// ex (usually the exchange the unit of work was created for) and each one is
// isolated so a failing callback does not affect the others.
func (u *UnitOfWork) Done(ex *exchange.Exchange) {
	if !u.done.CompareAndSwap(false, true) {
		return
	}
	if ex == nil {
		ex = u.ex
	}
	failed := ex.Failed()
	elapsed := time.Since(u.started)

	evType := event.ExchangeCompleted
	if failed {
		evType = event.ExchangeFailed
	}
	_ = u.opts.Events.Notify(ex.Context(), event.Event{
		Type:     evType,
		RouteID:  ex.FromRouteID,
		Endpoint: ex.FromEndpoint.Key,
		Exchange: ex,
		Err:      ex.Err,
		Duration: elapsed,
	})

	u.mu.Lock()
	syncs := u.syncs
	u.syncs = nil
	u.mu.Unlock()

	for _, s := range syncs {
		u.runSynchronization(s, ex, failed)
	}

	if u.active.Load() && u.opts.Inflight != nil {
		u.opts.Inflight.Remove(u.ex)
	}

	if u.span != nil {
		if failed {
			if ex.Err != nil {
				u.span.RecordError(ex.Err)
				u.span.SetStatus(codes.Error, ex.Err.Error())
			} else {
				u.span.SetStatus(codes.Error, "rollback")
			}
		} else {
			u.span.SetStatus(codes.Ok, "")
		}
		u.span.End()
	}
}

func (u *UnitOfWork) runSynchronization(s exchange.Synchronization, ex *exchange.Exchange, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			u.opts.Logger.Warn("Synchronization panicked", logging.LogFields{
				"exchange_id": ex.ID,
				"panic":       fmt.Sprint(r),
			})
		}
	}()
	if failed {
		s.OnFailure(ex)
	} else {
		s.OnComplete(ex)
	}
}

// IsDone reports whether Done has run.
func (u *UnitOfWork) IsDone() bool { return u.done.Load() }

func (u *UnitOfWork) AddSynchronization(s exchange.Synchronization) {
	if s == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.syncs = append(u.syncs, s)
}

func (u *UnitOfWork) RemoveSynchronization(s exchange.Synchronization) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, existing := range u.syncs {
		if existing == s {
			u.syncs = append(u.syncs[:i], u.syncs[i+1:]...)
			return
		}
	}
}

// Synchronizations returns a snapshot of the pending callbacks.
func (u *UnitOfWork) Synchronizations() []exchange.Synchronization {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]exchange.Synchronization(nil), u.syncs...)
}

// HandoverSynchronization moves every pending callback to target. The source
// list is left empty. When target has no unit of work yet the callbacks are
// parked on the exchange and adopted by the unit of work created for it.
func (u *UnitOfWork) HandoverSynchronization(target *exchange.Exchange) {
	if target == nil {
		return
	}

	u.mu.Lock()
	syncs := u.syncs
	u.syncs = nil
	u.mu.Unlock()

	dest := target.UnitOfWork()
	for _, s := range syncs {
		if dest != nil {
			dest.AddSynchronization(s)
		} else {
			target.AddOnCompletion(s)
		}
	}
}

// OriginalMessage is the in message as it was when Start ran.
func (u *UnitOfWork) OriginalMessage() *exchange.Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.original
}

func (u *UnitOfWork) PushRoute(routeID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.routes = append(u.routes, routeID)
}

func (u *UnitOfWork) PopRoute() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.routes) == 0 {
		return ""
	}
	top := u.routes[len(u.routes)-1]
	u.routes = u.routes[:len(u.routes)-1]
	return top
}

// RouteID returns the route currently on top of the stack.
func (u *UnitOfWork) RouteID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.routes) == 0 {
		return ""
	}
	return u.routes[len(u.routes)-1]
}
