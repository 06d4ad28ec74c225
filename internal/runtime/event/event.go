// Package event carries runtime notifications (engine, route and exchange
// lifecycle) to registered notifiers.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/logging"
)

// Type names a runtime notification.
type Type string

const (
	ContextStarting       Type = "ContextStarting"
	ContextStarted        Type = "ContextStarted"
	ContextStartupFailure Type = "ContextStartupFailure"
	ContextStopping       Type = "ContextStopping"
	ContextStopped        Type = "ContextStopped"
	RouteAdded            Type = "RouteAdded"
	RouteStarted          Type = "RouteStarted"
	RouteStopped          Type = "RouteStopped"
	RouteSuspended        Type = "RouteSuspended"
	RouteResumed          Type = "RouteResumed"
	RouteRemoved          Type = "RouteRemoved"
	ExchangeCreated       Type = "ExchangeCreated"
	ExchangeCompleted     Type = "ExchangeCompleted"
	ExchangeFailed        Type = "ExchangeFailed"
	ServiceStopFailure    Type = "ServiceStopFailure"
	ShutdownTimeout       Type = "ShutdownTimeout"
)

// Event is a single notification. Only the fields relevant to the Type are
// set.
type Event struct {
	Type     Type
	Time     time.Time
	Engine   string
	RouteID  string
	Endpoint string
	Exchange *exchange.Exchange
	Err      error
	// Duration is set on ExchangeCompleted/ExchangeFailed.
	Duration time.Duration
}

// Notifier receives events. Returned errors are logged, never propagated to
// the code that emitted the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Dispatcher fans an event out to every notifier, recovering panics and
// logging errors. A nil *Dispatcher drops events.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    logging.ServiceLogger
	engine    string
}

// NewDispatcher builds a dispatcher for the named engine.
func NewDispatcher(engine string, logger logging.ServiceLogger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Dispatcher{logger: logger, engine: engine}
	d.Add(notifiers...)
	return d
}

// Add registers notifiers; nil values are skipped.
func (d *Dispatcher) Add(notifiers ...Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
}

// Len returns the number of notifiers.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.notifiers)
}

// Notify delivers ev to every notifier. It always returns nil so the
// dispatcher itself satisfies Notifier.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	if d == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Engine == "" {
		ev.Engine = d.engine
	}

	d.mu.RLock()
	notifiers := make([]Notifier, len(d.notifiers))
	copy(notifiers, d.notifiers)
	d.mu.RUnlock()

	for _, n := range notifiers {
		if err := d.deliver(ctx, n, ev); err != nil {
			d.logger.Error("Event notifier failed", err, logging.LogFields{
				"event": string(ev.Type),
				"route": ev.RouteID,
			})
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return n.Notify(ctx, ev)
}

// NewLoggingNotifier logs lifecycle events at info and exchange events at
// trace. Failure events are logged at warn.
func NewLoggingNotifier(logger logging.ServiceLogger) Notifier {
	if logger == nil {
		panic("routeflow: logger cannot be nil")
	}
	return NotifierFunc(func(_ context.Context, ev Event) error {
		fields := logging.LogFields{"event": string(ev.Type)}
		if ev.RouteID != "" {
			fields["route"] = ev.RouteID
		}
		if ev.Endpoint != "" {
			fields["endpoint"] = ev.Endpoint
		}
		switch ev.Type {
		case ExchangeCreated, ExchangeCompleted:
			if ev.Exchange != nil {
				fields["exchange_id"] = ev.Exchange.ID
			}
			if ev.Duration > 0 {
				fields["duration_ms"] = ev.Duration.Milliseconds()
			}
			logger.Trace("Exchange event", fields)
		case ExchangeFailed, ServiceStopFailure, ShutdownTimeout, ContextStartupFailure:
			if ev.Err != nil {
				fields["error"] = ev.Err.Error()
			}
			logger.Warn("Runtime failure event", fields)
		default:
			logger.Info("Runtime event", fields)
		}
		return nil
	})
}
