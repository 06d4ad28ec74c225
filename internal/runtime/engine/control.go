package engine

import (
	"context"
	"time"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/route"
)

// Route returns the route service with id.
func (e *Engine) Route(id string) (*route.Service, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	svc, ok := e.routes[id]
	return svc, ok
}

// Routes returns the route services in the order they were added.
func (e *Engine) Routes() []*route.Service {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*route.Service, 0, len(e.added))
	for _, id := range e.added {
		out = append(out, e.routes[id])
	}
	return out
}

// RouteStatus returns the lifecycle status of a route.
func (e *Engine) RouteStatus(id string) (lifecycle.Status, error) {
	svc, err := e.lookup(id)
	if err != nil {
		return lifecycle.Stopped, err
	}
	return svc.Status(), nil
}

// RouteStartupOrder lists the started routes in the order their inputs were
// opened.
func (e *Engine) RouteStartupOrder() []RouteStartup {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RouteStartup, 0, len(e.started))
	for _, h := range e.started {
		out = append(out, RouteStartup{RouteID: h.route.ID(), Order: h.order})
	}
	return out
}

// StartupOrderOf returns the effective startup order of a route.
func (e *Engine) StartupOrderOf(id string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[id]
	return order, ok
}

func (e *Engine) lookup(id string) (*route.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	svc, ok := e.routes[id]
	if !ok {
		return nil, &errspkg.Error{Kind: errspkg.ErrRouteNotFound, Route: id}
	}
	return svc, nil
}

// StartRoute starts a stopped route with the same checks as engine start.
func (e *Engine) StartRoute(ctx context.Context, id string) error {
	if !e.IsStarted() {
		return errspkg.ErrEngineNotStarted
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	svc, ok := e.routes[id]
	if !ok {
		return &errspkg.Error{Kind: errspkg.ErrRouteNotFound, Route: id}
	}
	if svc.IsSuspended() {
		if err := svc.Resume(ctx); err != nil {
			return err
		}
		_ = e.events.Notify(ctx, event.Event{Type: event.RouteResumed, RouteID: id})
		return nil
	}
	return e.startRoutesLocked(ctx, []*route.Service{svc})
}

// StopRoute gracefully stops one route. timeout zero uses the engine
// shutdown timeout.
func (e *Engine) StopRoute(ctx context.Context, id string, timeout time.Duration) error {
	svc, err := e.lookup(id)
	if err != nil {
		return err
	}
	if svc.Status() == lifecycle.Stopped {
		return nil
	}
	if _, err := e.strategy.ShutdownRoute(ctx, svc, timeout, false); err != nil {
		return err
	}
	err = svc.Stop(ctx)

	e.mu.Lock()
	e.forgetStartedLocked(svc)
	e.mu.Unlock()

	_ = e.events.Notify(ctx, event.Event{Type: event.RouteStopped, RouteID: id, Err: err})
	e.logger.Info("Route stopped", logging.LogFields{"route_id": id})
	return err
}

// SuspendRoute gracefully suspends a route. Consumers that cannot suspend
// are stopped and started again on resume.
func (e *Engine) SuspendRoute(ctx context.Context, id string) error {
	svc, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !svc.IsStarted() || svc.IsSuspended() {
		return nil
	}
	if err := e.strategy.Suspend(ctx, []*route.Service{svc}); err != nil {
		return err
	}
	if err := svc.Suspend(ctx); err != nil {
		return err
	}
	_ = e.events.Notify(ctx, event.Event{Type: event.RouteSuspended, RouteID: id})
	return nil
}

// ResumeRoute resumes a suspended route, or starts a stopped one.
func (e *Engine) ResumeRoute(ctx context.Context, id string) error {
	svc, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !svc.IsSuspended() {
		return e.StartRoute(ctx, id)
	}
	if err := svc.Resume(ctx); err != nil {
		return err
	}
	_ = e.events.Notify(ctx, event.Event{Type: event.RouteResumed, RouteID: id})
	return nil
}

// RemoveRoute forgets a stopped route.
func (e *Engine) RemoveRoute(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	svc, ok := e.routes[id]
	if !ok {
		return &errspkg.Error{Kind: errspkg.ErrRouteNotFound, Route: id}
	}
	if svc.Status() != lifecycle.Stopped {
		return &errspkg.Error{Kind: errspkg.ErrRouteNotStopped, Route: id}
	}
	if err := svc.Release(ctx); err != nil {
		return err
	}
	delete(e.routes, id)
	delete(e.orders, id)
	for i, added := range e.added {
		if added == id {
			e.added = append(e.added[:i], e.added[i+1:]...)
			break
		}
	}
	e.forgetStartedLocked(svc)
	_ = e.events.Notify(ctx, event.Event{Type: event.RouteRemoved, RouteID: id})
	return nil
}

func (e *Engine) forgetStartedLocked(svc *route.Service) {
	for i, h := range e.started {
		if h.route == svc {
			e.started = append(e.started[:i], e.started[i+1:]...)
			return
		}
	}
}
