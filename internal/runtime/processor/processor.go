// Package processor defines the processing step contract and the composites
// the route service builds its chain from.
package processor

import (
	"context"

	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/uow"
)

// Processor handles one exchange. A returned error marks the exchange failed;
// processors may also set ex.Err directly.
type Processor interface {
	Process(ctx context.Context, ex *exchange.Exchange) error
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, ex *exchange.Exchange) error

func (f Func) Process(ctx context.Context, ex *exchange.Exchange) error { return f(ctx, ex) }

// Pipeline runs processors in order and stops at the first failure. When a
// step produces an out message it becomes the in message of the next step.
type Pipeline []Processor

func (p Pipeline) Process(ctx context.Context, ex *exchange.Exchange) error {
	for i, step := range p {
		if i > 0 && ex.Out != nil {
			ex.In = ex.Out
			ex.Out = nil
		}
		if err := step.Process(ctx, ex); err != nil {
			if ex.Err == nil {
				ex.Err = err
			}
			return err
		}
		if ex.Failed() {
			return ex.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Services returns the steps that also have a lifecycle, so a route can
// start and stop them with itself.
func Services(processors ...Processor) []lifecycle.Service {
	var out []lifecycle.Service
	for _, p := range processors {
		switch typed := p.(type) {
		case Pipeline:
			out = append(out, Services(typed...)...)
		case lifecycle.Service:
			out = append(out, typed)
		}
	}
	return out
}

// UnitOfWork wraps next so every exchange entering a route is scoped by a
// unit of work. An exchange that already carries one (a synchronous hop from
// another route) reuses it and only pushes the route onto its stack.
type UnitOfWork struct {
	RouteID string
	Options uow.Options
	Next    Processor
}

func (p *UnitOfWork) Process(ctx context.Context, ex *exchange.Exchange) error {
	if ex.FromRouteID == "" {
		ex.FromRouteID = p.RouteID
	}

	if existing := ex.UnitOfWork(); existing != nil {
		existing.PushRoute(p.RouteID)
		defer existing.PopRoute()
		return p.run(ctx, ex)
	}

	if ex.In != nil {
		ex.In.Headers = ex.In.Headers.WithOrigin(ex.FromEndpoint.Key, p.RouteID)
	}
	u := uow.New(ex, p.Options)
	if err := u.Start(ctx); err != nil {
		ex.Err = err
		return err
	}
	u.PushRoute(p.RouteID)
	defer func() {
		u.PopRoute()
		u.Done(ex)
	}()
	return p.run(ctx, ex)
}

func (p *UnitOfWork) run(ctx context.Context, ex *exchange.Exchange) error {
	err := p.Next.Process(ctx, ex)
	if err != nil && ex.Err == nil {
		ex.Err = err
	}
	return err
}
