// Package route turns a Definition into a running service: it resolves the
// input endpoints, builds the processor chain and owns the consumers feeding
// it.
package route

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/routeflow/component"
	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/inflight"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/processor"
	"github.com/drblury/routeflow/internal/runtime/stats"
	"github.com/drblury/routeflow/internal/runtime/uow"
)

// Deps are the engine collaborators a route needs. Resolver is required.
type Deps struct {
	Resolver  Resolver
	Inflight  *inflight.Repository
	Events    *event.Dispatcher
	Logger    logging.ServiceLogger
	Tracer    trace.Tracer
	Resources *stats.ResourceTracker
}

// Input is one consumed endpoint of a route together with the optional
// capabilities of its consumer, resolved once.
type Input struct {
	Route         *Service
	URI           string
	Endpoint      component.Endpoint
	Consumer      component.Consumer
	ShutdownAware component.ShutdownAware
	Suspendable   component.Suspendable
}

// SupportsSuspension reports whether the consumer can pause intake.
func (in Input) SupportsSuspension() bool {
	return in.Suspendable != nil && in.Suspendable.SupportsSuspension()
}

// Service runs one route.
type Service struct {
	*lifecycle.Support

	def    Definition
	deps   Deps
	logger logging.ServiceLogger

	mu     sync.Mutex
	warmed bool
	inputs []Input
	body   []lifecycle.Service
	chain  processor.Processor
	stats  *stats.Collector
}

// NewService validates def and prepares a route. Nothing is resolved until
// WarmUp.
func NewService(def Definition, deps Deps) (*Service, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("route %s: resolver is required", def.ID)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	s := &Service{
		def:    def,
		deps:   deps,
		logger: deps.Logger.With(logging.LogFields{"route_id": def.ID}),
		stats:  stats.NewCollector(def.Inputs, def.Outputs(), deps.Resources),
	}
	s.Support = lifecycle.NewSupport(lifecycle.Hooks{
		Start:   s.doStart,
		Stop:    s.doStop,
		Suspend: s.doSuspend,
		Resume:  s.doResume,
	})
	return s, nil
}

// ID is the route id.
func (s *Service) ID() string { return s.def.ID }

// Definition returns the definition the route was built from.
func (s *Service) Definition() Definition { return s.def }

// Stats is the route's statistics collector.
func (s *Service) Stats() *stats.Collector { return s.stats }

// ShutdownRoute is the route's shutdown policy.
func (s *Service) ShutdownRoute() policy.ShutdownRoute { return s.def.ShutdownRoute }

// ShutdownRunningTask is the route's running-task policy.
func (s *Service) ShutdownRunningTask() policy.ShutdownRunningTask {
	return s.def.ShutdownRunningTask
}

// Inputs returns the consumed endpoints. It is empty before WarmUp.
func (s *Service) Inputs() []Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Input, len(s.inputs))
	copy(out, s.inputs)
	return out
}

// IsWarm reports whether WarmUp has run since the last stop.
func (s *Service) IsWarm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warmed
}

// WarmUp resolves endpoints, builds the chain, creates the consumers and
// starts the body services (producers, stateful processors). Consumers are
// not started. Calling it again before a stop is a no-op.
func (s *Service) WarmUp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warmed {
		return nil
	}

	steps := make(processor.Pipeline, 0, len(s.def.Steps))
	for _, step := range s.def.Steps {
		p, err := step.build(ctx, s.def.ID, s.deps.Resolver)
		if err != nil {
			return err
		}
		steps = append(steps, p)
	}
	body := processor.Services(steps...)
	if err := startBody(ctx, body); err != nil {
		return fmt.Errorf("route %s: %w", s.def.ID, err)
	}

	chain := processor.Chain(steps, s.def.Interceptors...)
	chain = s.stats.Wrap(chain)
	s.chain = &processor.UnitOfWork{
		RouteID: s.def.ID,
		Options: uow.Options{
			Inflight: s.deps.Inflight,
			Events:   s.deps.Events,
			Logger:   s.logger,
			Tracer:   s.deps.Tracer,
		},
		Next: chain,
	}

	inputs := make([]Input, 0, len(s.def.Inputs))
	for _, uri := range s.def.Inputs {
		in, err := s.input(ctx, uri)
		if err != nil {
			s.chain = nil
			_ = stopBody(ctx, body)
			return err
		}
		inputs = append(inputs, in)
	}

	s.inputs = inputs
	s.body = body
	s.warmed = true
	return nil
}

func (s *Service) input(ctx context.Context, uri string) (Input, error) {
	ep, err := s.deps.Resolver.Endpoint(ctx, uri)
	if err != nil {
		return Input{}, err
	}
	consumer, err := ep.CreateConsumer(s.chain)
	if err != nil {
		return Input{}, fmt.Errorf("route %s: create consumer for %s: %w", s.def.ID, uri, err)
	}
	in := Input{Route: s, URI: uri, Endpoint: ep, Consumer: consumer}
	if aware, ok := consumer.(component.ShutdownAware); ok {
		in.ShutdownAware = aware
	}
	if susp, ok := consumer.(component.Suspendable); ok {
		in.Suspendable = susp
	}
	return in, nil
}

func startBody(ctx context.Context, body []lifecycle.Service) error {
	for i, svc := range body {
		if err := svc.Start(ctx); err != nil {
			_ = stopBody(ctx, body[:i])
			return err
		}
	}
	return nil
}

func stopBody(ctx context.Context, body []lifecycle.Service) error {
	var errs []error
	for i := len(body) - 1; i >= 0; i-- {
		if err := body[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) doStart(ctx context.Context) error {
	if err := s.WarmUp(ctx); err != nil {
		return err
	}
	inputs := s.Inputs()
	for i, in := range inputs {
		if err := in.Consumer.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = inputs[j].Consumer.Stop(ctx)
			}
			return fmt.Errorf("route %s: start consumer %s: %w", s.def.ID, in.URI, err)
		}
	}
	s.logger.Debug("Route started", logging.LogFields{"inputs": len(inputs)})
	return nil
}

func (s *Service) doStop(ctx context.Context) error {
	err := s.Release(ctx)
	s.logger.Debug("Route stopped", nil)
	return err
}

// Release stops the consumers and body services and forgets the warm state.
// The engine uses it for routes that were warmed but never started.
func (s *Service) Release(ctx context.Context) error {
	s.mu.Lock()
	inputs, body := s.inputs, s.body
	s.inputs, s.body, s.chain = nil, nil, nil
	s.warmed = false
	s.mu.Unlock()

	var errs []error
	for i := len(inputs) - 1; i >= 0; i-- {
		if err := inputs[i].Consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %s: %w", inputs[i].URI, err))
		}
	}
	if err := stopBody(ctx, body); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) doSuspend(ctx context.Context) error {
	for _, in := range s.Inputs() {
		var err error
		if in.SupportsSuspension() {
			err = in.Suspendable.Suspend(ctx)
		} else {
			err = in.Consumer.Stop(ctx)
		}
		if err != nil {
			return fmt.Errorf("route %s: suspend consumer %s: %w", s.def.ID, in.URI, err)
		}
	}
	return nil
}

func (s *Service) doResume(ctx context.Context) error {
	for _, in := range s.Inputs() {
		var err error
		if in.SupportsSuspension() {
			err = in.Suspendable.Resume(ctx)
		} else {
			err = in.Consumer.Start(ctx)
		}
		if err != nil {
			return fmt.Errorf("route %s: resume consumer %s: %w", s.def.ID, in.URI, err)
		}
	}
	return nil
}
