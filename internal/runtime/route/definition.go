package route

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/routeflow/component"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// Definition declares a route: where exchanges come from, what happens to
// them and how the route behaves during startup and shutdown.
type Definition struct {
	ID          string
	Group       string
	Description string

	// Inputs are the endpoint URIs the route consumes from.
	Inputs []string
	Steps  []Step

	// Interceptors wrap the whole step pipeline, outermost first.
	Interceptors []processor.Interceptor

	// StartupOrder is unique per engine. Zero lets the engine assign one.
	StartupOrder int
	// AutoStartup nil inherits the engine setting.
	AutoStartup *bool

	ShutdownRoute       policy.ShutdownRoute
	ShutdownRunningTask policy.ShutdownRunningTask
}

// Validate checks the parts of a definition that do not need an engine.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errspkg.ErrRouteIDRequired
	}
	if len(d.Inputs) == 0 {
		return &errspkg.Error{Kind: errspkg.ErrInputRequired, Route: d.ID}
	}
	for _, s := range d.Steps {
		if s.build == nil {
			return &errspkg.Error{Kind: errspkg.ErrProcessorRequired, Route: d.ID}
		}
	}
	return nil
}

// IsAutoStartup resolves AutoStartup against the engine default.
func (d Definition) IsAutoStartup(engineDefault bool) bool {
	if d.AutoStartup == nil {
		return engineDefault
	}
	return *d.AutoStartup
}

// Outputs lists the endpoint URIs targeted by To steps.
func (d Definition) Outputs() []string {
	var out []string
	for _, s := range d.Steps {
		if s.to != "" {
			out = append(out, s.to)
		}
	}
	return out
}

// Resolver turns endpoint URIs into endpoints. The engine implements it.
type Resolver interface {
	Endpoint(ctx context.Context, uri string) (component.Endpoint, error)
}

// Step is one element of a route pipeline. It is built when the route warms
// up, so To steps resolve their endpoint against the running engine.
type Step struct {
	to    string
	build func(ctx context.Context, routeID string, r Resolver) (processor.Processor, error)
}

// Process adds an existing processor. Processors that also implement
// lifecycle.Service are started and stopped with the route.
func Process(p processor.Processor) Step {
	return Step{build: func(context.Context, string, Resolver) (processor.Processor, error) {
		if p == nil {
			return nil, errspkg.ErrProcessorRequired
		}
		return p, nil
	}}
}

// ProcessFunc adds a function step.
func ProcessFunc(f func(ctx context.Context, ex *exchange.Exchange) error) Step {
	if f == nil {
		return Process(nil)
	}
	return Process(processor.Func(f))
}

// To sends the exchange to uri through a producer owned by the route.
func To(uri string) Step {
	return Step{to: uri, build: func(ctx context.Context, routeID string, r Resolver) (processor.Processor, error) {
		ep, err := r.Endpoint(ctx, uri)
		if err != nil {
			return nil, err
		}
		producer, err := ep.CreateProducer()
		if err != nil {
			return nil, fmt.Errorf("route %s: create producer for %s: %w", routeID, uri, err)
		}
		return &sendTo{Producer: producer, uri: uri, routeID: routeID}, nil
	}}
}

// sendTo is the processor of a To step. It is a lifecycle.Service through
// the embedded producer.
type sendTo struct {
	component.Producer
	uri     string
	routeID string
}

var _ lifecycle.Service = (*sendTo)(nil)

func (s *sendTo) Process(ctx context.Context, ex *exchange.Exchange) error {
	if err := s.Producer.Process(ctx, ex); err != nil {
		return errspkg.DeliveryFailed(s.routeID, s.uri, err)
	}
	return nil
}
