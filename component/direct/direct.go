// Package direct provides synchronous in-process endpoints. A producer
// sending to direct:name runs the consuming route on the caller's goroutine,
// inside the caller's unit of work.
package direct

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/routeflow/component"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// ComponentName is the URI scheme.
const ComponentName = "direct"

// DefaultTimeout bounds how long a blocking producer waits for a consumer.
const DefaultTimeout = 30 * time.Second

func init() {
	Register()
}

// Register adds the direct component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.DirectCapabilities)
}

// Build creates a direct component. It needs no configuration.
func Build(_ context.Context, _ component.Config, _ watermill.LoggerAdapter) (component.Component, error) {
	return New(), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.DirectCapabilities
}

// Component keeps one endpoint per name so producers and the consumer of a
// name meet regardless of URI parameters.
type Component struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func New() *Component {
	return &Component{endpoints: make(map[string]*Endpoint)}
}

func (c *Component) Name() string { return ComponentName }

// CreateEndpoint returns the endpoint for uri.Path. Supported parameters:
// block (wait for a consumer when none is attached) and timeout.
func (c *Component) CreateEndpoint(_ context.Context, uri component.URI) (component.Endpoint, error) {
	if uri.Path == "" {
		return nil, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: uri.Raw, Component: ComponentName}
	}
	block, err := uri.BoolParam("block", false)
	if err != nil {
		return nil, err
	}
	timeout, err := uri.DurationParam("timeout", DefaultTimeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.endpoints[uri.Path]; ok {
		return ep.withOptions(uri, block, timeout), nil
	}
	ep := &Endpoint{
		BaseEndpoint: component.NewBaseEndpoint(uri, component.DirectCapabilities, lifecycle.Hooks{}),
		state:        &consumerSlot{ready: make(chan struct{})},
		block:        block,
		timeout:      timeout,
	}
	c.endpoints[uri.Path] = ep
	return ep, nil
}

// consumerSlot is shared between all endpoint values of one name.
type consumerSlot struct {
	mu       sync.Mutex
	consumer *Consumer
	ready    chan struct{}
}

func (s *consumerSlot) attach(c *Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer == c {
		return nil
	}
	if s.consumer != nil {
		return &errspkg.Error{Kind: errspkg.ErrFanInConflict, Endpoint: c.Endpoint().Key(), Component: ComponentName}
	}
	s.consumer = c
	close(s.ready)
	return nil
}

func (s *consumerSlot) detach(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer == c {
		s.consumer = nil
		s.ready = make(chan struct{})
	}
}

func (s *consumerSlot) current() (*Consumer, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer, s.ready
}

// Endpoint is a direct:name address.
type Endpoint struct {
	*component.BaseEndpoint

	state   *consumerSlot
	block   bool
	timeout time.Duration
}

func (e *Endpoint) withOptions(uri component.URI, block bool, timeout time.Duration) *Endpoint {
	if uri.Key() == e.Key() {
		return e
	}
	return &Endpoint{
		BaseEndpoint: component.NewBaseEndpoint(uri, component.DirectCapabilities, lifecycle.Hooks{}),
		state:        e.state,
		block:        block,
		timeout:      timeout,
	}
}

func (e *Endpoint) CreateConsumer(p processor.Processor) (component.Consumer, error) {
	c := &Consumer{}
	c.BaseConsumer = component.NewBaseConsumer(e, p, lifecycle.Hooks{
		Start:   func(context.Context) error { return e.state.attach(c) },
		Stop:    func(context.Context) error { e.state.detach(c); return nil },
		Suspend: func(context.Context) error { e.state.detach(c); return nil },
		Resume:  func(context.Context) error { return e.state.attach(c) },
	})
	return c, nil
}

func (e *Endpoint) CreateProducer() (component.Producer, error) {
	return &Producer{BaseProducer: component.NewBaseProducer(e, lifecycle.Hooks{}), endpoint: e}, nil
}

func (e *Endpoint) consumer(ctx context.Context) (*Consumer, error) {
	c, ready := e.state.current()
	if c != nil {
		return c, nil
	}
	if !e.block {
		return nil, &errspkg.Error{Kind: errspkg.ErrNoConsumer, Endpoint: e.Key(), Component: ComponentName}
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ready:
			if c, ready = e.state.current(); c != nil {
				return c, nil
			}
		case <-timer.C:
			return nil, &errspkg.Error{Kind: errspkg.ErrNoConsumer, Endpoint: e.Key(), Component: ComponentName, Err: context.DeadlineExceeded}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Consumer hands exchanges from producers to its route. It defers shutdown
// so routes that send to it can finish first.
type Consumer struct {
	*component.BaseConsumer
}

func (c *Consumer) SupportsSuspension() bool                      { return true }
func (c *Consumer) DeferShutdown(policy.ShutdownRunningTask) bool { return true }
func (c *Consumer) PendingExchanges() int                         { return 0 }
func (c *Consumer) PrepareShutdown(bool, bool)                    {}

// Producer calls the consumer's route synchronously.
type Producer struct {
	*component.BaseProducer

	endpoint *Endpoint
}

func (p *Producer) Process(ctx context.Context, ex *exchange.Exchange) error {
	c, err := p.endpoint.consumer(ctx)
	if err != nil {
		return err
	}
	return c.Processor().Process(ctx, ex)
}
