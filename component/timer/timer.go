// Package timer provides endpoints that fire exchanges on a fixed period.
package timer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/routeflow/component"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/metadata"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// ComponentName is the URI scheme.
const ComponentName = "timer"

// DefaultPeriod is used when period is not given.
const DefaultPeriod = time.Second

func init() {
	Register()
}

// Register adds the timer component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.TimerCapabilities)
}

// Build creates a timer component.
func Build(_ context.Context, _ component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.TimerCapabilities
}

type Component struct {
	logger watermill.LoggerAdapter
}

func New(logger watermill.LoggerAdapter) *Component {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Component{logger: logger}
}

func (c *Component) Name() string { return ComponentName }

// CreateEndpoint supports period, delay and repeatCount (0 repeats forever).
func (c *Component) CreateEndpoint(_ context.Context, uri component.URI) (component.Endpoint, error) {
	if uri.Path == "" {
		return nil, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: uri.Raw, Component: ComponentName}
	}
	period, err := uri.DurationParam("period", DefaultPeriod)
	if err != nil {
		return nil, err
	}
	delay, err := uri.DurationParam("delay", 0)
	if err != nil {
		return nil, err
	}
	repeat, err := uri.IntParam("repeatCount", 0)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Endpoint{
		BaseEndpoint: component.NewBaseEndpoint(uri, component.TimerCapabilities, lifecycle.Hooks{}),
		period:       period,
		delay:        delay,
		repeatCount:  int64(repeat),
		logger:       c.logger.With(watermill.LogFields{"timer": uri.Path}),
	}, nil
}

// Endpoint is a timer:name address. It cannot be sent to.
type Endpoint struct {
	*component.BaseEndpoint

	period      time.Duration
	delay       time.Duration
	repeatCount int64
	logger      watermill.LoggerAdapter
}

func (e *Endpoint) CreateConsumer(p processor.Processor) (component.Consumer, error) {
	c := &Consumer{endpoint: e}
	c.BaseConsumer = component.NewBaseConsumer(e, p, lifecycle.Hooks{
		Start:   c.run,
		Stop:    c.halt,
		Suspend: c.halt,
		Resume:  c.run,
	})
	return c, nil
}

func (e *Endpoint) CreateProducer() (component.Producer, error) {
	return nil, &errspkg.Error{Kind: errspkg.ErrProducerNotSupported, Endpoint: e.Key(), Component: ComponentName}
}

// Consumer fires one exchange per period on its own goroutine. The counter
// survives suspension.
type Consumer struct {
	*component.BaseConsumer

	endpoint *Endpoint
	counter  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Consumer) SupportsSuspension() bool { return true }

// Fired returns how many exchanges the timer has produced.
func (c *Consumer) Fired() int64 { return c.counter.Load() }

func (c *Consumer) run(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	return nil
}

func (c *Consumer) halt(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	wait := c.endpoint.delay
	if c.counter.Load() > 0 {
		wait = c.endpoint.period
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fired := <-timer.C:
			if !c.IsRunAllowed() {
				return
			}
			if c.endpoint.repeatCount > 0 && c.counter.Load() >= c.endpoint.repeatCount {
				return
			}
			c.fire(fired)
			timer.Reset(c.endpoint.period)
		}
	}
}

func (c *Consumer) fire(at time.Time) {
	n := c.counter.Add(1)
	ex := c.endpoint.CreateExchange(context.Background())
	ex.In.SetHeader(metadata.KeyTimerFiredAt, at.UTC().Format(time.RFC3339Nano))
	ex.In.SetHeader(metadata.KeyTimerCounter, strconv.FormatInt(n, 10))

	if err := c.Processor().Process(ex.Context(), ex); err != nil {
		c.endpoint.logger.Debug("Timer exchange failed", watermill.LogFields{"counter": n, "error": err.Error()})
	}
}
