// Package seda provides asynchronous in-memory queue endpoints. A producer
// enqueues a copy of the exchange and returns; consumer workers run the
// consuming route.
package seda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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
const ComponentName = "seda"

const (
	// DefaultSize is the queue capacity used when size is not given.
	DefaultSize = 1000

	// DefaultConcurrentConsumers is the number of workers per consumer.
	DefaultConcurrentConsumers = 1
)

// ErrQueueFull is returned by a non-blocking producer when the queue has no
// free slot.
var ErrQueueFull = errors.New("seda: queue is full")

func init() {
	Register()
}

// Register adds the seda component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.SedaCapabilities)
}

// Build creates a seda component. It needs no configuration.
func Build(_ context.Context, _ component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.SedaCapabilities
}

// Component owns the queues. Queues are shared by name and survive endpoint
// and consumer restarts.
type Component struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	queues map[string]*queue
}

func New(logger watermill.LoggerAdapter) *Component {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Component{logger: logger, queues: make(map[string]*queue)}
}

func (c *Component) Name() string { return ComponentName }

// QueueSize returns the number of exchanges waiting on the named queue.
func (c *Component) QueueSize(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[name]; ok {
		return len(q.items)
	}
	return 0
}

// CreateEndpoint supports size, concurrentConsumers, multipleConsumers,
// blockWhenFull, offerTimeout and purgeWhenStopping.
func (c *Component) CreateEndpoint(_ context.Context, uri component.URI) (component.Endpoint, error) {
	if uri.Path == "" {
		return nil, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: uri.Raw, Component: ComponentName}
	}
	size, err := uri.IntParam("size", DefaultSize)
	if err != nil {
		return nil, err
	}
	concurrent, err := uri.IntParam("concurrentConsumers", DefaultConcurrentConsumers)
	if err != nil {
		return nil, err
	}
	multi, err := uri.BoolParam("multipleConsumers", false)
	if err != nil {
		return nil, err
	}
	block, err := uri.BoolParam("blockWhenFull", false)
	if err != nil {
		return nil, err
	}
	offerTimeout, err := uri.DurationParam("offerTimeout", 0)
	if err != nil {
		return nil, err
	}
	purge, err := uri.BoolParam("purgeWhenStopping", false)
	if err != nil {
		return nil, err
	}
	if size <= 0 || concurrent <= 0 {
		return nil, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: uri.Raw, Component: ComponentName,
			Err: fmt.Errorf("size and concurrentConsumers must be positive")}
	}

	ep := &Endpoint{
		BaseEndpoint:      component.NewBaseEndpoint(uri, component.SedaCapabilities, lifecycle.Hooks{}),
		queue:             c.queue(uri.Path, size),
		concurrent:        concurrent,
		blockWhenFull:     block,
		offerTimeout:      offerTimeout,
		purgeWhenStopping: purge,
		logger:            c.logger.With(watermill.LogFields{"queue": uri.Path}),
	}
	ep.SetMultipleConsumers(multi)
	return ep, nil
}

// queue returns the named queue. The capacity is fixed by the first endpoint
// that creates it.
func (c *Component) queue(name string, size int) *queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[name]; ok {
		return q
	}
	q := &queue{name: name, items: make(chan *exchange.Exchange, size)}
	c.queues[name] = q
	return q
}

// queue counts every exchange from the moment it is offered until a worker has
// finished processing it. A route forwarding to the queue is therefore still
// accounted for here once its own inflight entry is gone.
type queue struct {
	name      string
	items     chan *exchange.Exchange
	inTransit atomic.Int64
}

func (q *queue) purge() int {
	n := 0
	for {
		select {
		case <-q.items:
			n++
			q.inTransit.Add(-1)
		default:
			return n
		}
	}
}

// Endpoint is a seda:name address.
type Endpoint struct {
	*component.BaseEndpoint

	queue             *queue
	concurrent        int
	blockWhenFull     bool
	offerTimeout      time.Duration
	purgeWhenStopping bool
	logger            watermill.LoggerAdapter
}

// Size returns the number of queued exchanges.
func (e *Endpoint) Size() int { return len(e.queue.items) }

func (e *Endpoint) CreateConsumer(p processor.Processor) (component.Consumer, error) {
	c := &Consumer{endpoint: e}
	c.BaseConsumer = component.NewBaseConsumer(e, p, lifecycle.Hooks{
		Start:   c.start,
		Stop:    c.stop,
		Suspend: c.suspend,
		Resume:  c.resume,
	})
	return c, nil
}

func (e *Endpoint) CreateProducer() (component.Producer, error) {
	return &Producer{BaseProducer: component.NewBaseProducer(e, lifecycle.Hooks{}), endpoint: e}, nil
}

// Producer enqueues a copy of the exchange. The completion callbacks of the
// sending unit of work move to the copy, so they run once the consuming
// route has finished with it.
type Producer struct {
	*component.BaseProducer

	endpoint *Endpoint
}

func (p *Producer) Process(ctx context.Context, ex *exchange.Exchange) error {
	cp := ex.Copy()
	cp.SetContext(context.WithoutCancel(ex.Context()))
	u := ex.UnitOfWork()
	if u != nil {
		u.HandoverSynchronization(cp)
	}

	if err := p.offer(ctx, cp); err != nil {
		if u != nil {
			for _, s := range cp.TakeOnCompletions() {
				u.AddSynchronization(s)
			}
		}
		return err
	}
	return nil
}

func (p *Producer) offer(ctx context.Context, cp *exchange.Exchange) error {
	q := p.endpoint.queue
	q.inTransit.Add(1)
	if err := p.enqueue(ctx, cp); err != nil {
		q.inTransit.Add(-1)
		return err
	}
	return nil
}

func (p *Producer) enqueue(ctx context.Context, cp *exchange.Exchange) error {
	items := p.endpoint.queue.items
	if !p.endpoint.blockWhenFull {
		select {
		case items <- cp:
			return nil
		default:
			return &errspkg.Error{Kind: ErrQueueFull, Endpoint: p.endpoint.Key(), Component: ComponentName}
		}
	}

	var timeout <-chan time.Time
	if p.endpoint.offerTimeout > 0 {
		timer := time.NewTimer(p.endpoint.offerTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case items <- cp:
		return nil
	case <-timeout:
		return &errspkg.Error{Kind: ErrQueueFull, Endpoint: p.endpoint.Key(), Component: ComponentName, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consumer runs concurrentConsumers workers against the queue.
type Consumer struct {
	*component.BaseConsumer

	endpoint *Endpoint

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownPending atomic.Bool
	forced          atomic.Bool
}

func (c *Consumer) SupportsSuspension() bool { return true }

// DeferShutdown always defers: other routes may still be draining into this
// queue, so the workers keep running until the final phase stops them. The
// running task policy does not apply, the queue is drained either way.
func (c *Consumer) DeferShutdown(policy.ShutdownRunningTask) bool {
	c.shutdownPending.Store(true)
	return true
}

// PendingExchanges counts the exchanges queued or being processed. It is zero
// after a forced shutdown, and purgeWhenStopping empties the queue first.
func (c *Consumer) PendingExchanges() int {
	if c.shutdownPending.Load() {
		if c.endpoint.purgeWhenStopping {
			c.purge()
		}
		if c.forced.Load() {
			return 0
		}
	}
	return int(c.endpoint.queue.inTransit.Load())
}

func (c *Consumer) PrepareShutdown(suspendOnly, forced bool) {
	if suspendOnly {
		return
	}
	c.shutdownPending.Store(true)
	if forced {
		c.forced.Store(true)
	}
}

func (c *Consumer) start(context.Context) error {
	c.resetShutdown()
	c.spawn()
	return nil
}

func (c *Consumer) suspend(context.Context) error {
	c.halt()
	return nil
}

// resume clears the shutdown flags as well, since a graceful suspend goes
// through DeferShutdown.
func (c *Consumer) resume(context.Context) error {
	c.resetShutdown()
	c.spawn()
	return nil
}

func (c *Consumer) resetShutdown() {
	c.shutdownPending.Store(false)
	c.forced.Store(false)
}

// stop halts the workers and waits for the exchanges they hold, bounded by ctx.
func (c *Consumer) stop(ctx context.Context) error {
	c.halt()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("seda %s: workers still busy: %w", c.endpoint.queue.name, ctx.Err())
	}
	if c.endpoint.purgeWhenStopping {
		c.purge()
	}
	return err
}

func (c *Consumer) purge() {
	if n := c.endpoint.queue.purge(); n > 0 {
		c.endpoint.logger.Info("Purged queued exchanges", watermill.LogFields{"count": n})
	}
}

func (c *Consumer) spawn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for i := 0; i < c.endpoint.concurrent; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
}

func (c *Consumer) halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil || c.forced.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ex := <-c.endpoint.queue.items:
			if ctx.Err() != nil {
				c.requeue(ex)
				return
			}
			c.process(ex)
		}
	}
}

// requeue puts back an exchange taken after intake was halted.
func (c *Consumer) requeue(ex *exchange.Exchange) {
	select {
	case c.endpoint.queue.items <- ex:
	default:
		c.process(ex)
	}
}

func (c *Consumer) process(ex *exchange.Exchange) {
	defer c.endpoint.queue.inTransit.Add(-1)
	ex.FromEndpoint = c.endpoint.Ref()
	ex.FromRouteID = ""
	if err := c.Processor().Process(ex.Context(), ex); err != nil {
		c.endpoint.logger.Debug("Exchange failed", watermill.LogFields{"exchange_id": ex.ID, "error": err.Error()})
	}
}
