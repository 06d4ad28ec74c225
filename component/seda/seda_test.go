package seda

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/routeflow/component"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/processor"
	"github.com/drblury/routeflow/internal/runtime/uow"
)

func endpoint(t *testing.T, c *Component, raw string) *Endpoint {
	t.Helper()
	ep, err := c.CreateEndpoint(context.Background(), component.MustParseURI(raw))
	require.NoError(t, err)
	return ep.(*Endpoint)
}

func send(t *testing.T, ep *Endpoint, body any) error {
	t.Helper()
	producer, err := ep.CreateProducer()
	require.NoError(t, err)
	ex := exchange.New(context.Background(), exchange.EndpointRef{})
	ex.In.Body = body
	return producer.Process(context.Background(), ex)
}

func TestRegister(t *testing.T) {
	original := component.DefaultRegistry
	defer func() { component.DefaultRegistry = original }()

	component.DefaultRegistry = component.NewRegistry()
	Register()

	caps := component.GetCapabilities(ComponentName)
	assert.Equal(t, "seda", caps.Name)
	assert.True(t, caps.SupportsSuspension)
	assert.Equal(t, component.SedaCapabilities, Capabilities())
}

func TestEndpointParameters(t *testing.T) {
	c := New(nil)

	ep := endpoint(t, c, "seda:q")
	assert.False(t, ep.MultipleConsumersSupported())

	shared := endpoint(t, c, "seda:q?multipleConsumers=true")
	assert.True(t, shared.MultipleConsumersSupported())
	assert.Same(t, ep.queue, shared.queue)

	_, err := c.CreateEndpoint(context.Background(), component.MustParseURI("seda:q?size=0"))
	assert.ErrorIs(t, err, errspkg.ErrInvalidURI)

	_, err = c.CreateEndpoint(context.Background(), component.MustParseURI("seda:"))
	assert.ErrorIs(t, err, errspkg.ErrInvalidURI)
}

func TestProducerConsumerRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	ep := endpoint(t, c, "seda:orders")

	received := make(chan *exchange.Exchange, 1)
	consumer, err := ep.CreateConsumer(processor.Func(func(_ context.Context, ex *exchange.Exchange) error {
		received <- ex
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	require.NoError(t, send(t, ep, "hello"))

	select {
	case ex := <-received:
		assert.Equal(t, "hello", ex.In.Body)
		assert.Equal(t, "seda://orders", ex.FromEndpoint.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("exchange was not consumed")
	}
}

func TestProducerHandsOverCompletions(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	ep := endpoint(t, c, "seda:handover")

	consumer, err := ep.CreateConsumer(&processor.UnitOfWork{
		RouteID: "b",
		Next:    processor.Func(func(context.Context, *exchange.Exchange) error { return nil }),
	})
	require.NoError(t, err)

	completed := make(chan string, 1)
	ex := exchange.New(ctx, exchange.EndpointRef{URI: "direct:a", Key: "direct://a"})
	u := uow.New(ex, uow.Options{})
	require.NoError(t, u.Start(ctx))
	u.AddSynchronization(&exchange.SynchronizationFuncs{
		Complete: func(done *exchange.Exchange) { completed <- done.FromRouteID },
	})

	producer, err := ep.CreateProducer()
	require.NoError(t, err)
	require.NoError(t, producer.Process(ctx, ex))
	u.Done(ex)

	select {
	case <-completed:
		t.Fatal("completion ran before the queued copy was processed")
	default:
	}

	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	select {
	case route := <-completed:
		assert.Equal(t, "b", route)
	case <-time.After(2 * time.Second):
		t.Fatal("handed over completion never ran")
	}
}

func TestQueueFull(t *testing.T) {
	c := New(nil)
	ep := endpoint(t, c, "seda:small?size=1")

	require.NoError(t, send(t, ep, 1))
	assert.ErrorIs(t, send(t, ep, 2), ErrQueueFull)

	blocking := endpoint(t, c, "seda:small?size=1&blockWhenFull=true&offerTimeout=20")
	assert.ErrorIs(t, send(t, blocking, 3), ErrQueueFull)
	assert.Equal(t, 1, c.QueueSize("small"))
}

func TestFailedOfferReturnsCompletions(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	ep := endpoint(t, c, "seda:full?size=1")
	require.NoError(t, send(t, ep, "filler"))

	ex := exchange.New(ctx, exchange.EndpointRef{})
	u := uow.New(ex, uow.Options{})
	require.NoError(t, u.Start(ctx))
	u.AddSynchronization(&exchange.SynchronizationFuncs{})

	producer, err := ep.CreateProducer()
	require.NoError(t, err)
	assert.Error(t, producer.Process(ctx, ex))
	assert.Len(t, u.Synchronizations(), 1)
}

func TestShutdownAwareness(t *testing.T) {
	c := New(nil)
	ep := endpoint(t, c, "seda:backlog")
	require.NoError(t, send(t, ep, 1))
	require.NoError(t, send(t, ep, 2))

	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error { return nil }))
	require.NoError(t, err)
	aware := consumer.(component.ShutdownAware)

	assert.Equal(t, 2, aware.PendingExchanges())
	assert.True(t, aware.DeferShutdown(policy.CompleteAllTasks))
	assert.True(t, aware.DeferShutdown(policy.CompleteCurrentTaskOnly))
	assert.Equal(t, 2, aware.PendingExchanges(), "queued exchanges drain under either policy")

	aware.PrepareShutdown(false, true)
	assert.Zero(t, aware.PendingExchanges())
	assert.Equal(t, 2, ep.Size())
}

func TestPendingCountsExchangesBeingProcessed(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	ep := endpoint(t, c, "seda:busy")

	release := make(chan struct{})
	started := make(chan struct{})
	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)
	aware := consumer.(component.ShutdownAware)

	require.NoError(t, send(t, ep, "work"))
	<-started
	assert.Zero(t, ep.Size())
	assert.Equal(t, 1, aware.PendingExchanges())

	close(release)
	require.Eventually(t, func() bool { return aware.PendingExchanges() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailedOfferIsNotPending(t *testing.T) {
	c := New(nil)
	ep := endpoint(t, c, "seda:tiny?size=1")
	require.NoError(t, send(t, ep, 1))
	require.Error(t, send(t, ep, 2))

	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, 1, consumer.(component.ShutdownAware).PendingExchanges())
}

func TestPurgeWhenStopping(t *testing.T) {
	c := New(nil)
	ep := endpoint(t, c, "seda:purge?purgeWhenStopping=true")
	require.NoError(t, send(t, ep, 1))

	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error { return nil }))
	require.NoError(t, err)
	aware := consumer.(component.ShutdownAware)

	assert.True(t, aware.DeferShutdown(policy.CompleteAllTasks))
	assert.Zero(t, aware.PendingExchanges())
	assert.Zero(t, ep.Size())
}

func TestConcurrentConsumers(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	ep := endpoint(t, c, "seda:parallel?concurrentConsumers=3")

	var running, peak atomic.Int32
	release := make(chan struct{})
	done := make(chan struct{}, 3)
	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		done <- struct{}{}
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, send(t, ep, i))
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.Equal(t, int32(3), peak.Load())
}

func TestSuspendStopsIntake(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	ep := endpoint(t, c, "seda:pause")

	var processed atomic.Int32
	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error {
		processed.Add(1)
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	suspendable := consumer.(component.Suspendable)
	require.NoError(t, suspendable.Suspend(ctx))
	require.NoError(t, send(t, ep, "held"))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, processed.Load())
	assert.Equal(t, 1, ep.Size())

	require.NoError(t, suspendable.Resume(ctx))
	require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopWaitsBoundedByContext(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	ep := endpoint(t, c, "seda:stuck")

	release := make(chan struct{})
	started := make(chan struct{})
	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	require.NoError(t, send(t, ep, "slow"))
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err = consumer.Stop(stopCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
