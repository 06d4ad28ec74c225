package direct

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/routeflow/component"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

func TestRegister(t *testing.T) {
	original := component.DefaultRegistry
	defer func() { component.DefaultRegistry = original }()

	component.DefaultRegistry = component.NewRegistry()
	Register()

	caps := component.GetCapabilities(ComponentName)
	assert.Equal(t, "direct", caps.Name)
	assert.True(t, caps.Synchronous)
	assert.False(t, caps.SupportsMultipleConsumers)
	assert.Equal(t, component.DirectCapabilities, Capabilities())
}

func TestProducerRunsConsumerSynchronously(t *testing.T) {
	ctx := context.Background()
	c := New()
	ep, err := c.CreateEndpoint(ctx, component.MustParseURI("direct:start"))
	require.NoError(t, err)

	var seen *exchange.Exchange
	consumer, err := ep.CreateConsumer(processor.Func(func(_ context.Context, ex *exchange.Exchange) error {
		seen = ex
		ex.Out = exchange.NewMessage("pong", nil)
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))

	producer, err := ep.CreateProducer()
	require.NoError(t, err)

	ex := exchange.New(ctx, exchange.EndpointRef{})
	ex.In.Body = "ping"
	require.NoError(t, producer.Process(ctx, ex))

	assert.Same(t, ex, seen)
	assert.Equal(t, "pong", ex.Out.Body)
}

func TestProducerWithoutConsumer(t *testing.T) {
	ctx := context.Background()
	c := New()
	ep, err := c.CreateEndpoint(ctx, component.MustParseURI("direct:nobody"))
	require.NoError(t, err)
	producer, err := ep.CreateProducer()
	require.NoError(t, err)

	err = producer.Process(ctx, exchange.New(ctx, exchange.EndpointRef{}))
	assert.ErrorIs(t, err, errspkg.ErrNoConsumer)
}

func TestBlockingProducerWaitsForConsumer(t *testing.T) {
	ctx := context.Background()
	c := New()
	ep, err := c.CreateEndpoint(ctx, component.MustParseURI("direct:late?block=true&timeout=2s"))
	require.NoError(t, err)
	producer, err := ep.CreateProducer()
	require.NoError(t, err)

	plain, err := c.CreateEndpoint(ctx, component.MustParseURI("direct:late"))
	require.NoError(t, err)
	called := make(chan struct{}, 1)
	consumer, err := plain.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error {
		called <- struct{}{}
		return nil
	}))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = consumer.Start(ctx)
	}()

	require.NoError(t, producer.Process(ctx, exchange.New(ctx, exchange.EndpointRef{})))
	select {
	case <-called:
	default:
		t.Fatal("consumer was not invoked")
	}
}

func TestBlockingProducerTimesOut(t *testing.T) {
	ctx := context.Background()
	c := New()
	ep, err := c.CreateEndpoint(ctx, component.MustParseURI("direct:never?block=true&timeout=20"))
	require.NoError(t, err)
	producer, err := ep.CreateProducer()
	require.NoError(t, err)

	err = producer.Process(ctx, exchange.New(ctx, exchange.EndpointRef{}))
	assert.ErrorIs(t, err, errspkg.ErrNoConsumer)
}

func TestSecondConsumerIsRejected(t *testing.T) {
	ctx := context.Background()
	c := New()
	ep, err := c.CreateEndpoint(ctx, component.MustParseURI("direct:shared"))
	require.NoError(t, err)

	noop := processor.Func(func(context.Context, *exchange.Exchange) error { return nil })
	first, err := ep.CreateConsumer(noop)
	require.NoError(t, err)
	second, err := ep.CreateConsumer(noop)
	require.NoError(t, err)

	require.NoError(t, first.Start(ctx))
	assert.ErrorIs(t, second.Start(ctx), errspkg.ErrFanInConflict)

	require.NoError(t, first.Stop(ctx))
	require.NoError(t, second.Start(ctx))
}

func TestConsumerSuspendDetaches(t *testing.T) {
	ctx := context.Background()
	c := New()
	ep, err := c.CreateEndpoint(ctx, component.MustParseURI("direct:pause"))
	require.NoError(t, err)
	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error { return nil }))
	require.NoError(t, err)
	producer, err := ep.CreateProducer()
	require.NoError(t, err)

	require.NoError(t, consumer.Start(ctx))
	suspendable := consumer.(component.Suspendable)
	require.NoError(t, suspendable.Suspend(ctx))
	assert.ErrorIs(t, producer.Process(ctx, exchange.New(ctx, exchange.EndpointRef{})), errspkg.ErrNoConsumer)

	require.NoError(t, suspendable.Resume(ctx))
	assert.NoError(t, producer.Process(ctx, exchange.New(ctx, exchange.EndpointRef{})))
}

func TestConsumerDefersShutdown(t *testing.T) {
	c := New()
	ep, err := c.CreateEndpoint(context.Background(), component.MustParseURI("direct:x"))
	require.NoError(t, err)
	consumer, err := ep.CreateConsumer(processor.Func(func(context.Context, *exchange.Exchange) error { return nil }))
	require.NoError(t, err)

	aware, ok := consumer.(component.ShutdownAware)
	require.True(t, ok)
	assert.True(t, aware.DeferShutdown(policy.CompleteAllTasks))
	assert.Zero(t, aware.PendingExchanges())
}

func TestEndpointRequiresName(t *testing.T) {
	_, err := New().CreateEndpoint(context.Background(), component.MustParseURI("direct:"))
	assert.ErrorIs(t, err, errspkg.ErrInvalidURI)
}
