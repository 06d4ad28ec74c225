// Package component defines the contracts between the routeflow engine and
// the endpoint technologies it routes between. Each component implementation
// (direct, seda, kafka, ...) lives in its own sub-package and registers a
// Factory with the component registry.
package component

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// Component creates endpoints for one URI scheme. Components that hold
// connections also implement lifecycle.Service and are stopped by the engine.
type Component interface {
	Name() string
	CreateEndpoint(ctx context.Context, uri URI) (Endpoint, error)
}

// Endpoint is an addressable source or destination.
type Endpoint interface {
	lifecycle.Service
	URI() URI
	// Key is the normalized URI used for caching and inflight accounting.
	Key() string
	// Singleton endpoints are cached by the engine and shared between routes.
	Singleton() bool
	// MultipleConsumersSupported reports whether more than one route may
	// consume from this endpoint.
	MultipleConsumersSupported() bool
	CreateConsumer(p processor.Processor) (Consumer, error)
	CreateProducer() (Producer, error)
	CreateExchange(ctx context.Context) *exchange.Exchange
}

// Consumer feeds exchanges from an endpoint into a route.
type Consumer interface {
	lifecycle.Service
	Endpoint() Endpoint
}

// Producer delivers exchanges to an endpoint.
type Producer interface {
	lifecycle.Service
	processor.Processor
	Endpoint() Endpoint
}

// ShutdownAware consumers take part in graceful shutdown.
type ShutdownAware interface {
	// DeferShutdown reports whether the consumer must be stopped after the
	// other inputs have drained.
	DeferShutdown(task policy.ShutdownRunningTask) bool
	// PendingExchanges is the number of exchanges accepted but not yet
	// handed to the route (queued items, prefetched messages).
	PendingExchanges() int
	// PrepareShutdown is called before the strategy starts waiting.
	PrepareShutdown(suspendOnly, forced bool)
}

// Suspendable consumers can pause intake without releasing resources.
type Suspendable interface {
	lifecycle.Suspender
	SupportsSuspension() bool
}

// Config provides the settings components read. It is implemented by the
// runtime configuration.
type Config interface {
	GetName() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Factory builds a component from configuration.
type Factory func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Component, error)
