package component

import (
	"context"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// BaseEndpoint carries the parts every endpoint shares. Implementations embed
// it and add CreateConsumer and CreateProducer.
type BaseEndpoint struct {
	*lifecycle.Support

	uri       URI
	key       string
	singleton bool
	multi     bool
}

// NewBaseEndpoint builds a BaseEndpoint. Hooks may be empty.
func NewBaseEndpoint(uri URI, caps Capabilities, hooks lifecycle.Hooks) *BaseEndpoint {
	return &BaseEndpoint{
		Support:   lifecycle.NewSupport(hooks),
		uri:       uri,
		key:       uri.Key(),
		singleton: true,
		multi:     caps.SupportsMultipleConsumers,
	}
}

func (e *BaseEndpoint) URI() URI                         { return e.uri }
func (e *BaseEndpoint) Key() string                      { return e.key }
func (e *BaseEndpoint) Singleton() bool                  { return e.singleton }
func (e *BaseEndpoint) MultipleConsumersSupported() bool { return e.multi }

// SetMultipleConsumers overrides the capability default, for endpoints that
// take it from a URI parameter.
func (e *BaseEndpoint) SetMultipleConsumers(multi bool) { e.multi = multi }

// Ref is the reference stamped on exchanges created by this endpoint.
func (e *BaseEndpoint) Ref() exchange.EndpointRef {
	return exchange.EndpointRef{URI: e.uri.Raw, Key: e.key}
}

func (e *BaseEndpoint) CreateExchange(ctx context.Context) *exchange.Exchange {
	return exchange.New(ctx, e.Ref())
}

// ProducerOnly can be embedded by endpoints that cannot be consumed.
type ProducerOnly struct{}

func (ProducerOnly) CreateConsumer(processor.Processor) (Consumer, error) {
	return nil, errspkg.ErrConsumerNotSupported
}

// BaseConsumer carries the endpoint and processor of a consumer.
type BaseConsumer struct {
	*lifecycle.Support

	endpoint  Endpoint
	processor processor.Processor
}

// NewBaseConsumer builds a BaseConsumer around hooks.
func NewBaseConsumer(endpoint Endpoint, p processor.Processor, hooks lifecycle.Hooks) *BaseConsumer {
	return &BaseConsumer{Support: lifecycle.NewSupport(hooks), endpoint: endpoint, processor: p}
}

func (c *BaseConsumer) Endpoint() Endpoint { return c.endpoint }

// Processor is the route chain the consumer feeds.
func (c *BaseConsumer) Processor() processor.Processor { return c.processor }

// BaseProducer carries the endpoint of a producer.
type BaseProducer struct {
	*lifecycle.Support

	endpoint Endpoint
}

// NewBaseProducer builds a BaseProducer around hooks.
func NewBaseProducer(endpoint Endpoint, hooks lifecycle.Hooks) *BaseProducer {
	return &BaseProducer{Support: lifecycle.NewSupport(hooks), endpoint: endpoint}
}

func (p *BaseProducer) Endpoint() Endpoint { return p.endpoint }
