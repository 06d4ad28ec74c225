package component

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/ids"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/metadata"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// PubSub exposes a Watermill publisher/subscriber pair as a component. The
// URI path names the topic: kafka:orders, rabbitmq:billing?nackOnFailure=true.
type PubSub struct {
	*lifecycle.Support

	name       string
	caps       Capabilities
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
}

// NewPubSub wraps pub and sub. Either may be nil for one-directional use.
func NewPubSub(name string, caps Capabilities, pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := &PubSub{
		name:       name,
		caps:       caps,
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With(watermill.LogFields{"component": name}),
	}
	c.Support = lifecycle.NewSupport(lifecycle.Hooks{Stop: c.close})
	return c
}

func (c *PubSub) Name() string                   { return c.name }
func (c *PubSub) Capabilities() Capabilities     { return c.caps }
func (c *PubSub) Publisher() message.Publisher   { return c.publisher }
func (c *PubSub) Subscriber() message.Subscriber { return c.subscriber }

func (c *PubSub) CreateEndpoint(_ context.Context, uri URI) (Endpoint, error) {
	if uri.Path == "" {
		return nil, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: uri.Raw, Component: c.name, Err: errors.New("topic is required")}
	}
	nack, err := uri.BoolParam("nackOnFailure", false)
	if err != nil {
		return nil, err
	}
	ep := &pubSubEndpoint{
		BaseEndpoint:  NewBaseEndpoint(uri, c.caps, lifecycle.Hooks{}),
		component:     c,
		topic:         uri.Path,
		nackOnFailure: nack,
	}
	return ep, nil
}

func (c *PubSub) close(context.Context) error {
	var errs []error
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s publisher: %w", c.name, err))
		}
	}
	if c.subscriber != nil && !sameInstance(c.publisher, c.subscriber) {
		if err := c.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s subscriber: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

func sameInstance(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Kind() != reflect.Ptr || vb.Kind() != reflect.Ptr {
		return false
	}
	return va.Pointer() == vb.Pointer()
}

type pubSubEndpoint struct {
	*BaseEndpoint

	component     *PubSub
	topic         string
	nackOnFailure bool
}

func (e *pubSubEndpoint) CreateConsumer(p processor.Processor) (Consumer, error) {
	if e.component.subscriber == nil {
		return nil, &errspkg.Error{Kind: errspkg.ErrConsumerNotSupported, Endpoint: e.Key(), Component: e.component.name}
	}
	c := &pubSubConsumer{endpoint: e}
	c.BaseConsumer = NewBaseConsumer(e, p, lifecycle.Hooks{
		Start:   c.subscribe,
		Stop:    c.unsubscribe,
		Suspend: c.unsubscribe,
		Resume:  c.subscribe,
	})
	return c, nil
}

func (e *pubSubEndpoint) CreateProducer() (Producer, error) {
	if e.component.publisher == nil {
		return nil, &errspkg.Error{Kind: errspkg.ErrProducerNotSupported, Endpoint: e.Key(), Component: e.component.name}
	}
	p := &pubSubProducer{endpoint: e}
	p.BaseProducer = NewBaseProducer(e, lifecycle.Hooks{})
	return p, nil
}

type pubSubConsumer struct {
	*BaseConsumer

	endpoint *pubSubEndpoint

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *pubSubConsumer) SupportsSuspension() bool { return true }

func (c *pubSubConsumer) subscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	msgs, err := c.endpoint.component.subscriber.Subscribe(runCtx, c.endpoint.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", c.endpoint.topic, err)
	}
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.consume(runCtx, msgs, done)
	return nil
}

// unsubscribe cancels the subscription and waits for the message in
// progress, bounded by ctx.
func (c *pubSubConsumer) unsubscribe(ctx context.Context) error {
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

func (c *pubSubConsumer) consume(ctx context.Context, msgs <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

func (c *pubSubConsumer) handle(msg *message.Message) {
	ex := c.endpoint.CreateExchange(msg.Context())
	ex.In = exchange.NewMessage([]byte(msg.Payload), metadata.FromWatermill(msg.Metadata))
	ex.In.ID = msg.UUID
	ex.In.SetHeader(metadata.KeyTopic, c.endpoint.topic)

	err := c.Processor().Process(ex.Context(), ex)
	if err == nil && ex.Failed() {
		err = ex.Err
	}
	if err == nil && !ex.Failed() {
		msg.Ack()
		return
	}

	c.endpoint.component.logger.Error("Exchange failed", err, watermill.LogFields{
		"topic":        c.endpoint.topic,
		"message_uuid": msg.UUID,
		"exchange_id":  ex.ID,
	})
	if c.endpoint.nackOnFailure {
		msg.Nack()
		return
	}
	msg.Ack()
}

type pubSubProducer struct {
	*BaseProducer

	endpoint *pubSubEndpoint
}

func (p *pubSubProducer) Process(ctx context.Context, ex *exchange.Exchange) error {
	payload, err := ex.In.BodyBytes()
	if err != nil {
		return fmt.Errorf("encode body for %s: %w", p.endpoint.topic, err)
	}
	id := ex.In.ID
	if id == "" {
		id = ids.New(ids.Message)
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata = metadata.ToWatermill(ex.In.Headers)
	msg.SetContext(ctx)

	if err := p.endpoint.component.publisher.Publish(p.endpoint.topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.endpoint.topic, err)
	}
	return nil
}
