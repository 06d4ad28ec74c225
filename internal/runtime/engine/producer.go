package engine

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/metadata"
)

// Send delivers ex to the endpoint at uri through a short lived producer.
// A failed exchange is reported as an error.
func (e *Engine) Send(ctx context.Context, uri string, ex *exchange.Exchange) error {
	if ex == nil {
		return errspkg.ErrExchangeRequired
	}
	if !e.IsStarted() {
		return errspkg.ErrEngineNotStarted
	}
	ep, err := e.Endpoint(ctx, uri)
	if err != nil {
		return err
	}
	producer, err := ep.CreateProducer()
	if err != nil {
		return err
	}
	if err := producer.Start(ctx); err != nil {
		return fmt.Errorf("start producer %s: %w", uri, err)
	}
	defer func() { _ = producer.Stop(context.WithoutCancel(ctx)) }()

	if err := producer.Process(ctx, ex); err != nil {
		if ex.Err == nil {
			ex.Err = err
		}
		return err
	}
	if ex.Failed() {
		if ex.Err != nil {
			return ex.Err
		}
		return fmt.Errorf("exchange %s was rolled back", ex.ID)
	}
	return nil
}

// SendBody wraps body and headers in a new exchange and sends it.
func (e *Engine) SendBody(ctx context.Context, uri string, body any, headers metadata.Metadata) error {
	_, err := e.send(ctx, uri, body, headers)
	return err
}

// Request sends body and returns the reply: the out message when the route
// set one, the in message otherwise.
func (e *Engine) Request(ctx context.Context, uri string, body any, headers metadata.Metadata) (*exchange.Message, error) {
	ex, err := e.send(ctx, uri, body, headers)
	if err != nil {
		return nil, err
	}
	return ex.Result(), nil
}

func (e *Engine) send(ctx context.Context, uri string, body any, headers metadata.Metadata) (*exchange.Exchange, error) {
	ep, err := e.Endpoint(ctx, uri)
	if err != nil {
		return nil, err
	}
	ex := ep.CreateExchange(ctx)
	ex.In = exchange.NewMessage(body, headers.Clone())
	return ex, e.Send(ctx, uri, ex)
}
