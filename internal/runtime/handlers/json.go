package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/jsoncodec"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/metadata"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// JSONMessageContext exposes the decoded payload and the in headers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput is the reply of a JSON handler. Nil Metadata keeps the
// in headers.
type JSONMessageOutput[T any] struct {
	Message  T
	Metadata metadata.Metadata
}

// JSONMessageHandler handles one decoded payload. Returning a nil output
// leaves the in message as it is.
type JSONMessageHandler[T any, O any] func(ctx context.Context, msg JSONMessageContext[T]) (*JSONMessageOutput[O], error)

// JSONProcessor decodes the in body into a new T, calls handler and encodes
// its reply as the out message. T must be a pointer type. A body that
// already holds a T is passed through without decoding. Decoding failures
// are reported as errspkg.ErrUnprocessable.
func JSONProcessor[T any, O any](handler JSONMessageHandler[T, O], logger logging.ServiceLogger) (processor.Processor, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return processor.Func(func(ctx context.Context, ex *exchange.Exchange) error {
		payload, err := decodeJSON(ex.In, newPayload)
		if err != nil {
			return errspkg.Unprocessable(err)
		}

		out, err := handler(ctx, JSONMessageContext[T]{
			MessageContextBase: newBase(ex, logger),
			Payload:            payload,
		})
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return encodeJSONOutput(ex, out)
	}), nil
}

func decodeJSON[T any](msg *exchange.Message, newPayload func() T) (T, error) {
	if typed, ok := msg.Body.(T); ok && !reflect.ValueOf(typed).IsNil() {
		return typed, nil
	}
	var zero T
	payload := newPayload()
	if err := msg.DecodeBody(payload); err != nil {
		return zero, fmt.Errorf("decode %T payload: %w", payload, err)
	}
	return payload, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, ErrPayloadPointer
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func encodeJSONOutput[T any](ex *exchange.Exchange, out *JSONMessageOutput[T]) error {
	value := reflect.ValueOf(out.Message)
	if !value.IsValid() || value.IsZero() {
		return errors.New("json handler emitted zero-value message")
	}
	body, err := jsoncodec.Marshal(out.Message)
	if err != nil {
		return fmt.Errorf("encode %T reply: %w", out.Message, err)
	}
	reply(ex, body, out.Metadata, fmt.Sprintf("%T", out.Message))
	return nil
}
