package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/metadata"
	"github.com/drblury/routeflow/internal/runtime/processor"
)

// ProtoMessageContext provides strongly typed access to the in payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageOutput is the reply of a proto handler. Nil Metadata keeps the
// in headers.
type ProtoMessageOutput struct {
	Message  proto.Message
	Metadata metadata.Metadata
}

// ProtoMessageHandler handles one decoded payload. Returning a nil output
// leaves the in message as it is.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, msg ProtoMessageContext[T]) (*ProtoMessageOutput, error)

// ProtoOption customises a proto processor.
type ProtoOption func(*protoOptions)

type protoOptions struct {
	validate func(proto.Message) error
	binary   bool
}

// WithValidator checks every reply before it is encoded.
func WithValidator(validate func(proto.Message) error) ProtoOption {
	return func(o *protoOptions) { o.validate = validate }
}

// WithBinaryEncoding switches from protojson to the protobuf wire format for
// both decoding and encoding.
func WithBinaryEncoding() ProtoOption {
	return func(o *protoOptions) { o.binary = true }
}

// ProtoProcessor decodes the in body into a fresh copy of prototype, calls
// handler and encodes its reply as the out message. A body that already
// holds a T is passed through. Decoding and reply validation failures are
// reported as errspkg.ErrUnprocessable.
func ProtoProcessor[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger logging.ServiceLogger, opts ...ProtoOption) (processor.Processor, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	var o protoOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return processor.Func(func(ctx context.Context, ex *exchange.Exchange) error {
		payload, err := decodeProto(ex.In, prototype, o.binary)
		if err != nil {
			return errspkg.Unprocessable(err)
		}

		out, err := handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: newBase(ex, logger),
			Payload:            payload,
		})
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if out.Message == nil || isNilProto(out.Message) {
			return errors.New("proto handler emitted nil message")
		}
		if o.validate != nil {
			if err := o.validate(out.Message); err != nil {
				return errspkg.Unprocessable(err)
			}
		}

		var body []byte
		if o.binary {
			body, err = proto.Marshal(out.Message)
		} else {
			body, err = protojson.Marshal(out.Message)
		}
		if err != nil {
			return fmt.Errorf("encode %T reply: %w", out.Message, err)
		}
		reply(ex, body, out.Metadata, string(out.Message.ProtoReflect().Descriptor().FullName()))
		return nil
	}), nil
}

func decodeProto[T proto.Message](msg *exchange.Message, prototype T, binary bool) (T, error) {
	if typed, ok := msg.Body.(T); ok && !isNilProto(typed) {
		return typed, nil
	}
	var zero T
	typed, err := clonePrototype(prototype)
	if err != nil {
		return zero, err
	}
	body, err := msg.BodyBytes()
	if err != nil {
		return zero, err
	}
	if binary {
		err = proto.Unmarshal(body, typed)
	} else {
		err = protojson.Unmarshal(body, typed)
	}
	if err != nil {
		return zero, fmt.Errorf("decode %T payload: %w", prototype, err)
	}
	return typed, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, ErrPayloadTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a new zero message of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, ErrPayloadPointer
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
