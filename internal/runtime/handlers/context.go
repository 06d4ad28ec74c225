// Package handlers turns typed JSON and protobuf functions into route
// processors. The in body is decoded into the handler's payload type and the
// handler's reply, if any, becomes the out message.
package handlers

import (
	"errors"

	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/metadata"
)

var (
	ErrHandlerRequired     = errors.New("handlers: handler is required")
	ErrPayloadTypeRequired = errors.New("handlers: payload type is required")
	ErrPayloadPointer      = errors.New("handlers: payload type must be a pointer")
)

// MessageContextBase holds what JSON and proto handlers share.
type MessageContextBase struct {
	Exchange *exchange.Exchange
	Metadata metadata.Metadata
	Logger   logging.ServiceLogger
}

// CloneMetadata returns a copy of the in headers so handlers can build reply
// headers without touching the original map.
func (b MessageContextBase) CloneMetadata() metadata.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a header value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata.Get(key)
}

// CorrelationID returns the correlation id header, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata.CorrelationID()
}

func newBase(ex *exchange.Exchange, logger logging.ServiceLogger) MessageContextBase {
	headers := ex.In.Headers
	if headers == nil {
		headers = metadata.Metadata{}
	}
	return MessageContextBase{
		Exchange: ex,
		Metadata: headers,
		Logger: logger.With(logging.LogFields{
			"exchange_id": ex.ID,
			"route_id":    ex.FromRouteID,
		}),
	}
}

// reply builds the out message. Headers default to the in headers.
func reply(ex *exchange.Exchange, body []byte, headers metadata.Metadata, schema string) {
	if headers == nil {
		headers = ex.In.Headers
	}
	headers = headers.Clone()
	headers[metadata.KeyMessageSchema] = schema
	ex.Out = exchange.NewMessage(body, headers)
}
