// Package log provides a producer-only endpoint that logs each exchange.
//
//	to("log:orders?level=debug&showHeaders=true")
package log

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/routeflow/component"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
)

// ComponentName is the URI scheme.
const ComponentName = "log"

func init() {
	Register()
}

// Register adds the log component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.LogCapabilities)
}

// Build creates a log component writing through logger.
func Build(_ context.Context, _ component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.LogCapabilities
}

type Component struct {
	logger watermill.LoggerAdapter
}

func New(logger watermill.LoggerAdapter) *Component {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Component{logger: logger}
}

func (c *Component) Name() string { return ComponentName }

// CreateEndpoint supports level (trace, debug, info, warn, error),
// showHeaders and showBody.
func (c *Component) CreateEndpoint(_ context.Context, uri component.URI) (component.Endpoint, error) {
	level := strings.ToLower(uri.Param("level", "info"))
	switch level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return nil, &errspkg.Error{Kind: errspkg.ErrInvalidURI, Endpoint: uri.Raw, Component: ComponentName,
			Err: fmt.Errorf("unknown level %q", level)}
	}
	showHeaders, err := uri.BoolParam("showHeaders", false)
	if err != nil {
		return nil, err
	}
	showBody, err := uri.BoolParam("showBody", true)
	if err != nil {
		return nil, err
	}
	category := uri.Path
	if category == "" {
		category = "routeflow"
	}
	return &Endpoint{
		BaseEndpoint: component.NewBaseEndpoint(uri, component.LogCapabilities, lifecycle.Hooks{}),
		logger:       c.logger.With(watermill.LogFields{"category": category}),
		level:        level,
		showHeaders:  showHeaders,
		showBody:     showBody,
	}, nil
}

// Endpoint is a log:category address.
type Endpoint struct {
	*component.BaseEndpoint
	component.ProducerOnly

	logger      watermill.LoggerAdapter
	level       string
	showHeaders bool
	showBody    bool
}

func (e *Endpoint) CreateProducer() (component.Producer, error) {
	return &Producer{BaseProducer: component.NewBaseProducer(e, lifecycle.Hooks{}), endpoint: e}, nil
}

// Producer writes one log line per exchange.
type Producer struct {
	*component.BaseProducer

	endpoint *Endpoint
}

func (p *Producer) Process(_ context.Context, ex *exchange.Exchange) error {
	e := p.endpoint
	fields := watermill.LogFields{
		"exchange_id": ex.ID,
		"from":        ex.FromEndpoint.Key,
	}
	if ex.FromRouteID != "" {
		fields["route"] = ex.FromRouteID
	}
	msg := ex.Result()
	if e.showBody {
		body, err := msg.BodyBytes()
		if err != nil {
			return fmt.Errorf("log: encode body: %w", err)
		}
		fields["body"] = string(body)
	}
	if e.showHeaders && len(msg.Headers) > 0 {
		fields["headers"] = map[string]string(msg.Headers.Clone())
	}

	switch e.level {
	case "trace":
		e.logger.Trace("Exchange", fields)
	case "debug":
		e.logger.Debug("Exchange", fields)
	case "warn":
		fields["severity"] = "warn"
		e.logger.Info("Exchange", fields)
	case "error":
		e.logger.Error("Exchange", ex.Err, fields)
	default:
		e.logger.Info("Exchange", fields)
	}
	return nil
}
