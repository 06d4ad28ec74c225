package processor

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/ids"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/metadata"
)

// Interceptor decorates a processor.
type Interceptor func(next Processor) Processor

// Chain applies interceptors so the first one is the outermost.
func Chain(p Processor, interceptors ...Interceptor) Processor {
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] != nil {
			p = interceptors[i](p)
		}
	}
	return p
}

// CorrelationID stamps a correlation id header on exchanges that lack one.
func CorrelationID() Interceptor {
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, ex *exchange.Exchange) error {
			if ex.In.Header(metadata.KeyCorrelationID) == "" {
				ex.In.SetHeader(metadata.KeyCorrelationID, ids.New(ids.Correlation))
			}
			return next.Process(ctx, ex)
		})
	}
}

// LogExchanges logs every exchange body and headers at debug level.
func LogExchanges(logger logging.ServiceLogger) Interceptor {
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, ex *exchange.Exchange) error {
			body, _ := ex.In.BodyBytes()
			logger.Debug("Processing exchange", logging.LogFields{
				"exchange_id": ex.ID,
				"route":       ex.FromRouteID,
				"body":        string(body),
				"headers":     ex.In.Headers,
			})
			return next.Process(ctx, ex)
		})
	}
}

// Recoverer turns a panic in next into an exchange error.
func Recoverer() Interceptor {
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, ex *exchange.Exchange) error {
			_, err := middleware.Recoverer(handlerFor(ctx, ex, next))(carrier(ctx, ex))
			if err != nil && ex.Err == nil {
				ex.Err = err
			}
			return err
		})
	}
}

// RetryConfig tunes the Retry interceptor. Zero values fall back to defaults.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RetryIf         func(error) bool
	Logger          watermill.LoggerAdapter
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = watermill.NopLogger{}
	}
	return cfg
}

// Retry redelivers the exchange to next with exponential backoff. The
// exchange error is cleared before each attempt. Cancelling ctx ends the
// backoff early.
func Retry(cfg RetryConfig) Interceptor {
	normalized := cfg.withDefaults()
	retry := middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Multiplier:      normalized.Multiplier,
		Logger:          normalized.Logger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
	}
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, ex *exchange.Exchange) error {
			attempt := func(msg *message.Message) ([]*message.Message, error) {
				ex.Err = nil
				return handlerFor(ctx, ex, next)(msg)
			}
			_, err := retry.Middleware(attempt)(carrier(ctx, ex))
			if err != nil && ex.Err == nil {
				ex.Err = err
			}
			return err
		})
	}
}

// carrier builds the Watermill message the middleware operate on. Only its
// context matters; the exchange travels through the closure.
func carrier(ctx context.Context, ex *exchange.Exchange) *message.Message {
	msg := message.NewMessage(ex.ID, nil)
	msg.SetContext(ctx)
	return msg
}

func handlerFor(ctx context.Context, ex *exchange.Exchange, next Processor) message.HandlerFunc {
	return func(*message.Message) ([]*message.Message, error) {
		if err := next.Process(ctx, ex); err != nil {
			return nil, err
		}
		if ex.Failed() {
			return nil, ex.Err
		}
		return nil, nil
	}
}
