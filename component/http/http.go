// Package http provides an HTTP component. Producers POST the exchange body
// to the configured publisher URL plus the endpoint path; consumers receive
// POST requests on the configured server address.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/routeflow/component"
)

// ComponentName is the URI scheme.
const ComponentName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the http component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.HTTPCapabilities)
}

// Build creates the HTTP publisher and a subscriber that starts its server
// after the first route subscribes.
func Build(_ context.Context, cfg component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	var subscriber message.Subscriber
	if serverAddr != "" {
		inner, err := SubscriberFactory(
			serverAddr,
			http.SubscriberConfig{
				UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
			},
			logger,
		)
		if err != nil {
			_ = publisher.Close()
			return nil, err
		}
		subscriber = &lazyServer{Subscriber: inner, logger: logger}
	}

	return component.NewPubSub(ComponentName, component.HTTPCapabilities, publisher, subscriber, logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.HTTPCapabilities
}

type server interface {
	StartHTTPServer() error
}

// lazyServer starts the subscriber's HTTP server once, after the handler for
// the first topic has been registered.
type lazyServer struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (l *lazyServer) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := l.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if s, ok := l.Subscriber.(server); ok {
		l.once.Do(func() {
			go func() {
				if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					l.logger.Error("Failed to start HTTP subscriber server", err, nil)
				}
			}()
		})
	}
	return ch, nil
}
