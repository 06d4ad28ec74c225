// Package kafka provides a Kafka component. The URI path is the topic:
// kafka:orders.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/routeflow/component"
)

// ComponentName is the URI scheme.
const ComponentName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the kafka component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.KafkaCapabilities)
}

// Build creates a Kafka component from the configured brokers and consumer
// group.
func Build(_ context.Context, cfg component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: cfg.GetKafkaConsumerGroup(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return component.NewPubSub(ComponentName, component.KafkaCapabilities, publisher, subscriber, logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.KafkaCapabilities
}
