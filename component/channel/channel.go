// Package channel provides an in-memory Watermill GoChannel component. It is
// useful for tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/routeflow/component"
)

// ComponentName is the URI scheme.
const ComponentName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.ChannelCapabilities)
}

// Build creates a channel component backed by a single GoChannel.
func Build(_ context.Context, _ component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	pub, sub := Factory(gochannel.Config{BlockPublishUntilSubscriberAck: false}, logger)
	return component.NewPubSub(ComponentName, component.ChannelCapabilities, pub, sub, logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.ChannelCapabilities
}
