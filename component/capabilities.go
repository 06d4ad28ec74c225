package component

// Capabilities describes what a component's endpoints support.
type Capabilities struct {
	// Name is the URI scheme.
	Name string

	// Synchronous endpoints process the exchange on the caller's goroutine.
	Synchronous bool

	// SupportsMultipleConsumers allows several routes to consume the same
	// endpoint. When false the engine rejects a second consuming route.
	SupportsMultipleConsumers bool

	// SupportsSuspension indicates consumers can pause without disconnecting.
	SupportsSuspension bool

	// SupportsOrdering indicates delivery order is preserved per endpoint.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true for at-least-once transports.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets.
var (
	DirectCapabilities = Capabilities{
		Name:             "direct",
		Synchronous:      true,
		SupportsOrdering: true,
	}

	// Seda endpoints become shareable with ?multipleConsumers=true.
	SedaCapabilities = Capabilities{
		Name:               "seda",
		SupportsSuspension: true,
		SupportsOrdering:   true,
	}

	TimerCapabilities = Capabilities{
		Name:               "timer",
		SupportsSuspension: true,
		SupportsOrdering:   true,
	}

	LogCapabilities = Capabilities{
		Name:        "log",
		Synchronous: true,
	}

	ChannelCapabilities = Capabilities{
		Name:                      "channel",
		SupportsMultipleConsumers: true,
		SupportsSuspension:        true,
		SupportsOrdering:          true,
		SupportsAck:               true,
		SupportsNack:              true,
	}

	KafkaCapabilities = Capabilities{
		Name:                      "kafka",
		SupportsMultipleConsumers: true,
		SupportsSuspension:        true,
		SupportsOrdering:          true,
		SupportsTracing:           true,
		SupportsAck:               true,
		MaxMessageSize:            1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:                      "rabbitmq",
		SupportsMultipleConsumers: true,
		SupportsSuspension:        true,
		SupportsOrdering:          true,
		SupportsTracing:           true,
		SupportsAck:               true,
		SupportsNack:              true,
	}

	NATSCapabilities = Capabilities{
		Name:                      "nats",
		SupportsMultipleConsumers: true,
		SupportsSuspension:        true,
		SupportsTracing:           true,
		MaxMessageSize:            1048576, // Default 1MB
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:               "nats-jetstream",
		SupportsSuspension: true,
		SupportsOrdering:   true,
		SupportsTracing:    true,
		SupportsAck:        true,
		SupportsNack:       true,
		MaxMessageSize:     1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:                      "aws",
		SupportsMultipleConsumers: true,
		SupportsSuspension:        true,
		SupportsOrdering:          true,
		SupportsTracing:           true,
		SupportsAck:               true,
		SupportsNack:              true,
		MaxMessageSize:            262144, // 256KB
	}

	// HTTP binds one server address; a second consuming route would collide.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:               "io",
		SupportsSuspension: true,
		SupportsOrdering:   true,
	}
)
