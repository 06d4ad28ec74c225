package components

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/routeflow/component"
)

func TestAllComponentsRegistered(t *testing.T) {
	names := component.DefaultRegistry.Names()
	for _, want := range []string{
		"aws", "channel", "direct", "http", "io", "kafka", "log",
		"nats", "nats-jetstream", "rabbitmq", "seda", "timer",
	} {
		assert.Contains(t, names, want)
	}
}
