package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"ack and nack", Capabilities{SupportsAck: true, SupportsNack: true}, true},
		{"ack only", Capabilities{SupportsAck: true}, false},
		{"nack only", Capabilities{SupportsNack: true}, false},
		{"neither", Capabilities{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	assert.Equal(t, "rabbitmq", RabbitMQCapabilities.Name)
	assert.True(t, RabbitMQCapabilities.SupportsTopicRouting)
	assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())
	assert.True(t, RabbitMQCapabilities.SupportsQueueDeletion)

	assert.Equal(t, "memory", MemoryCapabilities.Name)
	assert.True(t, MemoryCapabilities.SupportsQueueDeletion)
	assert.False(t, MemoryCapabilities.Persistent)
}

func TestCapabilitiesOf(t *testing.T) {
	original := DefaultRegistry
	defer func() { DefaultRegistry = original }()
	DefaultRegistry = NewRegistry()
	DefaultRegistry.RegisterWithCapabilities("memory", nil, MemoryCapabilities)

	assert.Equal(t, "custom", CapabilitiesOf(&reportingBroker{}, "memory").Name)
	assert.Equal(t, MemoryCapabilities, CapabilitiesOf(&mockBroker{}, "memory"))
	assert.Equal(t, "unknown", CapabilitiesOf(&mockBroker{}, "unknown").Name)
}
