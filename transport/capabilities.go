package transport

// Capabilities describes the features supported by a broker backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsAck indicates the broker supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the broker redelivers negatively acknowledged messages.
	SupportsNack bool

	// SupportsTopicRouting indicates AMQP topic semantics ('*' and '#' wildcards).
	SupportsTopicRouting bool

	// SupportsQueueDeletion indicates the broker implements QueueDeleter.
	SupportsQueueDeletion bool

	// Persistent indicates durable queues survive a broker restart.
	Persistent bool

	// SupportsTracing indicates the broker propagates metadata headers natively.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	// RabbitMQCapabilities for the RabbitMQ/AMQP broker.
	RabbitMQCapabilities = Capabilities{
		Name:                  "rabbitmq",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTopicRouting:  true,
		SupportsQueueDeletion: true,
		Persistent:            true,
		SupportsTracing:       true,
		MaxMessageSize:        134217728, // 128MB server default
	}

	// MemoryCapabilities for the in-process broker.
	MemoryCapabilities = Capabilities{
		Name:                  "memory",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTopicRouting:  true,
		SupportsQueueDeletion: true,
		SupportsTracing:       true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports yield a Capabilities value carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}

// CapabilitiesOf returns the broker's own capabilities when it reports them,
// falling back to the registry entry for name.
func CapabilitiesOf(b Broker, name string) Capabilities {
	if p, ok := b.(CapabilitiesProvider); ok {
		return p.Capabilities()
	}
	return GetCapabilities(name)
}
