// Package transport defines the broker boundary used by uservice. Each broker
// implementation (rabbitmq, memory) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ExchangeKind is the only exchange type the runtime declares.
const ExchangeKind = "topic"

// Binding describes a topic exchange, a queue and the routing keys binding
// them.
type Binding struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
	// Durable queues survive a broker restart. Exchanges are always durable.
	Durable bool
	// AutoDelete queues are removed once their last consumer is cancelled.
	AutoDelete bool
}

// Validate reports a binding that cannot be declared.
func (b Binding) Validate() error {
	var errs []error
	if b.Exchange == "" {
		errs = append(errs, errors.New("binding: exchange is required"))
	}
	if b.Queue == "" {
		errs = append(errs, errors.New("binding: queue is required"))
	}
	if len(b.RoutingKeys) == 0 {
		errs = append(errs, errors.New("binding: at least one routing key is required"))
	}
	return errors.Join(errs...)
}

// Broker is the connection shared by every entrypoint of one service.
type Broker interface {
	// Declare creates the exchange, the queue and the routing key bindings.
	// Declaring the same binding twice is a no-op.
	Declare(ctx context.Context, b Binding) error
	// Subscriber returns a consumer for the binding's queue. The topic passed
	// to Subscribe is ignored; the queue is fixed by the binding. Each
	// Subscribe call is one competing consumer.
	Subscriber(b Binding) (message.Subscriber, error)
	// Publisher returns a publisher for exchange. The Publish topic is the
	// routing key.
	Publisher(exchange string) (message.Publisher, error)
	Close() error
}

// Builder is the function signature for creating a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the configuration values needed by brokers without
// depending on the full config package.
type Config interface {
	GetTransport() string
	GetAMQPURL() string
	GetRPCExchange() string
}

// QueueDeleter is implemented by brokers that can delete a queue on demand.
type QueueDeleter interface {
	DeleteQueue(ctx context.Context, queue string) error
}

// HealthChecker is implemented by brokers that can report connection health.
type HealthChecker interface {
	IsConnected() bool
}

// CapabilitiesProvider is implemented by brokers that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
