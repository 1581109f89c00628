// Package rabbitmq provides the RabbitMQ/AMQP broker for uservice.
//
// All entrypoints of a service share one connection. Every binding gets its
// own watermill-amqp subscriber whose topology is fixed to the binding's
// exchange and queue; the watermill topic carries the routing key.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/uservice/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
	transport.RegisterWithCapabilities("amqp", Build, transport.RabbitMQCapabilities)
}

// Build connects to the broker named by cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	url := cfg.GetAMQPURL()
	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: connect: %w", err)
	}
	return NewBroker(url, conn, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Broker implements transport.Broker over one shared AMQP connection.
type Broker struct {
	url    string
	conn   *amqp.ConnectionWrapper
	logger watermill.LoggerAdapter

	mu         sync.Mutex
	publishers map[string]message.Publisher
	closed     bool
}

// NewBroker wraps an established connection.
func NewBroker(url string, conn *amqp.ConnectionWrapper, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		url:        url,
		conn:       conn,
		logger:     logger,
		publishers: make(map[string]message.Publisher),
	}
}

// SubscriberConfig returns the watermill-amqp configuration consuming the
// binding's queue. The watermill topic is used as the binding routing key.
func SubscriberConfig(url string, b transport.Binding) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, func(string) string { return b.Queue })
	cfg.Marshaler = Marshaler{}
	cfg.Exchange = exchangeConfig(b.Exchange)
	cfg.Queue.Durable = b.Durable
	cfg.Queue.AutoDelete = b.AutoDelete
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Consume.Qos.PrefetchCount = 1
	cfg.Consume.NoRequeueOnNack = false
	return cfg
}

// PublisherConfig returns the watermill-amqp configuration publishing to
// exchange. The watermill topic is used as the routing key.
func PublisherConfig(url, exchange string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, nil)
	cfg.Marshaler = Marshaler{}
	cfg.Exchange = exchangeConfig(exchange)
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	return cfg
}

func exchangeConfig(name string) amqp.ExchangeConfig {
	return amqp.ExchangeConfig{
		GenerateName: func(string) string { return name },
		Type:         transport.ExchangeKind,
		Durable:      true,
	}
}

// Declare declares the exchange, the queue and one binding per routing key.
func (b *Broker) Declare(ctx context.Context, bind transport.Binding) error {
	if err := bind.Validate(); err != nil {
		return err
	}
	sub, err := SubscriberFactory(SubscriberConfig(b.url, bind), b.logger, b.conn)
	if err != nil {
		return fmt.Errorf("rabbitmq: declare %s: %w", bind.Queue, err)
	}
	defer sub.Close()
	return initialize(ctx, sub, bind)
}

func initialize(ctx context.Context, sub message.Subscriber, bind transport.Binding) error {
	initializer, ok := sub.(message.SubscribeInitializer)
	if !ok {
		return nil
	}
	for _, key := range bind.RoutingKeys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := initializer.SubscribeInitialize(key); err != nil {
			return fmt.Errorf("rabbitmq: bind %s to %s with %q: %w", bind.Queue, bind.Exchange, key, err)
		}
	}
	return nil
}

// Subscriber returns a consumer of the binding's queue.
func (b *Broker) Subscriber(bind transport.Binding) (message.Subscriber, error) {
	if err := bind.Validate(); err != nil {
		return nil, err
	}
	sub, err := SubscriberFactory(SubscriberConfig(b.url, bind), b.logger, b.conn)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: subscriber %s: %w", bind.Queue, err)
	}
	return &bindingSubscriber{inner: sub, binding: bind}, nil
}

// Publisher returns the shared publisher of exchange. Closing the returned
// publisher is a no-op; publishers are closed with the broker.
func (b *Broker) Publisher(exchange string) (message.Publisher, error) {
	if exchange == "" {
		return nil, fmt.Errorf("rabbitmq: exchange is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("rabbitmq: broker is closed")
	}
	if pub, ok := b.publishers[exchange]; ok {
		return sharedPublisher{pub}, nil
	}
	pub, err := PublisherFactory(PublisherConfig(b.url, exchange), b.logger, b.conn)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: publisher %s: %w", exchange, err)
	}
	b.publishers[exchange] = pub
	return sharedPublisher{pub}, nil
}

// DeleteQueue deletes queue on a short-lived channel. A queue that is
// already gone is not an error.
func (b *Broker) DeleteQueue(ctx context.Context, queue string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn == nil || !b.conn.IsConnected() {
		return fmt.Errorf("rabbitmq: delete %s: not connected", queue)
	}
	ch, err := b.conn.Connection().Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: delete %s: open channel: %w", queue, err)
	}
	defer ch.Close()
	if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
		var amqpErr *amqp091.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound {
			return nil
		}
		return fmt.Errorf("rabbitmq: delete %s: %w", queue, err)
	}
	return nil
}

func (b *Broker) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

func (b *Broker) Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Close closes every publisher and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	publishers := b.publishers
	b.publishers = nil
	b.mu.Unlock()

	for exchange, pub := range publishers {
		if err := pub.Close(); err != nil {
			b.logger.Error("Closing publisher failed", err, watermill.LogFields{"exchange": exchange})
		}
	}
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// bindingSubscriber pins Subscribe to the binding's queue and routing keys.
type bindingSubscriber struct {
	inner   message.Subscriber
	binding transport.Binding
}

func (s *bindingSubscriber) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	if len(s.binding.RoutingKeys) > 1 {
		if err := initialize(ctx, s.inner, transport.Binding{
			Exchange:    s.binding.Exchange,
			Queue:       s.binding.Queue,
			RoutingKeys: s.binding.RoutingKeys[1:],
		}); err != nil {
			return nil, err
		}
	}
	return s.inner.Subscribe(ctx, s.binding.RoutingKeys[0])
}

func (s *bindingSubscriber) Close() error {
	return s.inner.Close()
}

type sharedPublisher struct {
	message.Publisher
}

func (sharedPublisher) Close() error { return nil }
