// Package memory provides an in-process topic broker for uservice. It follows
// AMQP topic exchange semantics closely enough to run services and their
// tests without a RabbitMQ server.
package memory

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/uservice/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// AliasName is accepted as a synonym of TransportName.
const AliasName = "channel"

// DefaultRedeliveryDelay is how long a nacked message waits before it is
// queued again.
const DefaultRedeliveryDelay = 10 * time.Millisecond

// Config tunes the in-process broker.
type Config struct {
	// RedeliveryDelay delays requeueing of nacked messages. Zero requeues
	// immediately.
	RedeliveryDelay time.Duration
}

// Factory allows overriding the broker creation for testing.
var Factory = func(cfg Config, logger watermill.LoggerAdapter) transport.Broker {
	return New(cfg, logger)
}

func init() {
	Register()
}

// Register registers the memory transport and its alias with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
	transport.RegisterWithCapabilities(AliasName, Build, transport.MemoryCapabilities)
}

// Build creates a new in-process broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	return Factory(Config{RedeliveryDelay: DefaultRedeliveryDelay}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}
