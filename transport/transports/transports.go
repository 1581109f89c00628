// Package transports imports all built-in brokers for auto-registration.
// Import this package to have every broker registered with the default registry.
package transports

import (
	"github.com/drblury/uservice/transport/memory"
	"github.com/drblury/uservice/transport/rabbitmq"
)

// RegisterAll registers the built-in brokers again. Tests that replace
// transport.DefaultRegistry call it to restore them.
func RegisterAll() {
	rabbitmq.Register()
	memory.Register()
}
