// Package topology derives the broker names used by event and RPC
// entrypoints. The names are part of the wire contract between services and
// must not change.
package topology

import (
	"fmt"
	"strings"

	"github.com/drblury/uservice/transport"
)

const (
	eventQueuePrefix = "uservice"
	rpcQueuePrefix   = "rpc"
	replyQueuePrefix = "rpc-reply"
)

// EventQueue returns the durable queue consumed by an event handler.
func EventQueue(exchange, routingKey, handler string) string {
	return fmt.Sprintf("%s-%s-%s-%s", eventQueuePrefix, exchange, routingKey, handler)
}

// RPCQueue returns the queue consumed by a service's RPC entrypoint.
func RPCQueue(service string) string {
	return rpcQueuePrefix + "-" + service
}

// RPCRoutingKey returns the routing key addressing one RPC method.
func RPCRoutingKey(service, method string) string {
	return service + "." + method
}

// ReplyQueue returns the auto-deleted queue a caller listens on for one reply.
func ReplyQueue(caller, replyKey string) string {
	return fmt.Sprintf("%s-%s-%s", replyQueuePrefix, caller, replyKey)
}

// ParseRPCRoutingKey splits "{service}.{method}". The method is the part
// after the last dot, so service names may contain dots.
func ParseRPCRoutingKey(key string) (service, method string, ok bool) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// EventBinding declares an event handler's queue on the event exchange.
func EventBinding(exchange, routingKey, handler string) transport.Binding {
	return transport.Binding{
		Exchange:    exchange,
		Queue:       EventQueue(exchange, routingKey, handler),
		RoutingKeys: []string{routingKey},
		Durable:     true,
	}
}

// RPCBinding declares the service's RPC queue bound once per method.
func RPCBinding(rpcExchange, service string, methods ...string) transport.Binding {
	keys := make([]string, 0, len(methods))
	for _, m := range methods {
		keys = append(keys, RPCRoutingKey(service, m))
	}
	return transport.Binding{
		Exchange:    rpcExchange,
		Queue:       RPCQueue(service),
		RoutingKeys: keys,
		Durable:     true,
	}
}

// ReplyBinding declares the reply queue for one outstanding call.
func ReplyBinding(rpcExchange, caller, replyKey string) transport.Binding {
	return transport.Binding{
		Exchange:    rpcExchange,
		Queue:       ReplyQueue(caller, replyKey),
		RoutingKeys: []string{replyKey},
		AutoDelete:  true,
	}
}
