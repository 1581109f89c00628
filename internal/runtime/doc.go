/*
Package runtime hosts the entrypoints of one uservice microservice.

# Architecture Overview

A Service owns one broker connection and a set of entrypoints. Each event
handler is an entrypoint with its own durable queue; all RPC methods of the
service share one RPC entrypoint, demultiplexed by routing key. Handlers
declare their call-time parameters up front (see package resolve) and the
runtime builds the invocation context for every delivery.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - The broker built from Config.Transport
  - Event and RPC entrypoints
  - The middleware chain
  - The RPC client used for outgoing calls
  - The introspection HTTP server

## Entrypoints (entrypoint.go, event.go, rpc_server.go)

An entrypoint moves through registered, declared, consuming and stopped.
Deliveries are acknowledged when the handler succeeds or when the failure
cannot be fixed by redelivery (malformed payloads, validation failures,
missing context values). Anything else is negatively acknowledged.

## Middleware (middleware.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry distributed tracing
  - Retry: Exponential backoff retry logic
  - Recoverer: Panic recovery

## Stats & Monitoring (stats.go, dispatch_metrics.go, resources.go, introspect.go)

  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling
  - /healthz, /entrypoints and /metrics

## Scoped dependencies (providers.go)

EventPublisher and RPCProxy are providers that hold a broker resource for
one invocation.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID and UUID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - resolve/: Dependency resolution
  - rpc/: RPC client, correlation and wire format
  - topology/: Exchange, queue and routing key naming
  - validation/: Payload shapes

# Usage Example

	svc := uservice.NewService(&uservice.Config{ServiceName: "math"}, nil, ctx, uservice.ServiceDependencies{})

	err := svc.RegisterRPCHandler(uservice.RPCHandlerRegistration{
		Method: "multiply",
		Params: uservice.Params{Required: []string{"x", "y"}},
		Handler: func(ctx context.Context, args uservice.Args) (any, error) {
			x, y := uservice.MustAs[int](args, "x"), uservice.MustAs[int](args, "y")
			return x * y, nil
		},
	})

	err = svc.RunUntilSignal(ctx)
*/
package runtime
