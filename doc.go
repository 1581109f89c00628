// Package uservice is a small microservice runtime on top of Watermill and
// RabbitMQ. A service consumes events published by other services and serves
// RPC methods over a shared topic exchange, reading the broker settings from
// Config.
//
// Service hosts the entrypoints: RegisterEventHandler binds one durable queue
// per handler, RegisterRPCHandler adds a method to the service's RPC queue,
// and Service.Call or RPCProxy reach the methods of other services. Handlers
// declare the values they need in Params: context values such as "payload",
// "connection", "context" and "metadata", RPC keyword arguments, and
// dependencies produced by providers. Providers that hold a resource for the
// duration of one invocation, like EventPublisher, are released once the
// handler returns.
//
// A minimal setup therefore involves filling Config, creating a Service,
// registering handlers, and calling Run or RunUntilSignal.
//
// # Transports
//
//   - rabbitmq: AMQP topic exchanges and durable queues
//   - memory: in-process broker with the same routing semantics, for tests
//     and local runs ("channel" is an alias)
//
// # Delivery semantics
//
// A delivery is acknowledged when its handler succeeds, and also when it can
// never succeed: malformed JSON, a payload that does not match its Shape, or
// a missing context value. Handler failures are negatively acknowledged and
// redelivered, unless Config.RPCErrorReplies turns them into error replies
// for RPC callers.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured
// logging, OpenTelemetry tracing, retry with exponential backoff and panic
// recovery. Custom middleware can be added via ServiceDependencies.Middlewares
// or Service.RegisterMiddleware before the service starts.
//
// # Dispatch Hooks
//
// DispatchHooks provides OnStart, OnDone and OnError callbacks for custom
// logging, metrics collection, and alerting around every dispatch.
package uservice
