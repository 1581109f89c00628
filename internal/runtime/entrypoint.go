package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
	metadatapkg "github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/transport"
)

// Role tells event entrypoints from RPC entrypoints.
type Role string

const (
	RoleEvent Role = "event"
	RoleRPC   Role = "rpc"
)

// EntrypointState is the lifecycle position of an entrypoint. States only
// move forward: registered, declared, consuming, stopped.
type EntrypointState int32

const (
	StateRegistered EntrypointState = iota
	StateDeclared
	StateConsuming
	StateStopped
)

func (s EntrypointState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateDeclared:
		return "declared"
	case StateConsuming:
		return "consuming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// dispatchFunc handles one delivery. The returned error decides the
// settlement, see settles.
type dispatchFunc func(msg *message.Message) error

// repliedError marks a failure the caller was already answered for.
type repliedError struct {
	err error
}

func (e *repliedError) Error() string { return e.err.Error() }
func (e *repliedError) Unwrap() error { return e.err }

// settles reports whether a delivery that ended with err is acknowledged.
// Everything else is negatively acknowledged and redelivered.
func settles(err error) bool {
	if err == nil || uerrors.IsTerminal(err) {
		return true
	}
	var replied *repliedError
	return errors.As(err, &replied)
}

type entrypointConfig struct {
	name    string
	role    Role
	binding transport.Binding
	broker  transport.Broker
	// router runs the entrypoint's handler. It must be running before Start.
	router    *message.Router
	consumers int
	logger    loggingpkg.ServiceLogger
	hooks     DispatchHooks
	metrics   *DispatchMetrics
	dispatch  dispatchFunc
}

// Entrypoint consumes one queue through a handler of the service router.
type Entrypoint struct {
	name        string
	role        Role
	binding     transport.Binding
	broker      transport.Broker
	router      *message.Router
	consumers   int
	logger      loggingpkg.ServiceLogger
	hooks       DispatchHooks
	metrics     *DispatchMetrics
	stats       *EntrypointStats
	dispatch    dispatchFunc
	middlewares []message.HandlerMiddleware

	mu      sync.Mutex // serialises lifecycle transitions
	state   atomic.Int32
	handler *message.Handler
	pool    *subscriberPool

	gate     sync.Mutex
	stopping bool
	inflight sync.WaitGroup
}

func newEntrypoint(cfg entrypointConfig) *Entrypoint {
	if cfg.consumers <= 0 {
		cfg.consumers = 1
	}
	if cfg.logger == nil {
		cfg.logger = loggingpkg.Nop()
	}
	return &Entrypoint{
		name:      cfg.name,
		role:      cfg.role,
		binding:   cfg.binding,
		broker:    cfg.broker,
		router:    cfg.router,
		consumers: cfg.consumers,
		hooks:     cfg.hooks,
		metrics:   cfg.metrics,
		stats:     newEntrypointStats(),
		dispatch:  cfg.dispatch,
		logger: cfg.logger.With(loggingpkg.LogFields{
			"entrypoint": cfg.name,
			"role":       string(cfg.role),
			"queue":      cfg.binding.Queue,
		}),
	}
}

// use sets the middlewares wrapping every dispatch, the first one being the
// outermost. It has no effect once the entrypoint is declared.
func (e *Entrypoint) use(middlewares []message.HandlerMiddleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateRegistered {
		return
	}
	e.middlewares = append([]message.HandlerMiddleware(nil), middlewares...)
}

func (e *Entrypoint) Name() string               { return e.name }
func (e *Entrypoint) Role() Role                 { return e.role }
func (e *Entrypoint) Queue() string              { return e.binding.Queue }
func (e *Entrypoint) Binding() transport.Binding { return e.binding }
func (e *Entrypoint) State() EntrypointState     { return EntrypointState(e.state.Load()) }
func (e *Entrypoint) Stats() *EntrypointStats    { return e.stats }

// Setup declares the entrypoint's exchange, queue and bindings.
func (e *Entrypoint) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateDeclared, StateConsuming:
		return nil
	case StateStopped:
		return uerrors.ErrEntrypointStopped
	}
	if err := e.broker.Declare(ctx, e.binding); err != nil {
		return fmt.Errorf("declare entrypoint %s: %w", e.name, err)
	}
	e.state.Store(int32(StateDeclared))
	e.logger.Debug("Entrypoint declared", loggingpkg.LogFields{
		"exchange":     e.binding.Exchange,
		"routing_keys": e.binding.RoutingKeys,
	})
	return nil
}

// Start adds the entrypoint's handler to the running router. Up to the
// configured number of consumers hold a delivery at the same time. Handler
// invocations do not inherit ctx's cancellation; use Stop to end
// consumption.
func (e *Entrypoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateRegistered:
		return uerrors.ErrNotDeclared
	case StateConsuming:
		return nil
	case StateStopped:
		return uerrors.ErrEntrypointStopped
	}
	if e.router == nil || !e.router.IsRunning() || e.router.IsClosed() {
		return fmt.Errorf("entrypoint %s: %w", e.name, uerrors.ErrRouterNotRunning)
	}

	sub, err := e.broker.Subscriber(e.binding)
	if err != nil {
		return fmt.Errorf("entrypoint %s: subscriber: %w", e.name, err)
	}
	pool := newSubscriberPool(sub, e.consumers)

	handler := e.router.AddConsumerHandler(e.binding.Queue, e.binding.Queue, pool, message.NoPublishHandlerFunc(e.dispatch))
	handler.AddMiddleware(e.track)
	handler.AddMiddleware(e.middlewares...)
	if err := e.router.RunHandlers(context.WithoutCancel(ctx)); err != nil {
		_ = pool.Close()
		return fmt.Errorf("entrypoint %s: consume: %w", e.name, err)
	}

	e.handler, e.pool = handler, pool
	e.state.Store(int32(StateConsuming))
	e.logger.Info("Entrypoint consuming", loggingpkg.LogFields{"consumers": e.consumers})
	return nil
}

// admit registers an in-flight dispatch unless the entrypoint is stopping.
func (e *Entrypoint) admit() bool {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.stopping {
		return false
	}
	e.inflight.Add(1)
	return true
}

// track is the outermost middleware of the entrypoint's handler. It turns
// away deliveries once Stop began, feeds hooks, stats and metrics, and maps
// failures that must not be redelivered to an acknowledgement.
func (e *Entrypoint) track(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if !e.admit() {
			e.stats.rejected()
			e.metrics.rejected(e.name, e.role)
			e.logger.Trace("Delivery rejected, entrypoint is stopping", loggingpkg.LogFields{"message_uuid": msg.UUID})
			// the router nacks without logging canceled deliveries
			return nil, fmt.Errorf("entrypoint %s is stopping: %w", e.name, context.Canceled)
		}
		defer e.inflight.Done()

		ctx := withEntrypoint(context.WithoutCancel(msg.Context()), e.name)
		msg.SetContext(ctx)

		info := DispatchInfo{
			Entrypoint:    e.name,
			Role:          e.role,
			Queue:         e.binding.Queue,
			RoutingKey:    msg.Metadata.Get(metadatapkg.KeyRoutingKey),
			MessageUUID:   msg.UUID,
			CorrelationID: msg.Metadata.Get(metadatapkg.KeyCorrelationID),
			Metadata:      msg.Metadata,
			Context:       ctx,
			StartedAt:     time.Now(),
		}
		e.hooks.start(info)
		e.stats.begin()
		e.metrics.started(e.name, e.role)

		_, err := h(msg)

		info.CorrelationID = msg.Metadata.Get(metadatapkg.KeyCorrelationID)
		info.Duration = time.Since(info.StartedAt)
		info.Acked = settles(err)

		outcome := OutcomeNacked
		if info.Acked {
			outcome = OutcomeAcked
		}
		e.stats.finish(info.Duration, err, info.Acked)
		e.metrics.finished(e.name, e.role, outcome, uerrors.Kind(err), info.Duration)
		if err != nil {
			e.logger.Error("Dispatch failed", err, loggingpkg.LogFields{
				"routing_key":  info.RoutingKey,
				"message_uuid": msg.UUID,
				"kind":         uerrors.Kind(err),
				"acked":        info.Acked,
			})
		}
		e.hooks.finish(info, err)

		if info.Acked {
			return nil, nil
		}
		return nil, err
	}
}

// Stop stops accepting deliveries, waits for in-flight dispatches until ctx
// is done, then stops the router handler and closes the subscriber.
// Deliveries that arrive meanwhile are negatively acknowledged without
// dispatch.
func (e *Entrypoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.State()
	if prev == StateStopped {
		return nil
	}
	e.gate.Lock()
	e.stopping = true
	e.gate.Unlock()
	e.state.Store(int32(StateStopped))
	if prev != StateConsuming {
		return nil
	}

	var waitErr error
	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = fmt.Errorf("entrypoint %s: waiting for in-flight dispatches: %w", e.name, ctx.Err())
	}

	e.handler.Stop()
	if waitErr == nil {
		select {
		case <-e.handler.Stopped():
		case <-ctx.Done():
			waitErr = fmt.Errorf("entrypoint %s: waiting for the handler to stop: %w", e.name, ctx.Err())
		}
	}
	closeErr := e.pool.Close()
	e.logger.Info("Entrypoint stopped", nil)
	return errors.Join(waitErr, closeErr)
}

// EntrypointInfo is the introspection view of an entrypoint.
type EntrypointInfo struct {
	Name        string           `json:"name"`
	Role        Role             `json:"role"`
	Exchange    string           `json:"exchange"`
	RoutingKeys []string         `json:"routing_keys"`
	Queue       string           `json:"queue"`
	State       string           `json:"state"`
	Consumers   int              `json:"consumers"`
	Stats       *EntrypointStats `json:"stats"`
}

// Info returns the introspection view of the entrypoint.
func (e *Entrypoint) Info() EntrypointInfo {
	return EntrypointInfo{
		Name:        e.name,
		Role:        e.role,
		Exchange:    e.binding.Exchange,
		RoutingKeys: append([]string(nil), e.binding.RoutingKeys...),
		Queue:       e.binding.Queue,
		State:       e.State().String(),
		Consumers:   e.consumers,
		Stats:       e.stats,
	}
}
