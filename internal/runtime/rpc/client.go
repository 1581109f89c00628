// Package rpc implements the caller side of request/reply over the broker:
// every call gets a fresh correlation id and its own auto-deleted reply
// queue, and settles with the first reply carrying its correlation id.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/ids"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	"github.com/drblury/uservice/internal/runtime/logging"
	"github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/internal/runtime/topology"
	"github.com/drblury/uservice/transport"
)

// DefaultExchange is the RPC exchange used when ClientConfig.Exchange is empty.
const DefaultExchange = "uservice-rpc"

// ClientConfig configures a Client.
type ClientConfig struct {
	// Caller is the calling service's name; it is part of every reply queue name.
	Caller string
	// Exchange is the topic exchange carrying requests and replies.
	Exchange string
	// Timeout bounds each call. Zero waits until the call's context is done.
	Timeout time.Duration
	Logger  logging.ServiceLogger
	Metrics *Metrics
}

// Client issues RPC calls on behalf of one service.
type Client struct {
	broker    transport.Broker
	cfg       ClientConfig
	logger    logging.ServiceLogger
	publisher message.Publisher

	mu      sync.Mutex
	pending map[string]*PendingCall
	closed  bool
}

// NewClient creates a client publishing on the RPC exchange of broker.
func NewClient(broker transport.Broker, cfg ClientConfig) (*Client, error) {
	if broker == nil {
		return nil, uerrors.ErrBrokerRequired
	}
	if cfg.Caller == "" {
		return nil, uerrors.ErrServiceNameRequired
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	pub, err := broker.Publisher(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("rpc: publisher: %w", err)
	}
	return &Client{
		broker:    broker,
		cfg:       cfg,
		logger:    cfg.Logger.With(logging.LogFields{"component": "rpc_client", "caller": cfg.Caller}),
		publisher: pub,
		pending:   make(map[string]*PendingCall),
	}, nil
}

// Service returns a proxy addressing the named remote service.
func (c *Client) Service(name string) *ServiceProxy {
	return &ServiceProxy{client: c, name: name}
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call invokes method on target and waits for the reply body.
func (c *Client) Call(ctx context.Context, target, method string, kwargs Kwargs) (jsoncodec.RawMessage, error) {
	if target == "" {
		return nil, uerrors.ErrServiceRequired
	}
	if method == "" {
		return nil, uerrors.ErrMethodRequired
	}
	body, err := EncodeRequest(kwargs)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode kwargs: %w", err)
	}

	ctx, span := otel.Tracer("uservice-rpc-client").Start(ctx, "rpc.call")
	defer span.End()

	call := newPendingCall(c.cfg.Caller, target, method)
	span.SetAttributes(
		attribute.String("rpc.service", target),
		attribute.String("rpc.method", method),
		attribute.String("rpc.correlation_id", call.CorrelationID),
	)
	log := c.logger.With(logging.LogFields{
		"target":         target,
		"method":         method,
		"correlation_id": call.CorrelationID,
	})

	binding := topology.ReplyBinding(c.cfg.Exchange, c.cfg.Caller, call.ReplyKey)
	if err := c.broker.Declare(ctx, binding); err != nil {
		return nil, fmt.Errorf("rpc: declare reply queue: %w", err)
	}
	sub, err := c.broker.Subscriber(binding)
	if err != nil {
		c.deleteReplyQueue(call.Queue)
		return nil, fmt.Errorf("rpc: reply subscriber: %w", err)
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	deliveries, err := sub.Subscribe(consumeCtx, call.ReplyKey)
	if err != nil {
		cancel()
		_ = sub.Close()
		c.deleteReplyQueue(call.Queue)
		return nil, fmt.Errorf("rpc: consume replies: %w", err)
	}

	if err := c.register(call); err != nil {
		cancel()
		_ = sub.Close()
		c.deleteReplyQueue(call.Queue)
		return nil, err
	}
	c.cfg.Metrics.callStarted()

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		c.collect(call, deliveries, log)
	}()
	defer func() {
		c.teardown(call, sub, cancel)
		<-collected
	}()

	msg := message.NewMessage(ids.CreateULID(), body)
	msg.Metadata.Set(metadata.KeyReplyTo, call.ReplyKey)
	msg.Metadata.Set(metadata.KeyCorrelationID, call.CorrelationID)
	msg.Metadata.Set(metadata.KeyContentType, metadata.ContentTypeJSON)
	if err := c.publisher.Publish(topology.RPCRoutingKey(target, method), msg); err != nil {
		c.settleMetrics(call, OutcomeFailed)
		return nil, fmt.Errorf("rpc: publish request: %w", err)
	}
	log.Debug("RPC request published", logging.LogFields{"reply_queue": call.Queue})

	result, err := c.await(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug("RPC call did not succeed", logging.LogFields{"error": err.Error()})
	}
	return result, err
}

func (c *Client) await(ctx context.Context, call *PendingCall) (jsoncodec.RawMessage, error) {
	var timeout <-chan time.Time
	if c.cfg.Timeout > 0 {
		timer := time.NewTimer(c.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-call.result:
		var remote *uerrors.RemoteError
		switch {
		case r.err == nil:
			c.settleMetrics(call, OutcomeOK)
		case errors.As(r.err, &remote):
			c.settleMetrics(call, OutcomeRemote)
		default:
			c.settleMetrics(call, OutcomeFailed)
		}
		return r.body, r.err
	case <-ctx.Done():
		c.settleMetrics(call, OutcomeAbandoned)
		return nil, fmt.Errorf("%w: %w", uerrors.ErrCallAbandoned, ctx.Err())
	case <-timeout:
		c.settleMetrics(call, OutcomeTimeout)
		return nil, fmt.Errorf("%w after %s: %s.%s", uerrors.ErrCallTimeout, c.cfg.Timeout, call.Target, call.Method)
	}
}

func (c *Client) settleMetrics(call *PendingCall, outcome string) {
	call.metricsOnce.Do(func() {
		c.cfg.Metrics.callSettled(call.Target, call.Method, outcome, time.Since(call.StartedAt))
	})
}

// collect reads the call's reply queue until the subscription ends.
func (c *Client) collect(call *PendingCall, deliveries <-chan *message.Message, log logging.ServiceLogger) {
	for msg := range deliveries {
		id := msg.Metadata.Get(metadata.KeyCorrelationID)
		if id != call.CorrelationID {
			log.Debug("Dropping reply with unknown correlation id", logging.LogFields{"reply_correlation_id": id})
			msg.Ack()
			continue
		}
		var r reply
		if kind := msg.Metadata.Get(metadata.KeyErrorKind); kind != "" {
			r.err = DecodeError(kind, msg.Payload)
		} else {
			r.body = append(jsoncodec.RawMessage(nil), msg.Payload...)
		}
		if !call.settle(r) {
			log.Debug("Dropping duplicate reply", nil)
		}
		msg.Ack()
	}
}

func (c *Client) register(call *PendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return uerrors.ErrClientClosed
	}
	c.pending[call.CorrelationID] = call
	return nil
}

// teardown releases everything a call owns. It runs once per call whatever
// the outcome.
func (c *Client) teardown(call *PendingCall, sub message.Subscriber, cancel context.CancelFunc) {
	c.mu.Lock()
	delete(c.pending, call.CorrelationID)
	c.mu.Unlock()

	cancel()
	if err := sub.Close(); err != nil {
		c.logger.Error("Closing reply subscriber failed", err, logging.LogFields{"queue": call.Queue})
	}
	c.deleteReplyQueue(call.Queue)
}

// deleteReplyQueue removes a per-call reply queue on brokers that support it.
// Other brokers rely on the queue's auto-delete flag.
func (c *Client) deleteReplyQueue(queue string) {
	deleter, ok := c.broker.(transport.QueueDeleter)
	if !ok {
		return
	}
	if err := deleter.DeleteQueue(context.Background(), queue); err != nil {
		c.logger.Error("Deleting reply queue failed", err, logging.LogFields{"queue": queue})
	}
}

// Close abandons every outstanding call and rejects new ones.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := make([]*PendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.settle(reply{err: uerrors.ErrClientClosed})
	}
	return c.publisher.Close()
}
