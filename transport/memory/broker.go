package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/transport"
)

var (
	ErrClosed          = errors.New("memory: broker is closed")
	ErrPublisherClosed = errors.New("memory: publisher is closed")
)

// Broker routes messages from topic exchanges to queues in process.
type Broker struct {
	cfg    Config
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	exchanges map[string][]route
	queues    map[string]*queue
	closed    bool
}

type route struct {
	pattern string
	queue   *queue
}

// New creates an empty broker.
func New(cfg Config, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		cfg:       cfg,
		logger:    logger,
		exchanges: make(map[string][]route),
		queues:    make(map[string]*queue),
	}
}

// Declare creates the exchange, the queue and its bindings.
func (b *Broker) Declare(ctx context.Context, bind transport.Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := bind.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.declareLocked(bind)
	return nil
}

func (b *Broker) declareLocked(bind transport.Binding) *queue {
	q, ok := b.queues[bind.Queue]
	if !ok {
		q = newQueue(bind.Queue, bind.Durable, bind.AutoDelete)
		b.queues[bind.Queue] = q
		b.logger.Debug("Queue declared", watermill.LogFields{"queue": bind.Queue, "auto_delete": bind.AutoDelete})
	}
	routes := b.exchanges[bind.Exchange]
	for _, key := range bind.RoutingKeys {
		if !hasRoute(routes, key, q) {
			routes = append(routes, route{pattern: key, queue: q})
		}
	}
	b.exchanges[bind.Exchange] = routes
	return q
}

func hasRoute(routes []route, pattern string, q *queue) bool {
	for _, r := range routes {
		if r.pattern == pattern && r.queue == q {
			return true
		}
	}
	return false
}

// Subscriber returns a consumer of the binding's queue. Subscribe declares
// the binding when needed.
func (b *Broker) Subscriber(bind transport.Binding) (message.Subscriber, error) {
	if err := bind.Validate(); err != nil {
		return nil, err
	}
	return &subscriber{broker: b, binding: bind}, nil
}

// Publisher returns a publisher for exchange. The topic is the routing key.
func (b *Broker) Publisher(exchange string) (message.Publisher, error) {
	if exchange == "" {
		return nil, errors.New("memory: exchange is required")
	}
	return &publisher{broker: b, exchange: exchange}, nil
}

func (b *Broker) publish(exchange, routingKey string, msgs []*message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	routes, ok := b.exchanges[exchange]
	if !ok {
		b.exchanges[exchange] = nil
	}
	var targets []*queue
	for _, r := range routes {
		if matchTopic(r.pattern, routingKey) && !containsQueue(targets, r.queue) {
			targets = append(targets, r.queue)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		b.logger.Trace("Message unroutable", watermill.LogFields{"exchange": exchange, "routing_key": routingKey})
	}
	for _, msg := range msgs {
		env := newEnvelope(exchange, routingKey, msg)
		for _, q := range targets {
			q.push(env)
		}
	}
	return nil
}

func containsQueue(qs []*queue, q *queue) bool {
	for _, existing := range qs {
		if existing == q {
			return true
		}
	}
	return false
}

func (b *Broker) attach(bind transport.Binding) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q := b.declareLocked(bind)
	q.consumers++
	return q, nil
}

func (b *Broker) detach(q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.consumers--
	if q.autoDelete && q.consumers <= 0 {
		b.deleteLocked(q.name)
	}
}

func (b *Broker) redeliver(q *queue, env envelope) {
	if b.cfg.RedeliveryDelay <= 0 {
		q.pushFront(env)
		return
	}
	time.AfterFunc(b.cfg.RedeliveryDelay, func() { q.pushFront(env) })
}

// DeleteQueue removes a queue and its bindings. Consumers of the queue stop.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteLocked(name)
	return nil
}

func (b *Broker) deleteLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	delete(b.queues, name)
	for exchange, routes := range b.exchanges {
		kept := routes[:0]
		for _, r := range routes {
			if r.queue != q {
				kept = append(kept, r)
			}
		}
		b.exchanges[exchange] = kept
	}
	q.delete()
	b.logger.Debug("Queue deleted", watermill.LogFields{"queue": name})
}

// HasQueue reports whether a queue with the given name exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueDepth returns the number of ready messages in a queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Consumers returns the number of active consumers of a queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.consumers
	}
	return 0
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *Broker) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Close deletes every queue and stops all consumers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for name := range b.queues {
		b.deleteLocked(name)
	}
	return nil
}

type envelope struct {
	uuid     string
	payload  []byte
	metadata message.Metadata
}

func newEnvelope(exchange, routingKey string, msg *message.Message) envelope {
	md := make(message.Metadata, len(msg.Metadata)+2)
	for k, v := range msg.Metadata {
		md[k] = v
	}
	md.Set(metadata.KeyExchange, exchange)
	md.Set(metadata.KeyRoutingKey, routingKey)
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	return envelope{uuid: msg.UUID, payload: payload, metadata: md}
}

// message builds a fresh delivery so every attempt has its own ack state.
func (e envelope) message() *message.Message {
	msg := message.NewMessage(e.uuid, e.payload)
	for k, v := range e.metadata {
		msg.Metadata.Set(k, v)
	}
	return msg
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	consumers  int // guarded by Broker.mu

	mu      sync.Mutex
	pending []envelope
	signal  chan struct{}
	deleted bool
}

func newQueue(name string, durable, autoDelete bool) *queue {
	return &queue{name: name, durable: durable, autoDelete: autoDelete, signal: make(chan struct{})}
}

func (q *queue) push(env envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	q.pending = append(q.pending, env)
	q.notifyLocked()
}

func (q *queue) pushFront(env envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	q.pending = append([]envelope{env}, q.pending...)
	q.notifyLocked()
}

func (q *queue) notifyLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// take blocks until a message is ready, the queue is deleted or ctx is done.
func (q *queue) take(ctx context.Context) (envelope, bool) {
	for {
		q.mu.Lock()
		if q.deleted {
			q.mu.Unlock()
			return envelope{}, false
		}
		if len(q.pending) > 0 {
			env := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return env, true
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return envelope{}, false
		}
	}
}

func (q *queue) delete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	q.deleted = true
	q.pending = nil
	close(q.signal)
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

type subscriber struct {
	broker  *Broker
	binding transport.Binding

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// Subscribe starts one competing consumer. The topic argument is ignored.
func (s *subscriber) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory: subscriber for %s is closed", s.binding.Queue)
	}
	q, err := s.broker.attach(s.binding)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancels = append(s.cancels, cancel)
	out := make(chan *message.Message)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer s.broker.detach(q)
		s.consume(ctx, q, out)
	}()
	return out, nil
}

func (s *subscriber) consume(ctx context.Context, q *queue, out chan<- *message.Message) {
	for {
		env, ok := q.take(ctx)
		if !ok {
			return
		}
		msg := env.message()
		select {
		case out <- msg:
		case <-ctx.Done():
			q.pushFront(env)
			return
		}
		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			s.broker.redeliver(q, env)
		case <-ctx.Done():
			// unacked deliveries go back to the queue when the consumer is cancelled
			q.pushFront(env)
			return
		}
	}
}

// Close cancels every consumer started by this subscriber and waits for them.
func (s *subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

type publisher struct {
	broker   *Broker
	exchange string
	closed   atomic.Bool
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	return p.broker.publish(p.exchange, topic, messages)
}

func (p *publisher) Close() error {
	p.closed.Store(true)
	return nil
}
