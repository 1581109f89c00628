package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/ids"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	"github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/internal/runtime/topology"
	"github.com/drblury/uservice/transport"
	"github.com/drblury/uservice/transport/memory"
)

func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New(memory.Config{}, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newClient(t *testing.T, b *memory.Broker, cfg ClientConfig) *Client {
	t.Helper()
	if cfg.Caller == "" {
		cfg.Caller = "gateway"
	}
	c, err := NewClient(b, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// startServer consumes the RPC queue of service without answering.
func startServer(t *testing.T, b *memory.Broker, service string, methods ...string) <-chan *message.Message {
	t.Helper()
	bind := topology.RPCBinding(DefaultExchange, service, methods...)
	require.NoError(t, b.Declare(context.Background(), bind))
	sub, err := b.Subscriber(bind)
	require.NoError(t, err)
	ch, err := sub.Subscribe(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return ch
}

func sendReply(t *testing.T, b *memory.Broker, req *message.Message, correlationID string, body string, pairs ...string) {
	t.Helper()
	pub, err := b.Publisher(DefaultExchange)
	require.NoError(t, err)
	msg := message.NewMessage(ids.CreateULID(), []byte(body))
	msg.Metadata.Set(metadata.KeyCorrelationID, correlationID)
	for i := 0; i+1 < len(pairs); i += 2 {
		msg.Metadata.Set(pairs[i], pairs[i+1])
	}
	require.NoError(t, pub.Publish(req.Metadata.Get(metadata.KeyReplyTo), msg))
}

// multiplyServer answers every math.multiply request with x*y.
func multiplyServer(t *testing.T, b *memory.Broker) {
	t.Helper()
	requests := startServer(t, b, "math", "multiply")
	go func() {
		for req := range requests {
			kwargs, err := DecodeRequest(req.Payload)
			if err != nil {
				req.Ack()
				continue
			}
			var x, y int
			_ = jsoncodec.Unmarshal(kwargs["x"], &x)
			_ = jsoncodec.Unmarshal(kwargs["y"], &y)
			sendReply(t, b, req, req.Metadata.Get(metadata.KeyCorrelationID), fmt.Sprint(x*y))
			req.Ack()
		}
	}()
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, ClientConfig{Caller: "a"})
	assert.ErrorIs(t, err, uerrors.ErrBrokerRequired)

	_, err = NewClient(newBroker(t), ClientConfig{})
	assert.ErrorIs(t, err, uerrors.ErrServiceNameRequired)
}

func TestCallReturnsMatchingReply(t *testing.T) {
	b := newBroker(t)
	multiplyServer(t, b)
	c := newClient(t, b, ClientConfig{Timeout: 2 * time.Second})

	raw, err := c.Call(context.Background(), "math", "multiply", Kwargs{"x": 3, "y": 4})
	require.NoError(t, err)
	assert.JSONEq(t, "12", string(raw))
	assert.Equal(t, 0, c.Pending())
}

func TestRequestCarriesReplyMetadata(t *testing.T) {
	b := newBroker(t)
	requests := startServer(t, b, "math", "multiply")
	c := newClient(t, b, ClientConfig{Timeout: 2 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "math", "multiply", Kwargs{"x": 1})
		done <- err
	}()

	req := <-requests
	assert.Equal(t, "math.multiply", req.Metadata.Get(metadata.KeyRoutingKey))
	assert.NotEmpty(t, req.Metadata.Get(metadata.KeyCorrelationID))
	replyKey := req.Metadata.Get(metadata.KeyReplyTo)
	require.NotEmpty(t, replyKey)
	assert.True(t, b.HasQueue(topology.ReplyQueue("gateway", replyKey)))
	assert.Equal(t, 1, c.Pending())
	assert.JSONEq(t, `{"kwargs":{"x":1}}`, string(req.Payload))

	sendReply(t, b, req, req.Metadata.Get(metadata.KeyCorrelationID), "null")
	req.Ack()
	require.NoError(t, <-done)
	assert.False(t, b.HasQueue(topology.ReplyQueue("gateway", replyKey)), "reply queue must be torn down")
}

func TestNonMatchingReplyIsDropped(t *testing.T) {
	b := newBroker(t)
	requests := startServer(t, b, "math", "multiply")
	c := newClient(t, b, ClientConfig{Timeout: 2 * time.Second})

	go func() {
		req := <-requests
		sendReply(t, b, req, "someone-else", `"wrong"`)
		sendReply(t, b, req, req.Metadata.Get(metadata.KeyCorrelationID), `"right"`)
		req.Ack()
	}()

	raw, err := c.Call(context.Background(), "math", "multiply", nil)
	require.NoError(t, err)
	assert.Equal(t, `"right"`, string(raw))
}

func TestConcurrentCallsGetTheirOwnReplies(t *testing.T) {
	b := newBroker(t)
	requests := startServer(t, b, "math", "double")
	c := newClient(t, b, ClientConfig{Timeout: 5 * time.Second})

	const calls = 20
	// collect every request first, then answer in reverse order
	go func() {
		var held []*message.Message
		for req := range requests {
			req.Ack()
			held = append(held, req)
			if len(held) == calls {
				break
			}
		}
		for i := len(held) - 1; i >= 0; i-- {
			kwargs, _ := DecodeRequest(held[i].Payload)
			var n int
			_ = jsoncodec.Unmarshal(kwargs["n"], &n)
			sendReply(t, b, held[i], held[i].Metadata.Get(metadata.KeyCorrelationID), fmt.Sprint(n*2))
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := CallAs[int](context.Background(), c.Service("math"), "double", Kwargs{"n": n})
			if err != nil {
				errs <- err
				return
			}
			if got != n*2 {
				errs <- fmt.Errorf("call %d got %d", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestCallTimeout(t *testing.T) {
	b := newBroker(t)
	requests := startServer(t, b, "math", "multiply")
	c := newClient(t, b, ClientConfig{Timeout: 50 * time.Millisecond})

	_, err := c.Call(context.Background(), "math", "multiply", Kwargs{"y": 4})
	assert.ErrorIs(t, err, uerrors.ErrCallTimeout)
	assert.Equal(t, 0, c.Pending())

	req := <-requests
	assert.False(t, b.HasQueue(topology.ReplyQueue("gateway", req.Metadata.Get(metadata.KeyReplyTo))))
	req.Ack()
}

func TestCallAbandonedByContext(t *testing.T) {
	b := newBroker(t)
	startServer(t, b, "math", "multiply")
	c := newClient(t, b, ClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "math", "multiply", nil)
	assert.ErrorIs(t, err, uerrors.ErrCallAbandoned)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestRemoteErrorReply(t *testing.T) {
	b := newBroker(t)
	requests := startServer(t, b, "math", "divide")
	c := newClient(t, b, ClientConfig{Timeout: 2 * time.Second})

	go func() {
		req := <-requests
		body, kind := EncodeError(&uerrors.PayloadValidationError{Shape: "Divide", Err: errors.New("y must not be zero")})
		sendReply(t, b, req, req.Metadata.Get(metadata.KeyCorrelationID), string(body), metadata.KeyErrorKind, kind)
		req.Ack()
	}()

	_, err := c.Service("math").Call(context.Background(), "divide", Kwargs{"x": 1, "y": 0})
	var remote *uerrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "payload_validation", remote.Kind)
	assert.Contains(t, remote.Message, "y must not be zero")
}

func TestCloseAbandonsOutstandingCalls(t *testing.T) {
	b := newBroker(t)
	requests := startServer(t, b, "math", "multiply")
	c, err := NewClient(b, ClientConfig{Caller: "gateway"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "math", "multiply", nil)
		done <- err
	}()
	req := <-requests
	req.Ack()

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, uerrors.ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding call not abandoned by Close")
	}

	_, err = c.Call(context.Background(), "math", "multiply", nil)
	assert.ErrorIs(t, err, uerrors.ErrClientClosed)
}

func TestCallValidation(t *testing.T) {
	c := newClient(t, newBroker(t), ClientConfig{})
	_, err := c.Call(context.Background(), "", "m", nil)
	assert.ErrorIs(t, err, uerrors.ErrServiceRequired)
	_, err = c.Call(context.Background(), "s", "", nil)
	assert.ErrorIs(t, err, uerrors.ErrMethodRequired)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	b := newBroker(t)
	multiplyServer(t, b)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	c := newClient(t, b, ClientConfig{Timeout: 2 * time.Second, Metrics: m})
	_, err := c.Call(context.Background(), "math", "multiply", Kwargs{"x": 2, "y": 2})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("math", "multiply", OutcomeOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))
}

// failingSubscriberBroker declares queues but cannot consume them.
type failingSubscriberBroker struct {
	*memory.Broker
	declared []string
}

func (b *failingSubscriberBroker) Declare(ctx context.Context, bind transport.Binding) error {
	b.declared = append(b.declared, bind.Queue)
	return b.Broker.Declare(ctx, bind)
}

func (b *failingSubscriberBroker) Subscriber(transport.Binding) (message.Subscriber, error) {
	return nil, errors.New("channel closed")
}

func TestReplyQueueDeletedWhenConsumeFails(t *testing.T) {
	b := &failingSubscriberBroker{Broker: newBroker(t)}
	c, err := NewClient(b, ClientConfig{Caller: "gateway", Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Call(context.Background(), "math", "multiply", nil)
	require.ErrorContains(t, err, "reply subscriber")

	require.Len(t, b.declared, 1)
	assert.False(t, b.HasQueue(b.declared[0]), "reply queue %s left behind", b.declared[0])
}
