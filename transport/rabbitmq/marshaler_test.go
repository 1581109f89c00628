package rabbitmq

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalMapsReplyProperties(t *testing.T) {
	msg := message.NewMessage("msg-1", []byte(`{"kwargs":{"x":3}}`))
	msg.Metadata.Set("reply_to", "reply-key")
	msg.Metadata.Set("correlation_id", "corr-1")

	publishing, err := Marshaler{}.Marshal(msg)
	require.NoError(t, err)

	assert.Equal(t, "reply-key", publishing.ReplyTo)
	assert.Equal(t, "corr-1", publishing.CorrelationId)
	assert.Equal(t, "application/json", publishing.ContentType)
	assert.Equal(t, []byte(`{"kwargs":{"x":3}}`), publishing.Body)
	assert.Equal(t, "msg-1", publishing.Headers[amqp.DefaultMessageUUIDHeaderKey])
}

func TestUnmarshalMapsDeliveryProperties(t *testing.T) {
	delivery := amqp091.Delivery{
		Headers:       amqp091.Table{amqp.DefaultMessageUUIDHeaderKey: "msg-1", "trace": "t"},
		ReplyTo:       "reply-key",
		CorrelationId: "corr-1",
		Exchange:      "uservice-rpc",
		RoutingKey:    "math.multiply",
		Body:          []byte(`{}`),
	}

	msg, err := Marshaler{}.Unmarshal(delivery)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.UUID)
	assert.Equal(t, "reply-key", msg.Metadata.Get("reply_to"))
	assert.Equal(t, "corr-1", msg.Metadata.Get("correlation_id"))
	assert.Equal(t, "math.multiply", msg.Metadata.Get("routing_key"))
	assert.Equal(t, "uservice-rpc", msg.Metadata.Get("exchange"))
	assert.Equal(t, "t", msg.Metadata.Get("trace"))
}

func TestUnmarshalForeignDelivery(t *testing.T) {
	t.Run("uses message id", func(t *testing.T) {
		msg, err := Marshaler{}.Unmarshal(amqp091.Delivery{MessageId: "m-7", RoutingKey: "k", Body: []byte(`1`)})
		require.NoError(t, err)
		assert.Equal(t, "m-7", msg.UUID)
	})

	t.Run("generates an id", func(t *testing.T) {
		msg, err := Marshaler{}.Unmarshal(amqp091.Delivery{RoutingKey: "k", Body: []byte(`1`)})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.UUID)
		assert.Empty(t, msg.Metadata.Get("reply_to"))
	})
}

func TestRoundTripThroughMarshaler(t *testing.T) {
	msg := message.NewMessage("msg-2", []byte(`12`))
	msg.Metadata.Set("correlation_id", "corr-2")

	publishing, err := Marshaler{}.Marshal(msg)
	require.NoError(t, err)

	got, err := Marshaler{}.Unmarshal(amqp091.Delivery{
		Headers:       publishing.Headers,
		CorrelationId: publishing.CorrelationId,
		RoutingKey:    "reply-key",
		Body:          publishing.Body,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-2", got.UUID)
	assert.Equal(t, "corr-2", got.Metadata.Get("correlation_id"))
	assert.Equal(t, "reply-key", got.Metadata.Get("routing_key"))
}
