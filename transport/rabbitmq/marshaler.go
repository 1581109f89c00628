package rabbitmq

import (
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/uservice/internal/runtime/ids"
	"github.com/drblury/uservice/internal/runtime/metadata"
)

// Marshaler maps the request/reply metadata onto AMQP message properties.
// reply_to and correlation_id travel as properties so non-watermill peers
// see them where AMQP puts them.
type Marshaler struct {
	amqp.DefaultMarshaler
}

func (m Marshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	publishing, err := m.DefaultMarshaler.Marshal(msg)
	if err != nil {
		return publishing, err
	}
	publishing.ContentType = metadata.ContentTypeJSON
	if replyTo := msg.Metadata.Get(metadata.KeyReplyTo); replyTo != "" {
		publishing.ReplyTo = replyTo
	}
	if id := msg.Metadata.Get(metadata.KeyCorrelationID); id != "" {
		publishing.CorrelationId = id
	}
	if publishing.MessageId == "" {
		publishing.MessageId = msg.UUID
	}
	return publishing, nil
}

func (m Marshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	// peers that do not speak watermill send no uuid header
	key := m.uuidHeaderKey()
	if _, ok := delivery.Headers[key]; !ok {
		headers := make(amqp091.Table, len(delivery.Headers)+1)
		for k, v := range delivery.Headers {
			headers[k] = v
		}
		id := delivery.MessageId
		if id == "" {
			id = ids.CreateULID()
		}
		headers[key] = id
		delivery.Headers = headers
	}

	msg, err := m.DefaultMarshaler.Unmarshal(delivery)
	if err != nil {
		return nil, err
	}
	if delivery.ReplyTo != "" {
		msg.Metadata.Set(metadata.KeyReplyTo, delivery.ReplyTo)
	}
	if delivery.CorrelationId != "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, delivery.CorrelationId)
	}
	msg.Metadata.Set(metadata.KeyRoutingKey, delivery.RoutingKey)
	msg.Metadata.Set(metadata.KeyExchange, delivery.Exchange)
	return msg, nil
}

func (m Marshaler) uuidHeaderKey() string {
	if m.MessageUUIDHeaderKey != "" {
		return m.MessageUUIDHeaderKey
	}
	return amqp.DefaultMessageUUIDHeaderKey
}
