package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	idspkg "github.com/drblury/uservice/internal/runtime/ids"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/uservice/internal/runtime/metadata"
)

// NewEventMessage encodes payload as JSON into a message carrying the
// standard event metadata.
func NewEventMessage(payload any, md metadatapkg.Metadata) (*message.Message, error) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.Metadata.Set(metadatapkg.KeyContentType, metadatapkg.ContentTypeJSON)
	return msg, nil
}

// PublishEvent publishes payload with routingKey, the event type, as topic.
func PublishEvent(ctx context.Context, publisher message.Publisher, routingKey string, payload any, md metadatapkg.Metadata) error {
	if publisher == nil {
		return uerrors.ErrPublisherRequired
	}
	if routingKey == "" {
		return uerrors.ErrRoutingKeyRequired
	}

	msg, err := NewEventMessage(payload, md)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(routingKey, msg)
}

// PublishEvent publishes an event of this service: the exchange is the
// service name and the routing key is eventType.
func (s *Service) PublishEvent(ctx context.Context, eventType string, payload any) error {
	pub, err := s.publisher(s.Conf.ServiceName)
	if err != nil {
		return err
	}
	return PublishEvent(ctx, pub, eventType, payload, nil)
}

// publisher returns the service-owned publisher of exchange. The service
// closes it on Stop.
func (s *Service) publisher(exchange string) (message.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == serviceStopped {
		return nil, uerrors.ErrEntrypointStopped
	}
	if pub, ok := s.publishers[exchange]; ok {
		return pub, nil
	}
	pub, err := s.broker.Publisher(exchange)
	if err != nil {
		return nil, fmt.Errorf("uservice: publisher %s: %w", exchange, err)
	}
	if pub, err = s.decoratePublisher(pub); err != nil {
		return nil, fmt.Errorf("uservice: publisher %s: %w", exchange, err)
	}
	s.publishers[exchange] = pub
	return pub, nil
}
