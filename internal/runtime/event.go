package runtime

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ThreeDotsLabs/watermill/message"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
	"github.com/drblury/uservice/internal/runtime/resolve"
	"github.com/drblury/uservice/internal/runtime/topology"
	"github.com/drblury/uservice/internal/runtime/validation"
)

// EventHandlerRegistration subscribes a handler to events published by
// another service.
type EventHandlerRegistration struct {
	// Name identifies the handler. It is part of the durable queue name, so
	// renaming a handler abandons its queue.
	Name string
	// Exchange is the topic exchange of the source service, usually its name.
	Exchange string
	// RoutingKey is the event type. AMQP wildcards are allowed.
	RoutingKey string
	// Params must require "payload".
	Params resolve.Params
	// Payload optionally validates and coerces the event body. Without it
	// the handler receives the raw JSON.
	Payload validation.Shape
	Handler resolve.HandlerFunc
}

type eventHandler struct {
	svc   *Service
	desc  *resolve.Descriptor
	shape validation.Shape
	fn    resolve.HandlerFunc
}

// RegisterEventHandler registers an event entrypoint. Registration closes once
// the service is set up.
func (s *Service) RegisterEventHandler(reg EventHandlerRegistration) error {
	if reg.Handler == nil {
		return uerrors.ErrHandlerRequired
	}
	if reg.Exchange == "" {
		return uerrors.ErrExchangeRequired
	}
	if reg.RoutingKey == "" {
		return uerrors.ErrRoutingKeyRequired
	}
	if !slices.Contains(reg.Params.Required, ParamPayload) {
		return uerrors.ErrPayloadParamRequired
	}
	desc, err := resolve.Build(reg.Name, reg.Params)
	if err != nil {
		return err
	}

	h := &eventHandler{svc: s, desc: desc, shape: reg.Payload, fn: reg.Handler}
	binding := topology.EventBinding(reg.Exchange, reg.RoutingKey, reg.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != serviceRegistering {
		return uerrors.ErrRegistrationClosed
	}
	for _, ep := range s.events {
		if ep.Queue() == binding.Queue {
			return fmt.Errorf("uservice: event handler %q is already registered for %s/%s", reg.Name, reg.Exchange, reg.RoutingKey)
		}
	}
	s.events = append(s.events, s.newEntrypoint(reg.Name, RoleEvent, binding, h.dispatch))
	s.Logger.Debug("Event handler registered", loggingpkg.LogFields{
		"handler":     reg.Name,
		"exchange":    reg.Exchange,
		"routing_key": reg.RoutingKey,
		"queue":       binding.Queue,
	})
	return nil
}

func (h *eventHandler) dispatch(msg *message.Message) error {
	if !jsoncodec.Valid(msg.Payload) {
		return &uerrors.MalformedPayloadError{Err: errors.New("event body is not valid JSON")}
	}
	var payload any = jsoncodec.RawMessage(msg.Payload)
	if h.shape != nil {
		coerced, err := h.shape.Coerce(jsoncodec.RawMessage(msg.Payload))
		if err != nil {
			return err
		}
		payload = coerced
	}

	values := h.svc.contextValues(msg)
	values[ParamPayload] = payload
	_, err := h.svc.invoke(msg.Context(), h.desc, values, h.fn)
	return err
}
