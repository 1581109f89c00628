package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	idspkg "github.com/drblury/uservice/internal/runtime/ids"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
	metadatapkg "github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/internal/runtime/resolve"
	"github.com/drblury/uservice/internal/runtime/rpc"
	"github.com/drblury/uservice/internal/runtime/topology"
	"github.com/drblury/uservice/internal/runtime/validation"
)

// RPCHandlerRegistration exposes a handler as an RPC method of the service.
type RPCHandlerRegistration struct {
	// Method is the routing key suffix: callers address "{service}.{method}".
	Method string
	// Params name the keyword arguments in Required, next to the regular
	// context values.
	Params resolve.Params
	// Arguments optionally validates the whole kwargs object. The coerced
	// value is available as "arguments".
	Arguments validation.Shape
	// Result optionally validates the handler's return value before it is
	// sent back.
	Result  validation.Shape
	Handler resolve.HandlerFunc
}

type rpcMethod struct {
	name      string
	desc      *resolve.Descriptor
	arguments validation.Shape
	result    validation.Shape
	fn        resolve.HandlerFunc
}

// rpcServer demultiplexes the service's RPC queue by routing key.
type rpcServer struct {
	svc       *Service
	methods   map[string]*rpcMethod
	publisher message.Publisher
}

// RegisterRPCHandler registers one RPC method. All methods share the
// service's RPC entrypoint.
func (s *Service) RegisterRPCHandler(reg RPCHandlerRegistration) error {
	if reg.Method == "" {
		return uerrors.ErrMethodRequired
	}
	if strings.ContainsAny(reg.Method, ".*# ") {
		return fmt.Errorf("uservice: rpc method %q must not contain '.', '*', '#' or spaces", reg.Method)
	}
	if reg.Handler == nil {
		return uerrors.ErrHandlerRequired
	}
	desc, err := resolve.Build(topology.RPCRoutingKey(s.Conf.ServiceName, reg.Method), reg.Params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != serviceRegistering {
		return uerrors.ErrRegistrationClosed
	}
	if s.rpc == nil {
		s.rpc = &rpcServer{svc: s, methods: map[string]*rpcMethod{}}
	}
	if _, exists := s.rpc.methods[reg.Method]; exists {
		return fmt.Errorf("%w: %s", uerrors.ErrDuplicateMethod, reg.Method)
	}
	s.rpc.methods[reg.Method] = &rpcMethod{
		name:      reg.Method,
		desc:      desc,
		arguments: reg.Arguments,
		result:    reg.Result,
		fn:        reg.Handler,
	}
	s.Logger.Debug("RPC method registered", loggingpkg.LogFields{
		"method":      reg.Method,
		"routing_key": topology.RPCRoutingKey(s.Conf.ServiceName, reg.Method),
	})
	return nil
}

func (r *rpcServer) methodNames() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *rpcServer) dispatch(msg *message.Message) error {
	routingKey := msg.Metadata.Get(metadatapkg.KeyRoutingKey)
	_, name, _ := topology.ParseRPCRoutingKey(routingKey)
	m, ok := r.methods[name]
	if !ok {
		return r.fail(msg, fmt.Errorf("%w: %q", uerrors.ErrUnknownMethod, routingKey))
	}

	kwargs, err := rpc.DecodeRequest(msg.Payload)
	if err != nil {
		return r.fail(msg, err)
	}
	values := r.svc.contextValues(msg)
	// caller kwargs shadow same-named context values
	for k, v := range kwargs {
		values[k] = v
	}
	if m.arguments != nil {
		raw, err := jsoncodec.Marshal(kwargs)
		if err != nil {
			return r.fail(msg, &uerrors.MalformedPayloadError{Err: err})
		}
		coerced, err := m.arguments.Coerce(raw)
		if err != nil {
			return r.fail(msg, err)
		}
		values[ParamArguments] = coerced
	}

	result, err := r.svc.invoke(msg.Context(), m.desc, values, m.fn)
	if err != nil {
		var missing *uerrors.MissingContextValueError
		switch {
		case errors.As(err, &missing):
			// a request lacking an argument is dropped unanswered
			return err
		case uerrors.IsTerminal(err), r.svc.Conf.RPCErrorReplies:
			return r.fail(msg, err)
		default:
			return err
		}
	}

	if m.result != nil {
		if _, err := validation.Value(m.result, result); err != nil {
			return r.fail(msg, err)
		}
	}
	body, err := jsoncodec.Marshal(result)
	if err != nil {
		return r.fail(msg, fmt.Errorf("encode result of %s: %w", m.name, err))
	}
	return r.reply(msg, body, "")
}

// fail answers the caller with a structured error. The returned error always
// leads to an acknowledgement unless the reply could not be published.
func (r *rpcServer) fail(msg *message.Message, cause error) error {
	body, kind := rpc.EncodeError(cause)
	if err := r.reply(msg, body, kind); err != nil {
		return errors.Join(cause, err)
	}
	return &repliedError{err: cause}
}

func (r *rpcServer) reply(msg *message.Message, body []byte, errorKind string) error {
	replyTo := msg.Metadata.Get(metadatapkg.KeyReplyTo)
	if replyTo == "" {
		r.svc.Logger.Debug("Request carries no reply_to, reply dropped", loggingpkg.LogFields{
			"routing_key":  msg.Metadata.Get(metadatapkg.KeyRoutingKey),
			"message_uuid": msg.UUID,
		})
		return nil
	}
	out := message.NewMessage(idspkg.CreateULID(), body)
	out.Metadata.Set(metadatapkg.KeyCorrelationID, msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	out.Metadata.Set(metadatapkg.KeyContentType, metadatapkg.ContentTypeJSON)
	if errorKind != "" {
		out.Metadata.Set(metadatapkg.KeyErrorKind, errorKind)
	}
	out.SetContext(msg.Context())
	if err := r.publisher.Publish(replyTo, out); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}
