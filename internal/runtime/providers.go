package runtime

import (
	"context"
	"fmt"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	metadatapkg "github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/internal/runtime/resolve"
	"github.com/drblury/uservice/internal/runtime/rpc"
	"github.com/drblury/uservice/internal/runtime/validation"
	"github.com/drblury/uservice/transport"
)

// PublishFunc publishes one event. eventType is the routing key.
type PublishFunc func(ctx context.Context, eventType string, payload any) error

// PublisherOptions configures EventPublisher.
type PublisherOptions struct {
	// Exchange defaults to the name of the service.
	Exchange string
	// Shape validates every payload before it is published.
	Shape validation.Shape
	// Metadata is added to every published event.
	Metadata metadatapkg.Metadata
}

// EventPublisher provides a PublishFunc scoped to one invocation. Published
// events carry the correlation id of the message being handled.
func EventPublisher(opts PublisherOptions) *resolve.Provider {
	return &resolve.Provider{
		Name: "event_publisher",
		Params: resolve.Params{
			Required: []string{ParamConnection, ParamContext, ParamMetadata},
		},
		Acquire: func(ctx context.Context, args resolve.Args) (any, resolve.ReleaseFunc, error) {
			broker, sc, err := runtimeValues(args)
			if err != nil {
				return nil, nil, err
			}
			exchange := opts.Exchange
			if exchange == "" {
				exchange = sc.Name
			}
			pub, err := broker.Publisher(exchange)
			if err != nil {
				return nil, nil, err
			}

			md := opts.Metadata.Clone()
			if incoming, ok := args[ParamMetadata].(metadatapkg.Metadata); ok && incoming.CorrelationID() != "" {
				md[metadatapkg.KeyCorrelationID] = incoming.CorrelationID()
			}
			publish := PublishFunc(func(ctx context.Context, eventType string, payload any) error {
				if opts.Shape != nil {
					if _, err := validation.Value(opts.Shape, payload); err != nil {
						return err
					}
				}
				return PublishEvent(ctx, pub, eventType, payload, md)
			})
			release := func(context.Context) error { return pub.Close() }
			return publish, release, nil
		},
	}
}

// RPCProxy provides a *rpc.ServiceProxy addressing target. Its client logs
// and records metrics like the service's own client, and is closed once the
// invocation completes, abandoning calls still in flight.
func RPCProxy(target string) *resolve.Provider {
	return &resolve.Provider{
		Name: "rpc_proxy",
		Params: resolve.Params{
			Required: []string{ParamConnection, ParamContext},
		},
		Acquire: func(ctx context.Context, args resolve.Args) (any, resolve.ReleaseFunc, error) {
			broker, sc, err := runtimeValues(args)
			if err != nil {
				return nil, nil, err
			}
			client, err := rpc.NewClient(broker, rpc.ClientConfig{
				Caller:   sc.Name,
				Exchange: sc.Config.AMQP.RPCExchange,
				Timeout:  sc.Config.RPCTimeout,
				Logger:   sc.logger,
				Metrics:  sc.rpcMetrics,
			})
			if err != nil {
				return nil, nil, err
			}
			release := func(context.Context) error { return client.Close() }
			return client.Service(target), release, nil
		},
	}
}

func runtimeValues(args resolve.Args) (transport.Broker, ServiceContext, error) {
	broker, ok := args[ParamConnection].(transport.Broker)
	if !ok || broker == nil {
		return nil, ServiceContext{}, uerrors.ErrBrokerRequired
	}
	sc, ok := args[ParamContext].(ServiceContext)
	if !ok {
		return nil, ServiceContext{}, fmt.Errorf("uservice: %q is %T, not a service context", ParamContext, args[ParamContext])
	}
	return broker, sc, nil
}
