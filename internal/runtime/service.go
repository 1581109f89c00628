package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/uservice/internal/runtime/config"
	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
	metadatapkg "github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/internal/runtime/resolve"
	"github.com/drblury/uservice/internal/runtime/rpc"
	"github.com/drblury/uservice/internal/runtime/topology"
	"github.com/drblury/uservice/transport"
	_ "github.com/drblury/uservice/transport/transports"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

type serviceState int

const (
	serviceRegistering serviceState = iota
	serviceDeclared
	serviceRunning
	serviceStopped
)

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Broker replaces the transport built from Config.Transport. The service
	// does not close a broker it did not build.
	Broker transport.Broker
	// Registry resolves Config.Transport. Defaults to the package registry,
	// which knows every built-in transport.
	Registry                  *transport.Registry
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     DispatchHooks
	// Registerer and Gatherer back the Prometheus collectors and /metrics.
	// They default to the prometheus package defaults.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Service owns the broker connection and every entrypoint of one
// microservice. Register handlers, then Run it.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	serviceContext ServiceContext
	broker         transport.Broker
	ownsBroker     bool
	wmLogger       watermill.LoggerAdapter
	router         *message.Router
	routerCancel   context.CancelFunc
	routerDone     chan struct{}
	routerErr      error

	hooks           DispatchHooks
	registerer      prometheus.Registerer
	gatherer        prometheus.Gatherer
	dispatchMetrics *DispatchMetrics
	rpcMetrics      *rpc.Metrics
	pubsubMetrics   *metrics.PrometheusMetricsBuilder
	sampler         *processSampler

	mu            sync.Mutex
	state         serviceState
	middlewares   []message.HandlerMiddleware
	events        []*Entrypoint
	rpc           *rpcServer
	rpcEntrypoint *Entrypoint
	client        *rpc.Client
	publishers    map[string]message.Publisher
	httpServer    *http.Server
}

// NewService constructs a Service and panics when it cannot. Use
// TryNewService to handle the error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates the configuration, connects the broker and
// installs the middleware chain. Register handlers on the returned Service
// before calling Setup, Start or Run.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, uerrors.ErrConfigRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, uerrors.NewConfigValidationError(err)
	}
	if log == nil {
		log = loggingpkg.NewDefault(os.Stderr, cfg.LogLevel)
	}
	log = log.With(loggingpkg.LogFields{"service": cfg.ServiceName})
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating service", loggingpkg.LogFields{
		"transport": cfg.Transport,
		"config":    cfg.String(),
	})

	s := &Service{
		Conf:           &cfg,
		Logger:         log,
		serviceContext: ServiceContext{Name: cfg.ServiceName, Config: cfg, logger: log},
		wmLogger:       wmLogger,
		hooks:          deps.Hooks,
		registerer:     deps.Registerer,
		gatherer:       deps.Gatherer,
		sampler:        newProcessSampler(),
		publishers:     make(map[string]message.Publisher),
	}
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.StopTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("uservice: router: %w", err)
	}
	s.router = router
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		if g, ok := s.registerer.(prometheus.Gatherer); ok {
			s.gatherer = g
		} else {
			s.gatherer = prometheus.DefaultGatherer
		}
	}
	if cfg.MetricsEnabled {
		if err := s.enableMetrics(); err != nil {
			return nil, err
		}
		s.serviceContext.rpcMetrics = s.rpcMetrics
	}

	if deps.Broker != nil {
		s.broker = deps.Broker
	} else {
		build := transport.Build
		if deps.Registry != nil {
			build = deps.Registry.Build
		}
		broker, err := build(ctx, &cfg, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("uservice: connect %s transport: %w", cfg.Transport, err)
		}
		s.broker = broker
		s.ownsBroker = true
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		if s.ownsBroker {
			_ = s.broker.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("uservice: register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) enableMetrics() error {
	s.dispatchMetrics = NewDispatchMetrics(s.registerer)
	if err := s.dispatchMetrics.Register(); err != nil {
		return fmt.Errorf("uservice: register dispatch metrics: %w", err)
	}
	s.rpcMetrics = rpc.NewMetrics(s.registerer)
	if err := s.rpcMetrics.Register(); err != nil {
		return fmt.Errorf("uservice: register rpc metrics: %w", err)
	}
	builder := metrics.NewPrometheusMetricsBuilder(s.registerer, "uservice", "pubsub")
	builder.AddPrometheusRouterMetrics(s.router)
	s.pubsubMetrics = &builder
	return nil
}

func (s *Service) decoratePublisher(pub message.Publisher) (message.Publisher, error) {
	if s.pubsubMetrics == nil {
		return pub, nil
	}
	return s.pubsubMetrics.DecoratePublisher(pub)
}

func (s *Service) newEntrypoint(name string, role Role, binding transport.Binding, dispatch dispatchFunc) *Entrypoint {
	return newEntrypoint(entrypointConfig{
		name:      name,
		role:      role,
		binding:   binding,
		broker:    s.broker,
		router:    s.router,
		consumers: s.Conf.ConsumersPerEntrypoint,
		logger:    s.Logger,
		hooks:     s.hooks,
		metrics:   s.dispatchMetrics,
		dispatch:  dispatch,
	})
}

// contextValues returns the values every invocation context carries.
func (s *Service) contextValues(msg *message.Message) resolve.Args {
	return resolve.Args{
		ParamConnection: s.broker,
		ParamContext:    s.serviceContext,
		ParamMetadata:   metadatapkg.FromWatermill(msg.Metadata),
	}
}

// invoke resolves the handler's parameters on a fresh stack, calls it and
// releases scoped dependencies. Release failures are logged; they do not
// change the dispatch outcome.
func (s *Service) invoke(ctx context.Context, d *resolve.Descriptor, values resolve.Args, fn resolve.HandlerFunc) (any, error) {
	stack := resolve.NewStack()
	defer func() {
		if err := stack.Close(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Error("Releasing scoped dependencies failed", err, loggingpkg.LogFields{"handler": d.Name()})
		}
	}()

	args, err := d.Resolve(ctx, stack, values)
	if err != nil {
		return nil, err
	}
	return fn(ctx, args)
}

// Name returns the service name.
func (s *Service) Name() string { return s.serviceContext.Name }

// Context returns the read-only identity handed to handlers.
func (s *Service) Context() ServiceContext { return s.serviceContext }

// Broker returns the shared broker connection.
func (s *Service) Broker() transport.Broker { return s.broker }

// Connected reports whether the broker connection is up. Brokers that do not
// report their health are assumed connected.
func (s *Service) Connected() bool {
	hc, ok := s.broker.(transport.HealthChecker)
	return !ok || hc.IsConnected()
}

func (s *Service) entrypointsLocked() []*Entrypoint {
	eps := make([]*Entrypoint, 0, len(s.events)+1)
	eps = append(eps, s.events...)
	if s.rpcEntrypoint != nil {
		eps = append(eps, s.rpcEntrypoint)
	}
	return eps
}

// Entrypoints returns the introspection view of every entrypoint.
func (s *Service) Entrypoints() []EntrypointInfo {
	s.mu.Lock()
	eps := s.entrypointsLocked()
	s.mu.Unlock()

	infos := make([]EntrypointInfo, 0, len(eps))
	for _, ep := range eps {
		infos = append(infos, ep.Info())
	}
	return infos
}

// Setup declares the topology of every entrypoint. It closes registration.
func (s *Service) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case serviceDeclared, serviceRunning:
		return nil
	case serviceStopped:
		return uerrors.ErrEntrypointStopped
	}

	if s.rpc != nil && s.rpcEntrypoint == nil {
		pub, err := s.broker.Publisher(s.Conf.AMQP.RPCExchange)
		if err != nil {
			return fmt.Errorf("uservice: rpc reply publisher: %w", err)
		}
		if pub, err = s.decoratePublisher(pub); err != nil {
			return fmt.Errorf("uservice: rpc reply publisher: %w", err)
		}
		s.rpc.publisher = pub
		binding := topology.RPCBinding(s.Conf.AMQP.RPCExchange, s.Conf.ServiceName, s.rpc.methodNames()...)
		s.rpcEntrypoint = s.newEntrypoint(binding.Queue, RoleRPC, binding, s.rpc.dispatch)
	}

	for _, ep := range s.entrypointsLocked() {
		ep.use(s.middlewares)
		if err := ep.Setup(ctx); err != nil {
			return err
		}
	}
	s.state = serviceDeclared
	return nil
}

// Start declares the topology when needed, runs the message router and
// adds one router handler per entrypoint. It returns once consumption has
// started.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case serviceRunning:
		return uerrors.ErrAlreadyRunning
	case serviceStopped:
		return uerrors.ErrEntrypointStopped
	}

	if err := s.runRouterLocked(ctx); err != nil {
		return err
	}
	eps := s.entrypointsLocked()
	for i, ep := range eps {
		if err := ep.Start(ctx); err != nil {
			for _, started := range eps[:i] {
				_ = started.Stop(context.WithoutCancel(ctx))
			}
			s.routerCancel()
			_ = s.router.Close()
			return err
		}
	}
	s.state = serviceRunning
	if s.Conf.MetricsEnabled {
		s.startIntrospectionLocked()
	}
	s.Logger.Info("Service started", loggingpkg.LogFields{"entrypoints": len(eps)})
	return nil
}

// runRouterLocked runs the router in the background and waits until it is
// running. The router outlives ctx; Stop closes it.
func (s *Service) runRouterLocked(ctx context.Context) error {
	routerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := routerRun(s.router, routerCtx); err != nil {
			s.routerErr = err
		}
	}()

	select {
	case <-s.router.Running():
	case <-done:
		cancel()
		return fmt.Errorf("uservice: run router: %w", s.routerErr)
	case <-ctx.Done():
		cancel()
		_ = s.router.Close()
		<-done
		return ctx.Err()
	}
	s.routerCancel, s.routerDone = cancel, done
	return nil
}

// Stop stops every entrypoint, waiting for in-flight dispatches until ctx is
// done, closes the router, abandons outstanding RPC calls and closes the
// broker connection the service built. Stop is idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == serviceStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = serviceStopped
	eps := s.entrypointsLocked()
	client, server := s.client, s.httpServer
	routerCancel, routerDone := s.routerCancel, s.routerDone
	var publishers []message.Publisher
	for _, pub := range s.publishers {
		publishers = append(publishers, pub)
	}
	if s.rpc != nil && s.rpc.publisher != nil {
		publishers = append(publishers, s.rpc.publisher)
	}
	s.mu.Unlock()

	// the router must not treat the handlers stopping below as a failure
	if routerCancel != nil {
		routerCancel()
	}

	var (
		result   *multierror.Error
		resultMu sync.Mutex
		wg       sync.WaitGroup
	)
	for _, ep := range eps {
		wg.Add(1)
		go func(ep *Entrypoint) {
			defer wg.Done()
			if err := ep.Stop(ctx); err != nil {
				resultMu.Lock()
				result = multierror.Append(result, err)
				resultMu.Unlock()
			}
		}(ep)
	}
	wg.Wait()

	if err := s.router.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close router: %w", err))
	}
	if routerDone != nil {
		select {
		case <-routerDone:
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("waiting for the router: %w", ctx.Err()))
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, pub := range publishers {
		if err := pub.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("introspection server: %w", err))
		}
	}
	if s.ownsBroker {
		if err := s.broker.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close broker: %w", err))
		}
	}
	s.Logger.Info("Service stopped", nil)
	return result.ErrorOrNil()
}

// Run starts the service and blocks until ctx is done, the router is closed
// or the broker connection is lost. In every case the service is stopped
// before Run returns; a lost connection is reported as ErrConnectionLost.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	routerDone := s.routerDone
	s.mu.Unlock()

	ticker := time.NewTicker(s.Conf.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-routerDone:
			if !s.Connected() {
				return s.connectionLost()
			}
			s.Logger.Info("Router closed, stopping service", nil)
			return s.shutdown()
		case <-ticker.C:
			if !s.Connected() {
				return s.connectionLost()
			}
		}
	}
}

func (s *Service) connectionLost() error {
	s.Logger.Error("Broker connection lost", uerrors.ErrConnectionLost, nil)
	if err := s.shutdown(); err != nil {
		s.Logger.Error("Stopping after connection loss failed", err, nil)
	}
	return uerrors.ErrConnectionLost
}

// RunUntilSignal is Run with the router closed by SIGINT or SIGTERM.
func (s *Service) RunUntilSignal(ctx context.Context) error {
	s.router.AddPlugin(plugin.SignalsHandler)
	return s.Run(ctx)
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Conf.StopTimeout)
	defer cancel()
	return s.Stop(ctx)
}

// Client returns the service's RPC client, creating it on first use.
func (s *Service) Client() (*rpc.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	if s.state == serviceStopped {
		return nil, uerrors.ErrClientClosed
	}
	client, err := rpc.NewClient(s.broker, rpc.ClientConfig{
		Caller:   s.Conf.ServiceName,
		Exchange: s.Conf.AMQP.RPCExchange,
		Timeout:  s.Conf.RPCTimeout,
		Logger:   s.Logger,
		Metrics:  s.rpcMetrics,
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

// Call invokes method on the target service through the service's client.
func (s *Service) Call(ctx context.Context, target, method string, kwargs rpc.Kwargs) (jsoncodec.RawMessage, error) {
	client, err := s.Client()
	if err != nil {
		return nil, err
	}
	return client.Call(ctx, target, method, kwargs)
}
