package uservice

import (
	"context"

	runtimepkg "github.com/drblury/uservice/internal/runtime"
	configpkg "github.com/drblury/uservice/internal/runtime/config"
	errspkg "github.com/drblury/uservice/internal/runtime/errors"
	idspkg "github.com/drblury/uservice/internal/runtime/ids"
	jsoncodec "github.com/drblury/uservice/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
	metadatapkg "github.com/drblury/uservice/internal/runtime/metadata"
	"github.com/drblury/uservice/internal/runtime/resolve"
	"github.com/drblury/uservice/internal/runtime/rpc"
	"github.com/drblury/uservice/internal/runtime/topology"
	"github.com/drblury/uservice/internal/runtime/validation"
	"github.com/drblury/uservice/transport"
)

type (
	Config              = configpkg.Config
	AMQPConfig          = configpkg.AMQPConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ServiceContext      = runtimepkg.ServiceContext

	EventHandlerRegistration = runtimepkg.EventHandlerRegistration
	RPCHandlerRegistration   = runtimepkg.RPCHandlerRegistration

	// Dependency resolution
	Args        = resolve.Args
	Params      = resolve.Params
	Dependency  = resolve.Dependency
	Provider    = resolve.Provider
	HandlerFunc = resolve.HandlerFunc
	CallFunc    = resolve.CallFunc
	AcquireFunc = resolve.AcquireFunc
	ReleaseFunc = resolve.ReleaseFunc

	Shape = validation.Shape

	// Scoped dependencies
	PublishFunc      = runtimepkg.PublishFunc
	PublisherOptions = runtimepkg.PublisherOptions

	// RPC client
	Client       = rpc.Client
	ClientConfig = rpc.ClientConfig
	ServiceProxy = rpc.ServiceProxy
	Kwargs       = rpc.Kwargs

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Dispatch lifecycle hooks
	DispatchInfo  = runtimepkg.DispatchInfo
	DispatchHooks = runtimepkg.DispatchHooks

	Role            = runtimepkg.Role
	EntrypointState = runtimepkg.EntrypointState
	EntrypointInfo  = runtimepkg.EntrypointInfo
	EntrypointStats = runtimepkg.EntrypointStats
	StatsSnapshot   = runtimepkg.StatsSnapshot
	HealthReport    = runtimepkg.HealthReport
	DispatchMetrics = runtimepkg.DispatchMetrics

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	RawMessage = jsoncodec.RawMessage

	ConfigValidationError     = errspkg.ConfigValidationError
	MalformedPayloadError     = errspkg.MalformedPayloadError
	PayloadValidationError    = errspkg.PayloadValidationError
	MissingContextValueError  = errspkg.MissingContextValueError
	DependencyResolutionError = errspkg.DependencyResolutionError
	DependencyCycleError      = errspkg.DependencyCycleError
	RemoteError               = errspkg.RemoteError

	// Transports
	Broker                = transport.Broker
	Binding               = transport.Binding
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

// Parameter names every invocation context carries.
const (
	ParamPayload    = runtimepkg.ParamPayload
	ParamConnection = runtimepkg.ParamConnection
	ParamContext    = runtimepkg.ParamContext
	ParamMetadata   = runtimepkg.ParamMetadata
	ParamArguments  = runtimepkg.ParamArguments
)

const (
	RoleEvent = runtimepkg.RoleEvent
	RoleRPC   = runtimepkg.RoleRPC

	StateRegistered = runtimepkg.StateRegistered
	StateDeclared   = runtimepkg.StateDeclared
	StateConsuming  = runtimepkg.StateConsuming
	StateStopped    = runtimepkg.StateStopped
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
	MetadataKeyRoutingKey    = metadatapkg.KeyRoutingKey
	MetadataKeyExchange      = metadatapkg.KeyExchange
	MetadataKeyErrorKind     = metadatapkg.KeyErrorKind
	MetadataKeyContentType   = metadatapkg.KeyContentType
)

var (
	NewService    = runtimepkg.NewService
	TryNewService = runtimepkg.TryNewService
	LoadConfig    = configpkg.Load

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewDispatchMetrics = runtimepkg.NewDispatchMetrics

	EventPublisher = runtimepkg.EventPublisher
	RPCProxy       = runtimepkg.RPCProxy
	PublishEvent   = runtimepkg.PublishEvent

	NewClient  = rpc.NewClient
	NewStack   = resolve.NewStack
	BuildGraph = resolve.Build
	Invoke     = resolve.Invoke

	ValidationFunc = validation.Func
	ValidateStruct = validation.Struct
	ValidateValue  = validation.Value

	EventQueue    = topology.EventQueue
	RPCQueue      = topology.RPCQueue
	RPCRoutingKey = topology.RPCRoutingKey

	EntrypointFromContext = runtimepkg.EntrypointFromContext

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrServiceNameRequired  = errspkg.ErrServiceNameRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrExchangeRequired     = errspkg.ErrExchangeRequired
	ErrRoutingKeyRequired   = errspkg.ErrRoutingKeyRequired
	ErrMethodRequired       = errspkg.ErrMethodRequired
	ErrDuplicateMethod      = errspkg.ErrDuplicateMethod
	ErrPayloadParamRequired = errspkg.ErrPayloadParamRequired
	ErrBrokerRequired       = errspkg.ErrBrokerRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrInvalidProvider      = errspkg.ErrInvalidProvider
	ErrAlreadyRunning       = errspkg.ErrAlreadyRunning
	ErrRegistrationClosed   = errspkg.ErrRegistrationClosed
	ErrNotDeclared          = errspkg.ErrNotDeclared
	ErrEntrypointStopped    = errspkg.ErrEntrypointStopped
	ErrConnectionLost       = errspkg.ErrConnectionLost
	ErrUnknownMethod        = errspkg.ErrUnknownMethod
	ErrRouterNotRunning     = errspkg.ErrRouterNotRunning
	ErrCallTimeout          = errspkg.ErrCallTimeout
	ErrCallAbandoned        = errspkg.ErrCallAbandoned
	ErrClientClosed         = errspkg.ErrClientClosed

	IsTerminal = errspkg.IsTerminal
	ErrorKind  = errspkg.Kind

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NewDefaultLogger        = loggingpkg.NewDefault

	NewMetadata = metadatapkg.New

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// As returns the argument bound to name as T, decoding raw JSON keyword
// arguments.
func As[T any](args Args, name string) (T, error) {
	return resolve.As[T](args, name)
}

// MustAs is As that panics when the argument is missing or mistyped.
func MustAs[T any](args Args, name string) T {
	return resolve.MustAs[T](args, name)
}

// ShapeOf returns a payload shape decoding into T and checking its
// `validate` tags. Unknown fields are ignored.
func ShapeOf[T any]() Shape {
	return validation.Of[T]()
}

// StrictShape is ShapeOf rejecting unknown fields.
func StrictShape[T any]() Shape {
	return validation.Strict[T]()
}

// NamedShape is ShapeOf with an explicit name used in error replies.
func NamedShape[T any](name string) Shape {
	return validation.Named[T](name)
}

// CallAs calls method through proxy and decodes the reply into T.
func CallAs[T any](ctx context.Context, proxy *ServiceProxy, method string, kwargs Kwargs) (T, error) {
	return rpc.CallAs[T](ctx, proxy, method, kwargs)
}
