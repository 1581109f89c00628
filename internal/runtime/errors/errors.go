package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrServiceRequired      = sterrors.New("uservice: service is required")
	ErrServiceNameRequired  = sterrors.New("uservice: service name is required")
	ErrHandlerRequired      = sterrors.New("uservice: handler function is required")
	ErrHandlerNameRequired  = sterrors.New("uservice: handler name is required")
	ErrExchangeRequired     = sterrors.New("uservice: exchange is required")
	ErrRoutingKeyRequired   = sterrors.New("uservice: routing key is required")
	ErrMethodRequired       = sterrors.New("uservice: rpc method name is required")
	ErrDuplicateMethod      = sterrors.New("uservice: rpc method already registered")
	ErrPayloadParamRequired = sterrors.New("uservice: event handler must require the \"payload\" parameter")
	ErrBrokerRequired       = sterrors.New("uservice: broker connection is required")
	ErrPublisherRequired    = sterrors.New("uservice: publisher is required")
	ErrConfigRequired       = sterrors.New("uservice: configuration is required")
	ErrLoggerRequired       = sterrors.New("uservice: logger is required")
	ErrInvalidProvider      = sterrors.New("uservice: invalid dependency provider")
	ErrAlreadyRunning       = sterrors.New("uservice: service is already running")
	ErrRegistrationClosed   = sterrors.New("uservice: handlers must be registered before setup")
	ErrNotDeclared          = sterrors.New("uservice: entrypoint topology has not been declared")
	ErrEntrypointStopped    = sterrors.New("uservice: entrypoint is stopped")
	ErrConnectionLost       = sterrors.New("uservice: broker connection lost")
	ErrUnknownMethod        = sterrors.New("uservice: unknown rpc method")
	ErrRouterNotRunning     = sterrors.New("uservice: message router is not running")

	ErrCallTimeout   = sterrors.New("uservice: rpc call timed out")
	ErrCallAbandoned = sterrors.New("uservice: rpc call abandoned")
	ErrClientClosed  = sterrors.New("uservice: rpc client is closed")
)

// MalformedPayloadError reports a message body that is not valid JSON.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return "uservice: malformed payload: " + e.Err.Error()
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// PayloadValidationError reports a decoded body that does not match the declared shape.
type PayloadValidationError struct {
	Shape string
	Err   error
}

func (e *PayloadValidationError) Error() string {
	if e.Shape == "" {
		return "uservice: payload validation failed: " + e.Err.Error()
	}
	return fmt.Sprintf("uservice: payload does not match %s: %v", e.Shape, e.Err)
}

func (e *PayloadValidationError) Unwrap() error { return e.Err }

// MissingContextValueError reports a required parameter absent from the invocation context.
type MissingContextValueError struct {
	Param    string
	Provider string
}

func (e *MissingContextValueError) Error() string {
	return fmt.Sprintf("uservice: missing context value %q required by %s", e.Param, e.Provider)
}

// DependencyResolutionError wraps a failure raised by a dependency provider.
type DependencyResolutionError struct {
	Provider string
	Param    string
	Err      error
}

func (e *DependencyResolutionError) Error() string {
	return fmt.Sprintf("uservice: resolving %q via %s: %v", e.Param, e.Provider, e.Err)
}

func (e *DependencyResolutionError) Unwrap() error { return e.Err }

// DependencyCycleError is returned when a provider transitively depends on itself.
type DependencyCycleError struct {
	Path []string
}

func (e *DependencyCycleError) Error() string {
	return "uservice: dependency cycle: " + strings.Join(e.Path, " -> ")
}

// RemoteError is a structured error reply received from an RPC server.
type RemoteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("uservice: remote %s error: %s", e.Kind, e.Message)
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "uservice: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsTerminal reports whether err describes a message that must be acknowledged
// even though it was not handled: redelivering it cannot succeed.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var (
		malformed *MalformedPayloadError
		invalid   *PayloadValidationError
		missing   *MissingContextValueError
	)
	switch {
	case sterrors.As(err, &malformed),
		sterrors.As(err, &invalid),
		sterrors.As(err, &missing),
		sterrors.Is(err, ErrUnknownMethod):
		return true
	}
	return false
}

// Kind returns the stable wire name used in structured error replies.
func Kind(err error) string {
	var (
		malformed *MalformedPayloadError
		invalid   *PayloadValidationError
		missing   *MissingContextValueError
		resolve   *DependencyResolutionError
		remote    *RemoteError
	)
	switch {
	case err == nil:
		return ""
	case sterrors.As(err, &remote):
		return remote.Kind
	case sterrors.As(err, &malformed):
		return "malformed_payload"
	case sterrors.As(err, &invalid):
		return "payload_validation"
	case sterrors.As(err, &missing):
		return "missing_context_value"
	case sterrors.As(err, &resolve):
		return "dependency_resolution"
	case sterrors.Is(err, ErrUnknownMethod):
		return "unknown_method"
	default:
		return "handler"
	}
}
