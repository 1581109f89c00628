package runtime

import (
	"context"

	configpkg "github.com/drblury/uservice/internal/runtime/config"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
	"github.com/drblury/uservice/internal/runtime/rpc"
)

// Names of the values every invocation context carries. RPC keyword
// arguments are added under their own names.
const (
	ParamPayload    = "payload"
	ParamConnection = "connection"
	ParamContext    = "context"
	ParamMetadata   = "metadata"
	// ParamArguments holds the coerced keyword arguments when an RPC method
	// declares an Arguments shape.
	ParamArguments = "arguments"
)

// ServiceContext is the read-only identity of a service. Handlers receive a
// copy under the "context" name.
type ServiceContext struct {
	Name   string
	Config configpkg.Config

	logger     loggingpkg.ServiceLogger
	rpcMetrics *rpc.Metrics
}

type entrypointKey struct{}

func withEntrypoint(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, entrypointKey{}, name)
}

// EntrypointFromContext returns the name of the entrypoint dispatching the
// message that ctx belongs to.
func EntrypointFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(entrypointKey{}).(string)
	return name
}
