package rpc

import (
	"context"
	"fmt"

	"github.com/drblury/uservice/internal/runtime/jsoncodec"
)

// ServiceProxy calls the methods of one remote service.
type ServiceProxy struct {
	client *Client
	name   string
}

// Name returns the remote service name.
func (p *ServiceProxy) Name() string { return p.name }

// Call invokes method with kwargs and returns the raw JSON result.
func (p *ServiceProxy) Call(ctx context.Context, method string, kwargs Kwargs) (jsoncodec.RawMessage, error) {
	return p.client.Call(ctx, p.name, method, kwargs)
}

// CallAs invokes method and decodes the result into T.
func CallAs[T any](ctx context.Context, p *ServiceProxy, method string, kwargs Kwargs) (T, error) {
	var out T
	raw, err := p.Call(ctx, method, kwargs)
	if err != nil {
		return out, err
	}
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("rpc: decode %s.%s result: %w", p.name, method, err)
	}
	return out, nil
}
