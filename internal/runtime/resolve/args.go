package resolve

import (
	"fmt"

	"github.com/drblury/uservice/internal/runtime/jsoncodec"
)

// As returns the argument bound to name as T. Raw JSON values, as delivered
// for RPC keyword arguments, are decoded into T.
func As[T any](args Args, name string) (T, error) {
	var zero T
	v, ok := args[name]
	if !ok {
		return zero, fmt.Errorf("uservice: argument %q was not resolved", name)
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	var raw []byte
	switch value := v.(type) {
	case jsoncodec.RawMessage:
		raw = value
	case []byte:
		raw = value
	default:
		return zero, fmt.Errorf("uservice: argument %q is %T, not %T", name, v, zero)
	}
	var out T
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("uservice: decode argument %q: %w", name, err)
	}
	return out, nil
}

// MustAs is As for handlers that already validated their arguments.
func MustAs[T any](args Args, name string) T {
	v, err := As[T](args, name)
	if err != nil {
		panic(err)
	}
	return v
}
