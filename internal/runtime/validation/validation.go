// Package validation coerces JSON bodies into declared payload shapes.
package validation

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
)

// Shape coerces a raw JSON document into a typed value or reports why it
// does not match.
type Shape interface {
	Name() string
	Coerce(raw jsoncodec.RawMessage) (any, error)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

type typedShape[T any] struct {
	name   string
	strict bool
}

// Of returns a shape decoding into T. Unknown fields are ignored, so
// producers may add fields without breaking consumers. Struct values are
// then checked against their `validate` tags; mark mandatory fields with
// `validate:"required"`.
func Of[T any]() Shape {
	return typedShape[T]{name: typeName[T]()}
}

// Named is Of with an explicit shape name used in errors and introspection.
func Named[T any](name string) Shape {
	return typedShape[T]{name: name}
}

// Strict is Of rejecting documents that carry fields T does not declare.
func Strict[T any]() Shape {
	return typedShape[T]{name: typeName[T](), strict: true}
}

func typeName[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

func (s typedShape[T]) Name() string { return s.name }

func (s typedShape[T]) Coerce(raw jsoncodec.RawMessage) (any, error) {
	var out T
	decode := jsoncodec.Unmarshal
	if s.strict {
		decode = jsoncodec.UnmarshalStrict
	}
	if err := decode(raw, &out); err != nil {
		return nil, &uerrors.PayloadValidationError{Shape: s.name, Err: err}
	}
	if err := Struct(out); err != nil {
		return nil, &uerrors.PayloadValidationError{Shape: s.name, Err: err}
	}
	return out, nil
}

// Struct validates v when it is a struct or a pointer to one. Other values
// pass.
func Struct(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return Validator().Struct(rv.Interface())
}

type funcShape struct {
	name string
	fn   func(jsoncodec.RawMessage) (any, error)
}

// Func adapts a coercion function into a Shape. Errors returned by fn are
// reported as payload validation failures.
func Func(name string, fn func(jsoncodec.RawMessage) (any, error)) Shape {
	return funcShape{name: name, fn: fn}
}

func (f funcShape) Name() string { return f.name }

func (f funcShape) Coerce(raw jsoncodec.RawMessage) (any, error) {
	v, err := f.fn(raw)
	if err != nil {
		return nil, &uerrors.PayloadValidationError{Shape: f.name, Err: err}
	}
	return v, nil
}

// Value validates an in-memory value against shape by encoding it first.
// It returns the coerced value.
func Value(shape Shape, v any) (any, error) {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, &uerrors.PayloadValidationError{Shape: shape.Name(), Err: err}
	}
	return shape.Coerce(raw)
}
