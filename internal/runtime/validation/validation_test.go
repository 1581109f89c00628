package validation

import (
	"errors"
	"testing"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
)

type fooPayload struct {
	Foo int `json:"foo" validate:"required"`
}

type order struct {
	ID    string `json:"id" validate:"required"`
	Count int    `json:"count" validate:"gte=1"`
}

func TestOfCoercesMatchingPayload(t *testing.T) {
	v, err := Of[fooPayload]().Coerce(jsoncodec.RawMessage(`{"foo":1}`))
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if got := v.(fooPayload); got.Foo != 1 {
		t.Fatalf("unexpected value %+v", got)
	}
}

func TestOfRejectsMissingRequiredField(t *testing.T) {
	_, err := Of[fooPayload]().Coerce(jsoncodec.RawMessage(`{"bar":1}`))
	var invalid *uerrors.PayloadValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected PayloadValidationError, got %v", err)
	}
	if invalid.Shape != "validation.fooPayload" {
		t.Fatalf("unexpected shape name %q", invalid.Shape)
	}
}

func TestOfIgnoresUnknownFields(t *testing.T) {
	v, err := Of[fooPayload]().Coerce(jsoncodec.RawMessage(`{"foo":1,"source":"v2-producer"}`))
	if err != nil {
		t.Fatalf("payload with an extra field rejected: %v", err)
	}
	if got := v.(fooPayload); got.Foo != 1 {
		t.Fatalf("unexpected value %+v", got)
	}
}

func TestStrictRejectsUnknownFields(t *testing.T) {
	shape := Strict[fooPayload]()
	if shape.Name() != "validation.fooPayload" {
		t.Fatalf("unexpected shape name %q", shape.Name())
	}
	if _, err := shape.Coerce(jsoncodec.RawMessage(`{"foo":1}`)); err != nil {
		t.Fatalf("exact payload rejected: %v", err)
	}
	_, err := shape.Coerce(jsoncodec.RawMessage(`{"foo":1,"extra":2}`))
	var invalid *uerrors.PayloadValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected PayloadValidationError, got %v", err)
	}
}

func TestOfRejectsWrongType(t *testing.T) {
	if _, err := Of[fooPayload]().Coerce(jsoncodec.RawMessage(`{"foo":"one"}`)); err == nil {
		t.Fatal("expected type error")
	}
}

func TestOfRunsStructValidation(t *testing.T) {
	shape := Named[order]("Order")
	if _, err := shape.Coerce(jsoncodec.RawMessage(`{"id":"a","count":2}`)); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}
	_, err := shape.Coerce(jsoncodec.RawMessage(`{"count":0}`))
	var invalid *uerrors.PayloadValidationError
	if !errors.As(err, &invalid) || invalid.Shape != "Order" {
		t.Fatalf("expected Order validation error, got %v", err)
	}
}

func TestOfScalar(t *testing.T) {
	v, err := Of[int]().Coerce(jsoncodec.RawMessage(`12`))
	if err != nil || v.(int) != 12 {
		t.Fatalf("Coerce scalar = %v, %v", v, err)
	}
}

func TestFuncShape(t *testing.T) {
	shape := Func("positive", func(raw jsoncodec.RawMessage) (any, error) {
		var n int
		if err := jsoncodec.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, errors.New("must be positive")
		}
		return n, nil
	})
	if _, err := shape.Coerce(jsoncodec.RawMessage(`-1`)); !uerrors.IsTerminal(err) {
		t.Fatalf("expected terminal validation error, got %v", err)
	}
}

func TestValue(t *testing.T) {
	v, err := Value(Of[fooPayload](), map[string]int{"foo": 3})
	if err != nil || v.(fooPayload).Foo != 3 {
		t.Fatalf("Value = %v, %v", v, err)
	}
	if _, err := Value(Of[fooPayload](), map[string]int{"bar": 3}); err == nil {
		t.Fatal("expected mismatch")
	}
}

func TestStructIgnoresNonStructs(t *testing.T) {
	if err := Struct(3); err != nil {
		t.Fatalf("scalar should pass: %v", err)
	}
	var nilOrder *order
	if err := Struct(nilOrder); err != nil {
		t.Fatalf("nil pointer should pass: %v", err)
	}
	if err := Struct(&order{}); err == nil {
		t.Fatal("expected pointer-to-struct validation to run")
	}
}
