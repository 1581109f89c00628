package resolve

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
)

func constant(name string, v any) *Provider {
	return &Provider{Name: name, Call: func(context.Context, Args) (any, error) { return v, nil }}
}

func TestResolveRequiredValues(t *testing.T) {
	d, err := Build("handle", Params{Required: []string{"payload", "metadata"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	args, err := d.Resolve(context.Background(), NewStack(), Args{"payload": 1, "metadata": "m", "unused": true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(args) != 2 || args["payload"] != 1 || args["metadata"] != "m" {
		t.Fatalf("unexpected args %#v", args)
	}
}

func TestResolveMissingContextValue(t *testing.T) {
	d, err := Build("multiply", Params{Required: []string{"x", "y"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	called := false
	_, err = Invoke(context.Background(), d, Args{"y": 4}, func(context.Context, Args) (any, error) {
		called = true
		return nil, nil
	})
	var missing *uerrors.MissingContextValueError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingContextValueError, got %v", err)
	}
	if missing.Param != "x" || missing.Provider != "multiply" {
		t.Fatalf("unexpected error details %+v", missing)
	}
	if called {
		t.Fatal("handler must not run when a context value is missing")
	}
}

func TestNestedProviderSeesContextValues(t *testing.T) {
	greeting := &Provider{
		Name:   "greeting",
		Params: Params{Required: []string{"context"}},
		Call: func(_ context.Context, args Args) (any, error) {
			return "hello " + args["context"].(string), nil
		},
	}
	d, err := Build("handle", Params{
		Required:     []string{"payload"},
		Dependencies: []Dependency{{Name: "greeting", Provider: greeting}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	args, err := d.Resolve(context.Background(), NewStack(), Args{"payload": 1, "context": "math"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if args["greeting"] != "hello math" {
		t.Fatalf("unexpected greeting %v", args["greeting"])
	}
	if _, leaked := args["context"]; leaked {
		t.Fatal("handler args must only hold declared parameters")
	}
	if got := d.Required(); strings.Join(got, ",") != "context,payload" {
		t.Fatalf("unexpected graph requirements %v", got)
	}
}

func TestScopedDependencyTeardownExactlyOnce(t *testing.T) {
	for _, fail := range []bool{false, true} {
		var acquired, released atomic.Int32
		resource := &Provider{
			Name: "resource",
			Acquire: func(context.Context, Args) (any, ReleaseFunc, error) {
				acquired.Add(1)
				return "V", func(context.Context) error {
					released.Add(1)
					return nil
				}, nil
			},
		}
		d, err := Build("handle", Params{Dependencies: []Dependency{{Name: "res", Provider: resource}}})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}

		var seen any
		boom := errors.New("boom")
		_, err = Invoke(context.Background(), d, Args{}, func(_ context.Context, args Args) (any, error) {
			seen = args["res"]
			if released.Load() != 0 {
				t.Fatal("resource released before the handler finished")
			}
			if fail {
				return nil, boom
			}
			return "ok", nil
		})
		if fail && !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
		if !fail && err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		if seen != "V" {
			t.Fatalf("handler saw %v, want V", seen)
		}
		if acquired.Load() != 1 || released.Load() != 1 {
			t.Fatalf("fail=%v: acquired %d released %d, want 1/1", fail, acquired.Load(), released.Load())
		}
	}
}

func TestReleasesRunInReverseOrder(t *testing.T) {
	var order []string
	scoped := func(name string) *Provider {
		return &Provider{Name: name, Acquire: func(context.Context, Args) (any, ReleaseFunc, error) {
			order = append(order, "acquire "+name)
			return name, func(context.Context) error {
				order = append(order, "release "+name)
				return nil
			}, nil
		}}
	}
	d, err := Build("handle", Params{Dependencies: []Dependency{
		{Name: "a", Provider: scoped("a")},
		{Name: "b", Provider: scoped("b")},
	}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := Invoke(context.Background(), d, nil, func(context.Context, Args) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := "acquire a,acquire b,release b,release a"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
}

func TestFailingSiblingStillReleasesEarlierResources(t *testing.T) {
	var released atomic.Int32
	first := &Provider{Name: "first", Acquire: func(context.Context, Args) (any, ReleaseFunc, error) {
		return 1, func(context.Context) error { released.Add(1); return nil }, nil
	}}
	cause := errors.New("db down")
	second := &Provider{Name: "db", Call: func(context.Context, Args) (any, error) { return nil, cause }}

	d, err := Build("handle", Params{Dependencies: []Dependency{
		{Name: "first", Provider: first},
		{Name: "db", Provider: second},
	}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, err = Invoke(context.Background(), d, nil, func(context.Context, Args) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	var resolveErr *uerrors.DependencyResolutionError
	if !errors.As(err, &resolveErr) || resolveErr.Provider != "db" || !errors.Is(err, cause) {
		t.Fatalf("expected DependencyResolutionError from db, got %v", err)
	}
	if released.Load() != 1 {
		t.Fatalf("expected earlier sibling released once, got %d", released.Load())
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	a := &Provider{Name: "a", Call: func(context.Context, Args) (any, error) { return nil, nil }}
	b := &Provider{Name: "b", Call: func(context.Context, Args) (any, error) { return nil, nil },
		Params: Params{Dependencies: []Dependency{{Name: "a", Provider: a}}}}
	a.Params.Dependencies = []Dependency{{Name: "b", Provider: b}}

	_, err := Build("handle", Params{Dependencies: []Dependency{{Name: "a", Provider: a}}})
	var cycle *uerrors.DependencyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
	if got := strings.Join(cycle.Path, " -> "); got != "a -> b -> a" {
		t.Fatalf("unexpected cycle path %q", got)
	}
}

func TestBuildSharesDiamondDependencies(t *testing.T) {
	var calls atomic.Int32
	base := &Provider{Name: "base", Call: func(context.Context, Args) (any, error) {
		return calls.Add(1), nil
	}}
	left := &Provider{Name: "left", Params: Params{Dependencies: []Dependency{{Name: "base", Provider: base}}},
		Call: func(_ context.Context, args Args) (any, error) { return args["base"], nil }}
	right := &Provider{Name: "right", Params: Params{Dependencies: []Dependency{{Name: "base", Provider: base}}},
		Call: func(_ context.Context, args Args) (any, error) { return args["base"], nil }}

	d, err := Build("handle", Params{Dependencies: []Dependency{
		{Name: "left", Provider: left},
		{Name: "right", Provider: right},
	}})
	if err != nil {
		t.Fatalf("a diamond is not a cycle: %v", err)
	}
	if _, err := d.Resolve(context.Background(), NewStack(), nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("providers are called per dependency edge, got %d calls", calls.Load())
	}
}

func TestBuildValidation(t *testing.T) {
	noop := func(context.Context, Args) (any, error) { return nil, nil }
	acquire := func(context.Context, Args) (any, ReleaseFunc, error) { return nil, nil, nil }
	tests := []struct {
		name   string
		handle string
		params Params
		want   error
	}{
		{"empty handler name", "", Params{}, uerrors.ErrHandlerNameRequired},
		{"empty param", "h", Params{Required: []string{""}}, uerrors.ErrInvalidProvider},
		{"duplicate param", "h", Params{
			Required:     []string{"x"},
			Dependencies: []Dependency{{Name: "x", Provider: &Provider{Call: noop}}},
		}, uerrors.ErrInvalidProvider},
		{"nil provider", "h", Params{Dependencies: []Dependency{{Name: "x"}}}, uerrors.ErrInvalidProvider},
		{"no func", "h", Params{Dependencies: []Dependency{{Name: "x", Provider: &Provider{}}}}, uerrors.ErrInvalidProvider},
		{"both funcs", "h", Params{Dependencies: []Dependency{{Name: "x", Provider: &Provider{Call: noop, Acquire: acquire}}}}, uerrors.ErrInvalidProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.handle, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("Build error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNestedMissingValueNamesProvider(t *testing.T) {
	needsDB := &Provider{Name: "repo", Params: Params{Required: []string{"dsn"}},
		Call: func(context.Context, Args) (any, error) { return nil, nil }}
	d, err := Build("handle", Params{Dependencies: []Dependency{{Name: "repo", Provider: needsDB}}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = d.Resolve(context.Background(), NewStack(), Args{})
	var missing *uerrors.MissingContextValueError
	if !errors.As(err, &missing) || missing.Provider != "repo" || missing.Param != "dsn" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestAsDecodesRawJSON(t *testing.T) {
	args := Args{
		"x":    jsoncodec.RawMessage(`3`),
		"name": "math",
		"obj":  []byte(`{"a":1}`),
	}
	x, err := As[int](args, "x")
	if err != nil || x != 3 {
		t.Fatalf("As[int] = %d, %v", x, err)
	}
	name, err := As[string](args, "name")
	if err != nil || name != "math" {
		t.Fatalf("As[string] = %q, %v", name, err)
	}
	obj, err := As[map[string]int](args, "obj")
	if err != nil || obj["a"] != 1 {
		t.Fatalf("As[map] = %v, %v", obj, err)
	}
	if _, err := As[int](args, "name"); err == nil {
		t.Fatal("expected type mismatch error")
	}
	if _, err := As[int](args, "missing"); err == nil {
		t.Fatal("expected missing argument error")
	}
}
