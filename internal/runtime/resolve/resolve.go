// Package resolve compiles the call-time parameter graph of a handler and
// resolves it for every invocation.
//
// A handler declares the parameters it needs up front: names that the
// invocation context supplies directly (Required) and names produced by
// dependency providers (Dependencies). Providers declare their own
// parameters the same way, so the graph is resolved depth-first. Providers
// that hold a resource (Acquire) register a release function on the
// invocation's Stack; the stack runs every release exactly once, newest
// first, when the invocation is over.
package resolve

import (
	"context"
	"errors"
	"fmt"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
)

// Args maps parameter names to the values resolved for one invocation.
type Args map[string]any

// Get returns the value bound to name.
func (a Args) Get(name string) (any, bool) {
	v, ok := a[name]
	return v, ok
}

type (
	CallFunc    func(ctx context.Context, args Args) (any, error)
	AcquireFunc func(ctx context.Context, args Args) (any, ReleaseFunc, error)
	ReleaseFunc func(ctx context.Context) error
	HandlerFunc func(ctx context.Context, args Args) (any, error)
)

// Params declares what a handler or provider needs at call time.
type Params struct {
	// Required names values taken from the invocation context.
	Required []string
	// Dependencies names values produced by providers.
	Dependencies []Dependency
}

// Dependency binds a parameter name to the provider producing its value.
type Dependency struct {
	Name     string
	Provider *Provider
}

// Provider produces a dependency value. Exactly one of Call and Acquire must
// be set: Call for plain values, Acquire for scoped resources that need a
// release once the invocation completes.
type Provider struct {
	Name    string
	Params  Params
	Call    CallFunc
	Acquire AcquireFunc
}

// Scoped reports whether the provider holds a resource across the invocation.
func (p *Provider) Scoped() bool { return p != nil && p.Acquire != nil }

// Descriptor is the compiled, immutable parameter graph of one handler or
// provider.
type Descriptor struct {
	name     string
	required []string
	deps     []compiledDependency
}

type compiledDependency struct {
	name     string
	provider *Provider
	params   *Descriptor
}

// Name returns the handler or provider name the descriptor was built for.
func (d *Descriptor) Name() string { return d.name }

// Required returns the context value names the whole graph needs, in
// first-seen order.
func (d *Descriptor) Required() []string {
	seen := map[string]struct{}{}
	var out []string
	var walk func(*Descriptor)
	walk = func(desc *Descriptor) {
		for _, dep := range desc.deps {
			walk(dep.params)
		}
		for _, name := range desc.required {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	walk(d)
	return out
}

// Build validates params and compiles them into a Descriptor. It fails on
// empty or duplicate parameter names, invalid providers and dependency cycles.
func Build(name string, params Params) (*Descriptor, error) {
	if name == "" {
		return nil, uerrors.ErrHandlerNameRequired
	}
	b := &builder{
		compiled: map[*Provider]*Descriptor{},
		visiting: map[*Provider]bool{},
	}
	return b.compile(name, params, []string{name})
}

type builder struct {
	compiled map[*Provider]*Descriptor
	visiting map[*Provider]bool
}

func (b *builder) compile(name string, params Params, path []string) (*Descriptor, error) {
	desc := &Descriptor{name: name}
	seen := map[string]struct{}{}
	claim := func(param string) error {
		if param == "" {
			return fmt.Errorf("%w: %s declares an empty parameter name", uerrors.ErrInvalidProvider, name)
		}
		if _, dup := seen[param]; dup {
			return fmt.Errorf("%w: %s declares parameter %q twice", uerrors.ErrInvalidProvider, name, param)
		}
		seen[param] = struct{}{}
		return nil
	}

	for _, param := range params.Required {
		if err := claim(param); err != nil {
			return nil, err
		}
		desc.required = append(desc.required, param)
	}
	for _, dep := range params.Dependencies {
		if err := claim(dep.Name); err != nil {
			return nil, err
		}
		sub, err := b.provider(dep, path)
		if err != nil {
			return nil, err
		}
		desc.deps = append(desc.deps, compiledDependency{name: dep.Name, provider: dep.Provider, params: sub})
	}
	return desc, nil
}

func (b *builder) provider(dep Dependency, path []string) (*Descriptor, error) {
	p := dep.Provider
	if p == nil {
		return nil, fmt.Errorf("%w: parameter %q has no provider", uerrors.ErrInvalidProvider, dep.Name)
	}
	if (p.Call == nil) == (p.Acquire == nil) {
		return nil, fmt.Errorf("%w: provider %q must set exactly one of Call or Acquire", uerrors.ErrInvalidProvider, providerName(p, dep.Name))
	}
	next := append(append([]string(nil), path...), providerName(p, dep.Name))
	if b.visiting[p] {
		return nil, &uerrors.DependencyCycleError{Path: cyclePath(next)}
	}
	if desc, ok := b.compiled[p]; ok {
		return desc, nil
	}
	b.visiting[p] = true
	desc, err := b.compile(providerName(p, dep.Name), p.Params, next)
	delete(b.visiting, p)
	if err != nil {
		return nil, err
	}
	b.compiled[p] = desc
	return desc, nil
}

// cyclePath trims the leading part of path that is not part of the cycle.
func cyclePath(path []string) []string {
	last := path[len(path)-1]
	for i := 0; i < len(path)-1; i++ {
		if path[i] == last {
			return path[i:]
		}
	}
	return path
}

func providerName(p *Provider, param string) string {
	if p.Name != "" {
		return p.Name
	}
	return param
}

// Resolve produces the arguments for one invocation. values holds the
// invocation context. Releases of scoped providers are pushed onto stack;
// the caller must close it whatever the outcome.
func (d *Descriptor) Resolve(ctx context.Context, stack *Stack, values Args) (Args, error) {
	for _, name := range d.required {
		if _, ok := values[name]; !ok {
			return nil, &uerrors.MissingContextValueError{Param: name, Provider: d.name}
		}
	}

	args := make(Args, len(d.required)+len(d.deps))
	for _, dep := range d.deps {
		v, err := dep.resolve(ctx, stack, values)
		if err != nil {
			return nil, err
		}
		args[dep.name] = v
	}
	// context values win over dependency outputs
	for _, name := range d.required {
		args[name] = values[name]
	}
	return args, nil
}

func (c compiledDependency) resolve(ctx context.Context, stack *Stack, values Args) (any, error) {
	args, err := c.params.Resolve(ctx, stack, values)
	if err != nil {
		return nil, err
	}
	if c.provider.Acquire == nil {
		v, err := c.provider.Call(ctx, args)
		if err != nil {
			return nil, c.wrap(err)
		}
		return v, nil
	}
	v, release, err := c.provider.Acquire(ctx, args)
	if err != nil {
		return nil, c.wrap(err)
	}
	if release != nil {
		stack.Push(release)
	}
	return v, nil
}

func (c compiledDependency) wrap(err error) error {
	var nested *uerrors.DependencyResolutionError
	if errors.As(err, &nested) {
		return err
	}
	return &uerrors.DependencyResolutionError{Provider: c.params.name, Param: c.name, Err: err}
}

// Invoke resolves d, calls fn and closes the invocation stack. Release
// failures are joined into the returned error.
func Invoke(ctx context.Context, d *Descriptor, values Args, fn HandlerFunc) (result any, err error) {
	stack := NewStack()
	defer func() {
		if cerr := stack.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	args, err := d.Resolve(ctx, stack, values)
	if err != nil {
		return nil, err
	}
	return fn(ctx, args)
}
