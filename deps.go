package eventproc

import (
	"context"

	"github.com/pkg/errors"
)

// Args holds resolved dependencies in the order they were declared.
type Args []any

// At returns the i-th resolved dependency, or nil when i is out of range.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// ArgAs returns the i-th resolved dependency converted to T.
//
//	db, err := eventproc.ArgAs[*sql.DB](args, 0)
func ArgAs[T any](args Args, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, WithKind(errors.Errorf("dependency %d out of range (have %d)", i, len(args)), KindDependency)
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, WithKind(errors.Errorf("dependency %d is %T, not %T", i, args[i], zero), KindDependency)
	}
	return v, nil
}

type depKind int

const (
	depEvent depKind = iota
	depProvider
	depFactory
)

// Dep declares one injected value. Build Deps with EventDep, Depends,
// DependsFresh and FactoryDep; the declaration order is the order of Args.
type Dep struct {
	kind     depKind
	provider *Provider
	fresh    bool
	factory  string
	args     []string
}

// EventDep injects the raw event passed to Invoke, before any
// pre-processing.
func EventDep() Dep {
	return Dep{kind: depEvent}
}

// Depends injects the value produced by p. Within one Invoke call p runs at
// most once; every other declaration of Depends(p) observes the same value.
func Depends(p *Provider) Dep {
	return Dep{kind: depProvider, provider: p}
}

// DependsFresh injects the value produced by p without caching: p runs again
// for this declaration even if it already ran in the same Invoke call.
func DependsFresh(p *Provider) Dep {
	return Dep{kind: depProvider, provider: p, fresh: true}
}

// FactoryDep injects one resource per argument, each obtained by calling the
// factory registered under name with that argument:
//
//	eventproc.FactoryDep("sql", "accounts", "audit") // two Args
func FactoryDep(name string, args ...string) Dep {
	return Dep{kind: depFactory, factory: name, args: args}
}

// size is the number of Args the declaration contributes.
func (d Dep) size() int {
	if d.kind == depFactory {
		return len(d.args)
	}
	return 1
}

// ProviderFunc computes a dependency value from its own resolved
// dependencies.
type ProviderFunc func(ctx context.Context, args Args) (any, error)

// Provider is a named dependency provider. Providers are identified by
// pointer: the per-invocation cache and Dyn filter equality both key on the
// *Provider, never on the function it wraps.
type Provider struct {
	name string
	fn   ProviderFunc
	deps []Dep
}

// NewProvider builds a provider. deps are resolved before fn runs and passed
// to it as Args.
//
//	session := eventproc.NewProvider("session", func(ctx context.Context, args eventproc.Args) (any, error) {
//	    return openSession(ctx)
//	})
func NewProvider(name string, fn ProviderFunc, deps ...Dep) *Provider {
	return &Provider{name: name, fn: fn, deps: deps}
}

// Name returns the provider's name.
func (p *Provider) Name() string { return p.name }

// Factory builds a named external resource, typically a client or a
// connection, from a caller-supplied argument. Factories return an error
// wrapping ErrUnsupportedResource for arguments they do not recognize.
type Factory func(ctx context.Context, arg string) (any, error)

type factoryKey struct {
	name string
	arg  string
}

// scope resolves dependencies for one Invoke call. It is never shared
// between calls.
type scope struct {
	event     any
	factories map[string]Factory

	providers map[*Provider]any
	resources map[factoryKey]any
	resolving map[*Provider]bool
}

func newScope(ev any, factories map[string]Factory) *scope {
	return &scope{
		event:     ev,
		factories: factories,
		providers: make(map[*Provider]any),
		resources: make(map[factoryKey]any),
		resolving: make(map[*Provider]bool),
	}
}

// resolve produces Args for deps. The boolean result is false when any
// value came from a fresh provider, directly or transitively.
func (s *scope) resolve(ctx context.Context, deps []Dep) (Args, bool, error) {
	n := 0
	for _, d := range deps {
		n += d.size()
	}
	args := make(Args, 0, n)
	cacheable := true

	for _, d := range deps {
		switch d.kind {
		case depEvent:
			args = append(args, s.event)
		case depProvider:
			v, ok, err := s.provide(ctx, d.provider, d.fresh)
			if err != nil {
				return nil, false, err
			}
			cacheable = cacheable && ok
			args = append(args, v)
		case depFactory:
			for _, arg := range d.args {
				v, err := s.resource(ctx, d.factory, arg)
				if err != nil {
					return nil, false, err
				}
				args = append(args, v)
			}
		}
	}
	return args, cacheable, nil
}

func (s *scope) provide(ctx context.Context, p *Provider, fresh bool) (any, bool, error) {
	if p == nil || p.fn == nil {
		return nil, false, errors.Wrap(ErrInvalidRegistration, "provider without function")
	}
	if !fresh {
		if v, ok := s.providers[p]; ok {
			return v, true, nil
		}
	}
	if s.resolving[p] {
		return nil, false, errors.Wrapf(ErrCyclicDependency, "provider %q", p.name)
	}
	s.resolving[p] = true
	defer delete(s.resolving, p)

	args, cacheable, err := s.resolve(ctx, p.deps)
	if err != nil {
		return nil, false, err
	}
	v, err := p.fn(ctx, args)
	if err != nil {
		return nil, false, errors.Wrapf(err, "provider %q", p.name)
	}

	cacheable = cacheable && !fresh
	if cacheable {
		s.providers[p] = v
	}
	return v, cacheable, nil
}

func (s *scope) resource(ctx context.Context, name, arg string) (any, error) {
	key := factoryKey{name: name, arg: arg}
	if v, ok := s.resources[key]; ok {
		return v, nil
	}
	f, ok := s.factories[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFactory, "factory %q", name)
	}
	v, err := f(ctx, arg)
	if err != nil {
		return nil, errors.Wrapf(err, "factory %q(%q)", name, arg)
	}
	s.resources[key] = v
	return v, nil
}

// checkFactories walks deps, including provider dependencies, and reports
// the first factory name missing from known.
func checkFactories(deps []Dep, known map[string]Factory, seen map[*Provider]bool) error {
	for _, d := range deps {
		switch d.kind {
		case depFactory:
			if _, ok := known[d.factory]; !ok {
				return errors.Wrapf(ErrUnknownFactory, "factory %q", d.factory)
			}
		case depProvider:
			if d.provider == nil {
				return errors.Wrap(ErrInvalidRegistration, "nil provider")
			}
			if seen[d.provider] {
				continue
			}
			seen[d.provider] = true
			if d.provider.fn == nil {
				return errors.Wrapf(ErrInvalidRegistration, "provider %q has no function", d.provider.name)
			}
			if err := checkFactories(d.provider.deps, known, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
