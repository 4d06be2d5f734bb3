package eventproc

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Matches returns the processors whose filters match ev, narrowed to the
// highest rank among them, in registration order. It calls no handler.
//
// A lower-ranked match is never returned alongside a higher-ranked one, even
// when it was registered first.
func (p *Processor) Matches(ctx context.Context, ev any) ([]*Entry, error) {
	return p.match(ctx, p.logger, newScope(ev, p.factories))
}

func (p *Processor) match(ctx context.Context, logger *zap.Logger, s *scope) ([]*Entry, error) {
	var matched []*Entry
	for _, e := range p.entries {
		ok, err := p.evaluate(ctx, logger, s, e)
		if err != nil {
			if !p.errs.Captures(err) {
				return nil, errors.Wrapf(err, "evaluate filter of %q", e.Name)
			}
			logger.Warn("filter evaluation failed, treated as no match",
				zap.String("processor", e.Name),
				zap.Error(err),
			)
			continue
		}
		if ok {
			matched = append(matched, e)
		}
	}
	return narrow(matched), nil
}

// evaluate runs e's filter. Dyn resolvers are user code, so panics are
// recovered here as they are in run.
func (p *Processor) evaluate(ctx context.Context, logger *zap.Logger, s *scope, e *Entry) (ok bool, err error) {
	if p.recoverPanics {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("filter panicked",
					zap.String("processor", e.Name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				ok, err = false, &panicError{value: r}
			}
		}()
	}
	return evaluate(ctx, e.Filter, s)
}

// narrow keeps the entries carrying the maximum rank, preserving order.
func narrow(matched []*Entry) []*Entry {
	if len(matched) == 0 {
		return nil
	}
	top := matched[0].Rank
	for _, e := range matched[1:] {
		top = max(top, e.Rank)
	}

	out := make([]*Entry, 0, len(matched))
	for _, e := range matched {
		if e.Rank == top {
			out = append(out, e)
		}
	}
	return out
}

// filterDeps collects the provider dependencies of Dyn filters in f.
func filterDeps(f Filter) []Dep {
	switch v := f.(type) {
	case dyn:
		return []Dep{Depends(v.provider)}
	case and:
		return operandDeps(v.fs)
	case or:
		return operandDeps(v.fs)
	case not:
		return filterDeps(v.f)
	}
	return nil
}

func operandDeps(fs []Filter) []Dep {
	var deps []Dep
	for _, f := range fs {
		deps = append(deps, filterDeps(f)...)
	}
	return deps
}
