package eventproc

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bjaus/eventproc/observability"
)

// Entry is one registered processor. Entries are immutable once registered.
type Entry struct {
	// Name identifies the processor in results, hooks, logs and metrics.
	Name string

	// Filter selects the events the processor handles.
	Filter Filter

	// Rank breaks ties between matching filters: higher wins. Negative ranks
	// suit catch-all processors.
	Rank int

	handler Handler
	pre     PreProcessor
	deps    []Dep
}

// RegisterOption configures a processor at registration time.
type RegisterOption func(*Entry)

// Rank sets the processor's rank. The default is 0.
func Rank(rank int) RegisterOption {
	return func(e *Entry) {
		e.Rank = rank
	}
}

// Named sets the processor's name. By default the name is derived from the
// handler's function or type name.
func Named(name string) RegisterOption {
	return func(e *Entry) {
		e.Name = name
	}
}

// PreProcess transforms the event before the handler sees it.
func PreProcess(pre PreProcessor) RegisterOption {
	return func(e *Entry) {
		e.pre = pre
	}
}

// Deps declares the processor's injected dependencies. Repeated calls
// append.
func Deps(deps ...Dep) RegisterOption {
	return func(e *Entry) {
		e.deps = append(e.deps, deps...)
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithInvocationStrategy sets how rank-narrowed matches are called. The
// default is FirstMatch.
func WithInvocationStrategy(s InvocationStrategy) Option {
	return func(p *Processor) {
		p.invocation = s
	}
}

// WithErrorStrategy sets how processor errors are handled. The default is
// Bubble.
func WithErrorStrategy(s ErrorStrategy) Option {
	return func(p *Processor) {
		p.errs = s
	}
}

// WithLogger sets the processor's logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics records invocation and processor metrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithTracing wraps invocations and processor calls in spans.
func WithTracing(s observability.SpanManager) Option {
	return func(p *Processor) {
		p.spans = s
	}
}

// WithRecoverPanics turns processor panics into KindPanic errors, which then
// go through the error strategy like any other processor error.
func WithRecoverPanics(recoverPanics bool) Option {
	return func(p *Processor) {
		p.recoverPanics = recoverPanics
	}
}

// Processor holds registered processors and dependency factories and
// dispatches events to them.
//
// Usage:
//  1. Create a processor with New
//  2. Register dependency factories with RegisterFactory
//  3. Register processors with Register, or Merge sub-processors
//  4. Dispatch events with Invoke
//
// Processor is safe for concurrent use after configuration. Do not call
// Register, RegisterFactory or Merge after calling Invoke.
type Processor struct {
	entries   []*Entry
	factories map[string]Factory

	invocation    InvocationStrategy
	errs          ErrorStrategy
	recoverPanics bool

	hooks   hooks
	logger  *zap.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// New creates a Processor with the given options.
//
// Example:
//
//	p := eventproc.New(
//	    eventproc.WithInvocationStrategy(eventproc.AllMatches{}),
//	    eventproc.WithErrorStrategy(eventproc.Capture{}),
//	    eventproc.WithLogger(logger),
//	)
func New(opts ...Option) *Processor {
	p := &Processor{
		factories:  make(map[string]Factory),
		invocation: FirstMatch{},
		errs:       Bubble{},
		logger:     zap.NewNop(),
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a processor for events matching f.
//
// It fails with ErrDuplicateFilter when an equal filter is already
// registered, and with ErrUnknownFactory when a declared dependency, or a
// dependency of a Dyn filter's provider, names a factory that has not been
// registered yet.
//
// Example:
//
//	p.Register(eventproc.Eq("action", "login"), eventproc.HandlerFunc(login),
//	    eventproc.PreProcess(eventproc.Bind[LoginRequest]()),
//	    eventproc.Deps(eventproc.FactoryDep("sql", "accounts")),
//	)
//	p.Register(eventproc.Accept(), eventproc.HandlerFunc(unknownAction), eventproc.Rank(-1))
func (p *Processor) Register(f Filter, h Handler, opts ...RegisterOption) (*Entry, error) {
	if f == nil || h == nil {
		return nil, errors.Wrap(ErrInvalidRegistration, "filter and handler are required")
	}
	if err := checkFilter(f); err != nil {
		return nil, err
	}

	e := &Entry{Filter: f, handler: h}
	for _, opt := range opts {
		opt(e)
	}
	if e.Name == "" {
		e.Name = handlerName(h)
	}

	if dup := p.find(f); dup != nil {
		return nil, errors.Wrapf(ErrDuplicateFilter, "processor %q has the same filter as %q", e.Name, dup.Name)
	}
	seen := make(map[*Provider]bool)
	if err := checkFactories(e.deps, p.factories, seen); err != nil {
		return nil, errors.Wrapf(err, "processor %q", e.Name)
	}
	if err := checkFactories(filterDeps(f), p.factories, seen); err != nil {
		return nil, errors.Wrapf(err, "filter of processor %q", e.Name)
	}

	p.entries = append(p.entries, e)
	p.logger.Info("register processor",
		zap.String("processor", e.Name),
		zap.Int("rank", e.Rank),
		zap.Int("deps", len(e.deps)),
	)
	return e, nil
}

// MustRegister is like Register but panics on configuration errors. Use it
// in setup code where a bad registration is a programming error.
func (p *Processor) MustRegister(f Filter, h Handler, opts ...RegisterOption) *Entry {
	e, err := p.Register(f, h, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// RegisterFactory registers a dependency factory under name. Registering
// the same name twice fails with ErrDuplicateFactory.
func (p *Processor) RegisterFactory(name string, f Factory) error {
	if name == "" || f == nil {
		return errors.Wrap(ErrInvalidRegistration, "factory name and function are required")
	}
	if _, ok := p.factories[name]; ok {
		return errors.Wrapf(ErrDuplicateFactory, "factory %q", name)
	}
	p.factories[name] = f
	p.logger.Info("register factory", zap.String("factory", name))
	return nil
}

// Merge absorbs the processors and factories of sub, which keeps its
// registration order after the processors already registered.
//
// A filter present in both processors fails the whole merge with
// ErrDuplicateFilter and leaves p unchanged. Factory names present in both
// keep p's factory; sub's is silently ignored.
func (p *Processor) Merge(sub *Processor) error {
	if sub == nil {
		return errors.Wrap(ErrInvalidRegistration, "nil sub-processor")
	}
	for _, e := range sub.entries {
		if dup := p.find(e.Filter); dup != nil {
			return errors.Wrapf(ErrDuplicateFilter, "sub-processor %q has the same filter as %q", e.Name, dup.Name)
		}
	}

	for name, f := range sub.factories {
		if _, ok := p.factories[name]; ok {
			p.logger.Debug("keep existing factory on merge", zap.String("factory", name))
			continue
		}
		p.factories[name] = f
	}
	p.entries = append(p.entries, sub.entries...)

	p.logger.Info("merge sub-processor", zap.Int("processors", len(sub.entries)))
	return nil
}

// Entries returns the registered processors in registration order.
func (p *Processor) Entries() []*Entry {
	out := make([]*Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Processor) find(f Filter) *Entry {
	for _, e := range p.entries {
		if e.Filter.Equal(f) {
			return e
		}
	}
	return nil
}

// Invoke selects the processor(s) for ev and calls them.
//
// The processing flow:
//  1. Evaluate every filter in registration order
//  2. Keep the matches with the highest rank
//  3. Let the invocation strategy pick which of them to call
//  4. For each, resolve dependencies, pre-process the event and call the
//     handler under the error strategy
//
// Invoke returns ErrNoProcessor when no filter matches, whatever the
// strategies. A NoMatches strategy that declines several matches yields a
// ShapeNone outcome and no error.
func (p *Processor) Invoke(ctx context.Context, ev any) (Outcome, error) {
	id := uuid.NewString()
	start := time.Now()

	ctx, span := p.spans.StartInvokeSpan(ctx, id)
	out, err := p.invoke(ctx, id, ev)
	duration := time.Since(start)
	p.spans.EndSpanWithError(span, err)
	p.metrics.RecordInvocation(ctx, out.Shape.String(), duration, err)

	return out, err
}

func (p *Processor) invoke(ctx context.Context, id string, ev any) (Outcome, error) {
	logger := p.logger.With(zap.String("invocation_id", id))
	s := newScope(ev, p.factories)

	matches, err := p.match(ctx, logger, s)
	if err != nil {
		return Outcome{}, err
	}
	if len(matches) == 0 {
		logger.Debug("no matching processor")
		p.spans.AddSpanEvent(ctx, "no_processor")
		p.callOnNoProcessor(ctx, ev)
		return Outcome{}, errors.WithStack(ErrNoProcessor)
	}

	names := entryNames(matches)
	p.spans.AddSpanEvent(ctx, "matched", attribute.StringSlice("processors", names))
	p.callOnMatch(ctx, id, names)

	plan, err := p.invocation.Plan(matches)
	if err != nil {
		if errors.Is(err, ErrAmbiguous) {
			p.spans.AddSpanEvent(ctx, "ambiguous")
			p.callOnAmbiguous(ctx, names)
		}
		return Outcome{}, err
	}
	if plan.Shape == ShapeNone && len(matches) > 1 {
		logger.Debug("ambiguous match suppressed", zap.Strings("processors", names))
		p.spans.AddSpanEvent(ctx, "ambiguous")
		p.callOnAmbiguous(ctx, names)
	}

	out := Outcome{Shape: plan.Shape, Results: make([]Result, 0, len(plan.Entries))}
	for _, e := range plan.Entries {
		res, err := p.call(ctx, logger, s, e)
		if err != nil {
			return Outcome{}, err
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

// call runs one processor under the error strategy.
func (p *Processor) call(ctx context.Context, logger *zap.Logger, s *scope, e *Entry) (Result, error) {
	ctx, span := p.spans.StartProcessorSpan(ctx, e.Name, e.Rank)
	p.callOnDispatch(ctx, e.Name)
	logger.Debug("dispatch", zap.String("processor", e.Name))

	start := time.Now()
	v, err := p.run(ctx, logger, s, e)
	duration := time.Since(start)
	p.spans.EndSpanWithError(span, err)

	if err == nil {
		p.metrics.RecordProcessor(ctx, e.Name, duration, nil, false)
		p.callOnSuccess(ctx, e.Name, duration)
		return Result{Value: v, Processor: e.Name}, nil
	}

	captured := p.errs.Captures(err)
	p.metrics.RecordProcessor(ctx, e.Name, duration, err, captured)
	p.callOnFailure(ctx, e.Name, err, duration)
	if !captured {
		return Result{}, err
	}
	logger.Warn("processor failed, error captured",
		zap.String("processor", e.Name),
		zap.String("kind", KindOf(err).String()),
		zap.Error(err),
	)
	return Result{Processor: e.Name, Err: err}, nil
}

func (p *Processor) run(ctx context.Context, logger *zap.Logger, s *scope, e *Entry) (v any, err error) {
	if p.recoverPanics {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("processor panicked",
					zap.String("processor", e.Name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				v, err = nil, &panicError{value: r}
			}
		}()
	}

	deps, _, err := s.resolve(ctx, e.deps)
	if err != nil {
		return nil, err
	}

	in := s.event
	if e.pre != nil {
		if in, err = e.pre(ctx, s.event, deps); err != nil {
			return nil, err
		}
	}
	return e.handler.Handle(ctx, in, deps)
}

func entryNames(entries []*Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// handlerName derives a processor name from the handler's function or type.
func handlerName(h Handler) string {
	if hf, ok := h.(HandlerFunc); ok {
		if fn := runtime.FuncForPC(reflect.ValueOf(hf).Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", h)
}
