package eventproc

import (
	"context"
	"time"
)

// OnMatchFunc is called after filters are evaluated and narrowed to the
// highest rank, with the names of the remaining processors.
type OnMatchFunc func(ctx context.Context, invocationID string, processors []string)

// OnDispatchFunc is called just before a processor runs.
type OnDispatchFunc func(ctx context.Context, processor string)

// OnSuccessFunc is called after a processor completes successfully.
type OnSuccessFunc func(ctx context.Context, processor string, duration time.Duration)

// OnFailureFunc is called after a processor fails, whether or not the error
// strategy captures the error.
type OnFailureFunc func(ctx context.Context, processor string, err error, duration time.Duration)

// OnNoProcessorFunc is called when no filter matches the event. Invoke
// returns ErrNoProcessor afterwards regardless.
type OnNoProcessorFunc func(ctx context.Context, ev any)

// OnAmbiguousFunc is called when several processors of the same rank match
// and the invocation strategy refuses to pick one.
type OnAmbiguousFunc func(ctx context.Context, processors []string)

// hooks holds all configured hook functions.
type hooks struct {
	onMatch       []OnMatchFunc
	onDispatch    []OnDispatchFunc
	onSuccess     []OnSuccessFunc
	onFailure     []OnFailureFunc
	onNoProcessor []OnNoProcessorFunc
	onAmbiguous   []OnAmbiguousFunc
}

// WithOnMatch adds a hook called with the rank-narrowed matches.
// Multiple hooks are called in order.
//
// Example:
//
//	eventproc.WithOnMatch(func(ctx context.Context, id string, processors []string) {
//	    logger.Debug("matched", zap.String("invocation_id", id), zap.Strings("processors", processors))
//	})
func WithOnMatch(fn OnMatchFunc) Option {
	return func(p *Processor) {
		p.hooks.onMatch = append(p.hooks.onMatch, fn)
	}
}

// WithOnDispatch adds a hook called just before a processor runs.
// Multiple hooks are called in order.
func WithOnDispatch(fn OnDispatchFunc) Option {
	return func(p *Processor) {
		p.hooks.onDispatch = append(p.hooks.onDispatch, fn)
	}
}

// WithOnSuccess adds a hook called after a processor completes successfully.
// Multiple hooks are called in order.
//
// Example:
//
//	eventproc.WithOnSuccess(func(ctx context.Context, processor string, d time.Duration) {
//	    metrics.Timing("eventproc.success", d, "processor:"+processor)
//	})
func WithOnSuccess(fn OnSuccessFunc) Option {
	return func(p *Processor) {
		p.hooks.onSuccess = append(p.hooks.onSuccess, fn)
	}
}

// WithOnFailure adds a hook called after a processor fails.
// Multiple hooks are called in order.
func WithOnFailure(fn OnFailureFunc) Option {
	return func(p *Processor) {
		p.hooks.onFailure = append(p.hooks.onFailure, fn)
	}
}

// WithOnNoProcessor adds a hook called when no filter matches an event.
// The hook observes the miss; it cannot turn it into a success.
func WithOnNoProcessor(fn OnNoProcessorFunc) Option {
	return func(p *Processor) {
		p.hooks.onNoProcessor = append(p.hooks.onNoProcessor, fn)
	}
}

// WithOnAmbiguous adds a hook called when NoMatches or NoMatchesStrict
// declines several equal-rank matches.
func WithOnAmbiguous(fn OnAmbiguousFunc) Option {
	return func(p *Processor) {
		p.hooks.onAmbiguous = append(p.hooks.onAmbiguous, fn)
	}
}

func (p *Processor) callOnMatch(ctx context.Context, invocationID string, processors []string) {
	for _, fn := range p.hooks.onMatch {
		fn(ctx, invocationID, processors)
	}
}

func (p *Processor) callOnDispatch(ctx context.Context, processor string) {
	for _, fn := range p.hooks.onDispatch {
		fn(ctx, processor)
	}
}

func (p *Processor) callOnSuccess(ctx context.Context, processor string, d time.Duration) {
	for _, fn := range p.hooks.onSuccess {
		fn(ctx, processor, d)
	}
}

func (p *Processor) callOnFailure(ctx context.Context, processor string, err error, d time.Duration) {
	for _, fn := range p.hooks.onFailure {
		fn(ctx, processor, err, d)
	}
}

func (p *Processor) callOnNoProcessor(ctx context.Context, ev any) {
	for _, fn := range p.hooks.onNoProcessor {
		fn(ctx, ev)
	}
}

func (p *Processor) callOnAmbiguous(ctx context.Context, processors []string) {
	for _, fn := range p.hooks.onAmbiguous {
		fn(ctx, processors)
	}
}
