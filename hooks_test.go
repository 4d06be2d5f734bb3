package eventproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type HooksSuite struct {
	suite.Suite
	ctx context.Context
}

func TestHooksSuite(t *testing.T) {
	suite.Run(t, new(HooksSuite))
}

func (s *HooksSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *HooksSuite) TestOnMatchReceivesNarrowedProcessors() {
	var (
		gotID    string
		gotNames []string
	)

	p := New(WithOnMatch(func(_ context.Context, id string, processors []string) {
		gotID = id
		gotNames = processors
	}))
	p.MustRegister(Exists("a"), returning(1), Named("exists"))
	p.MustRegister(Accept(), returning(2), Named("fallback"), Rank(-1))

	_, err := p.Invoke(s.ctx, Event{"a": 1})

	s.Require().NoError(err)
	s.Assert().NotEmpty(gotID)
	s.Assert().Equal([]string{"exists"}, gotNames)
}

func (s *HooksSuite) TestOnMatchIDsDifferPerInvocation() {
	var ids []string

	p := New(WithOnMatch(func(_ context.Context, id string, _ []string) {
		ids = append(ids, id)
	}))
	p.MustRegister(Accept(), returning(1))

	for i := 0; i < 2; i++ {
		_, err := p.Invoke(s.ctx, Event{})
		s.Require().NoError(err)
	}

	s.Require().Len(ids, 2)
	s.Assert().NotEqual(ids[0], ids[1])
}

func (s *HooksSuite) TestHooksCalledInOrder() {
	var order []string

	p := New(
		WithOnDispatch(func(context.Context, string) { order = append(order, "first") }),
		WithOnDispatch(func(context.Context, string) { order = append(order, "second") }),
		WithOnDispatch(func(context.Context, string) { order = append(order, "third") }),
	)
	p.MustRegister(Accept(), returning(1))

	_, err := p.Invoke(s.ctx, Event{})

	s.Require().NoError(err)
	s.Assert().Equal([]string{"first", "second", "third"}, order)
}

func (s *HooksSuite) TestOnSuccessCalledPerProcessor() {
	var (
		processors []string
		durations  []time.Duration
	)

	p := New(
		WithInvocationStrategy(AllMatches{}),
		WithOnSuccess(func(_ context.Context, processor string, d time.Duration) {
			processors = append(processors, processor)
			durations = append(durations, d)
		}),
	)
	p.MustRegister(Exists("a"), returning(1), Named("one"))
	p.MustRegister(Eq("a", 1), returning(2), Named("two"))

	_, err := p.Invoke(s.ctx, Event{"a": 1})

	s.Require().NoError(err)
	s.Assert().Equal([]string{"one", "two"}, processors)
	for _, d := range durations {
		s.Assert().GreaterOrEqual(d, time.Duration(0))
	}
}

func (s *HooksSuite) TestOnFailureCalledForCapturedAndBubbledErrors() {
	errBoom := errors.New("boom")

	for _, strategy := range []ErrorStrategy{Bubble{}, Capture{}} {
		var (
			failed    string
			failedErr error
			succeeded bool
		)

		p := New(
			WithErrorStrategy(strategy),
			WithOnFailure(func(_ context.Context, processor string, err error, _ time.Duration) {
				failed = processor
				failedErr = err
			}),
			WithOnSuccess(func(context.Context, string, time.Duration) {
				succeeded = true
			}),
		)
		p.MustRegister(Accept(), failing(errBoom), Named("broken"))

		_, _ = p.Invoke(s.ctx, Event{})

		s.Assert().Equal("broken", failed, "strategy %T", strategy)
		s.Assert().ErrorIs(failedErr, errBoom, "strategy %T", strategy)
		s.Assert().False(succeeded, "strategy %T", strategy)
	}
}

func (s *HooksSuite) TestOnNoProcessorReceivesEvent() {
	var got any

	p := New(WithOnNoProcessor(func(_ context.Context, ev any) {
		got = ev
	}))
	p.MustRegister(Exists("a"), returning(1))

	ev := Event{"b": 2}
	_, err := p.Invoke(s.ctx, ev)

	s.Assert().ErrorIs(err, ErrNoProcessor)
	s.Assert().Equal(ev, got)
}

func (s *HooksSuite) TestOnAmbiguousForNoMatches() {
	var got []string

	p := New(
		WithInvocationStrategy(NoMatches{}),
		WithOnAmbiguous(func(_ context.Context, processors []string) {
			got = processors
		}),
	)
	p.MustRegister(Exists("a"), returning(1), Named("one"))
	p.MustRegister(Eq("a", 1), returning(2), Named("two"))

	out, err := p.Invoke(s.ctx, Event{"a": 1})

	s.Require().NoError(err)
	s.Assert().Equal(ShapeNone, out.Shape)
	s.Assert().Equal([]string{"one", "two"}, got)
}

func (s *HooksSuite) TestOnAmbiguousForNoMatchesStrict() {
	called := false

	p := New(
		WithInvocationStrategy(NoMatchesStrict{}),
		WithOnAmbiguous(func(context.Context, []string) {
			called = true
		}),
	)
	p.MustRegister(Exists("a"), returning(1))
	p.MustRegister(Eq("a", 1), returning(2))

	_, err := p.Invoke(s.ctx, Event{"a": 1})

	s.Assert().ErrorIs(err, ErrAmbiguous)
	s.Assert().True(called)
}

func (s *HooksSuite) TestNoDispatchWithoutPlannedProcessors() {
	dispatched := 0

	p := New(
		WithInvocationStrategy(NoMatches{}),
		WithOnDispatch(func(context.Context, string) { dispatched++ }),
	)
	p.MustRegister(Exists("a"), returning(1))
	p.MustRegister(Eq("a", 1), returning(2))

	_, err := p.Invoke(s.ctx, Event{"a": 1})

	s.Require().NoError(err)
	s.Assert().Zero(dispatched)
}
