package eventproc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// returning builds a handler that returns value.
func returning(value any) HandlerFunc {
	return func(context.Context, any, Args) (any, error) {
		return value, nil
	}
}

// failing builds a handler that returns err.
func failing(err error) HandlerFunc {
	return func(context.Context, any, Args) (any, error) {
		return nil, err
	}
}

type recordingHandler struct {
	calls int
	in    any
	deps  Args
}

func (h *recordingHandler) Handle(_ context.Context, in any, deps Args) (any, error) {
	h.calls++
	h.in = in
	h.deps = deps
	return "recorded", nil
}

func TestProcessor_Register(t *testing.T) {
	t.Run("rejects identical filters", func(t *testing.T) {
		p := New()
		_, err := p.Register(Eq("a.b", 1), returning("first"))
		require.NoError(t, err)

		_, err = p.Register(Eq("a.b", 1), returning("second"), Named("other"))
		assert.ErrorIs(t, err, ErrDuplicateFilter)
		assert.Equal(t, KindConfig, KindOf(err))
		assert.Len(t, p.Entries(), 1)
	})

	t.Run("rejects structurally equal composite filters", func(t *testing.T) {
		p := New()
		p.MustRegister(And(Exists("a"), Lt("b", 3)), returning(1))

		_, err := p.Register(And(Exists("a"), Lt("b", 3)), returning(2))
		assert.ErrorIs(t, err, ErrDuplicateFilter)
	})

	t.Run("accepts different filters on the same path", func(t *testing.T) {
		p := New()
		p.MustRegister(Eq("a.b", 1), returning(1))
		_, err := p.Register(Exists("a.b"), returning(2), Rank(-1))
		assert.NoError(t, err)
	})

	t.Run("rejects unknown factories", func(t *testing.T) {
		p := New()
		_, err := p.Register(Accept(), returning(1), Deps(FactoryDep("clients", "db")))
		assert.ErrorIs(t, err, ErrUnknownFactory)
	})

	t.Run("rejects unknown factories behind providers", func(t *testing.T) {
		p := New()
		inner := NewProvider("inner", func(context.Context, Args) (any, error) { return nil, nil }, FactoryDep("clients", "db"))
		outer := NewProvider("outer", func(context.Context, Args) (any, error) { return nil, nil }, Depends(inner))

		_, err := p.Register(Accept(), returning(1), Deps(Depends(outer)))
		assert.ErrorIs(t, err, ErrUnknownFactory)
	})

	t.Run("rejects unknown factories behind dyn filters", func(t *testing.T) {
		p := New()
		check := NewProvider("check", func(context.Context, Args) (any, error) { return true, nil }, FactoryDep("clients", "db"))

		_, err := p.Register(Or(Exists("a"), Dyn(check)), returning(1))
		assert.ErrorIs(t, err, ErrUnknownFactory)
	})

	t.Run("rejects nil filter and handler", func(t *testing.T) {
		p := New()
		_, err := p.Register(nil, returning(1))
		assert.ErrorIs(t, err, ErrInvalidRegistration)
		_, err = p.Register(Accept(), nil)
		assert.ErrorIs(t, err, ErrInvalidRegistration)
	})

	t.Run("rejects nil operands in composite filters", func(t *testing.T) {
		p := New()
		p.MustRegister(And(Exists("a"), Exists("b")), returning(1))

		for name, f := range map[string]Filter{
			"and":        And(Exists("a"), nil),
			"or":         Or(nil, Exists("a")),
			"not":        Not(nil),
			"nested":     Or(Exists("c"), And(Not(nil))),
			"nil dyn":    Dyn(nil),
			"nested dyn": Not(Dyn(nil)),
		} {
			_, err := p.Register(f, returning(2))
			assert.ErrorIs(t, err, ErrInvalidRegistration, name)
		}

		assert.Len(t, p.entries, 1)
		assert.NotPanics(t, func() {
			_, err := p.Invoke(context.Background(), Event{"a": 1, "b": 2})
			assert.NoError(t, err)
		})
	})

	t.Run("must register panics on configuration errors", func(t *testing.T) {
		p := New()
		p.MustRegister(Accept(), returning(1))
		assert.Panics(t, func() { p.MustRegister(Accept(), returning(2)) })
	})

	t.Run("derives names from handlers", func(t *testing.T) {
		p := New()
		e := p.MustRegister(Exists("a"), &recordingHandler{})
		assert.Equal(t, "*eventproc.recordingHandler", e.Name)

		e = p.MustRegister(Exists("b"), HandlerFunc(namedHandler))
		assert.Contains(t, e.Name, "namedHandler")
	})
}

func namedHandler(context.Context, any, Args) (any, error) { return nil, nil }

func TestProcessor_RegisterFactory(t *testing.T) {
	factory := func(context.Context, string) (any, error) { return nil, nil }

	p := New()
	require.NoError(t, p.RegisterFactory("clients", factory))

	err := p.RegisterFactory("clients", factory)
	assert.ErrorIs(t, err, ErrDuplicateFactory)

	assert.ErrorIs(t, p.RegisterFactory("", factory), ErrInvalidRegistration)
}

func TestProcessor_Matches(t *testing.T) {
	ctx := context.Background()

	t.Run("returns only matching entries of the top rank", func(t *testing.T) {
		p := New()
		low := p.MustRegister(Accept(), returning("low"), Rank(-1))
		first := p.MustRegister(Exists("a"), returning("first"))
		p.MustRegister(Exists("b"), returning("b"))
		second := p.MustRegister(Eq("a", 1), returning("second"))

		matches, err := p.Matches(ctx, Event{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, []*Entry{first, second}, matches)

		matches, err = p.Matches(ctx, Event{"c": 1})
		require.NoError(t, err)
		assert.Equal(t, []*Entry{low}, matches)
	})

	t.Run("higher rank wins even when registered later", func(t *testing.T) {
		p := New()
		p.MustRegister(Exists("a"), returning("early"))
		late := p.MustRegister(Eq("a", 1), returning("late"), Rank(5))

		matches, err := p.Matches(ctx, Event{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, []*Entry{late}, matches)
	})

	t.Run("returns nothing when nothing matches", func(t *testing.T) {
		p := New()
		p.MustRegister(Exists("a"), returning(1))

		matches, err := p.Matches(ctx, Event{"b": 1})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("every returned entry matches and shares the max rank", func(t *testing.T) {
		p := New()
		p.MustRegister(Exists("x"), returning(1), Rank(2))
		p.MustRegister(Gt("x", 10), returning(2), Rank(2))
		p.MustRegister(Lt("x", 10), returning(3), Rank(3))
		p.MustRegister(Eq("y", "z"), returning(4), Rank(7))
		p.MustRegister(Accept(), returning(5), Rank(-10))

		events := []Event{{"x": 1}, {"x": 11}, {"x": 10}, {"y": "z"}, {"x": 1, "y": "z"}, {}}
		for _, ev := range events {
			matches, err := p.Matches(ctx, ev)
			require.NoError(t, err)
			require.NotEmpty(t, matches)

			top := matches[0].Rank
			for _, e := range p.Entries() {
				if e.Filter.Match(ev) {
					assert.LessOrEqual(t, e.Rank, top, "event %v", ev)
				}
			}
			for _, m := range matches {
				assert.True(t, m.Filter.Match(ev), "event %v", ev)
				assert.Equal(t, top, m.Rank, "event %v", ev)
			}
		}
	})
}

func TestProcessor_Invoke(t *testing.T) {
	ctx := context.Background()

	t.Run("specific processor beats ranked-down fallback", func(t *testing.T) {
		p := New()
		p.MustRegister(Eq("a.b", 1), returning("eq"), Named("eq"))
		p.MustRegister(Exists("a.b"), returning("exists"), Named("exists"), Rank(-1))

		out, err := p.Invoke(ctx, Event{"a": map[string]any{"b": 1}})
		require.NoError(t, err)
		assert.Equal(t, "eq", out.Value())

		out, err = p.Invoke(ctx, Event{"a": map[string]any{"b": 2}})
		require.NoError(t, err)
		res, ok := out.Single()
		require.True(t, ok)
		assert.Equal(t, "exists", res.Value)
		assert.Equal(t, "exists", res.Processor)
	})

	t.Run("first match is the earliest registered, every time", func(t *testing.T) {
		p := New()
		p.MustRegister(Exists("a"), returning("first"))
		p.MustRegister(Eq("a", 1), returning("second"))
		p.MustRegister(Gt("a", 0), returning("third"))

		for i := 0; i < 5; i++ {
			out, err := p.Invoke(ctx, Event{"a": 1})
			require.NoError(t, err)
			assert.Equal(t, ShapeSingle, out.Shape)
			assert.Equal(t, "first", out.Value())
		}
	})

	t.Run("all matches runs every top-rank match in order", func(t *testing.T) {
		p := New(WithInvocationStrategy(AllMatches{}))
		p.MustRegister(Exists("a"), returning(1), Named("one"))
		p.MustRegister(Eq("a", 1), returning(2), Named("two"))
		p.MustRegister(Accept(), returning(0), Named("fallback"), Rank(-1))
		p.MustRegister(Gt("a", 0), returning(3), Named("three"))

		for i := 0; i < 3; i++ {
			out, err := p.Invoke(ctx, Event{"a": 1})
			require.NoError(t, err)
			assert.Equal(t, ShapeMany, out.Shape)
			require.Len(t, out.Results, 3)
			assert.Equal(t, []string{"one", "two", "three"}, processorNames(out))
		}
	})

	t.Run("no matches suppresses ambiguity", func(t *testing.T) {
		p := New(WithInvocationStrategy(NoMatches{}))
		first := &recordingHandler{}
		second := &recordingHandler{}
		p.MustRegister(Exists("a"), first)
		p.MustRegister(Eq("a", 1), second)

		out, err := p.Invoke(ctx, Event{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, ShapeNone, out.Shape)
		assert.Empty(t, out.Results)
		assert.Zero(t, first.calls)
		assert.Zero(t, second.calls)

		out, err = p.Invoke(ctx, Event{"a": 2})
		require.NoError(t, err)
		assert.Equal(t, ShapeSingle, out.Shape)
		assert.Equal(t, 1, first.calls)
	})

	t.Run("strict no matches fails on ambiguity", func(t *testing.T) {
		p := New(WithInvocationStrategy(NoMatchesStrict{}))
		h := &recordingHandler{}
		p.MustRegister(Exists("a"), h)
		p.MustRegister(Eq("a", 1), h, Named("eq"))

		_, err := p.Invoke(ctx, Event{"a": 1})
		assert.ErrorIs(t, err, ErrAmbiguous)
		assert.Equal(t, KindInvocation, KindOf(err))
		assert.Zero(t, h.calls)
	})

	t.Run("no processor is fatal for every strategy", func(t *testing.T) {
		strategies := []InvocationStrategy{FirstMatch{}, AllMatches{}, NoMatches{}, NoMatchesStrict{}}
		for _, s := range strategies {
			p := New(WithInvocationStrategy(s), WithErrorStrategy(Capture{}))
			p.MustRegister(Exists("a"), returning(1))

			_, err := p.Invoke(ctx, Event{"b": 1})
			assert.ErrorIs(t, err, ErrNoProcessor, "strategy %T", s)
			assert.Equal(t, KindInvocation, KindOf(err))
		}
	})

	t.Run("empty processor has no processor", func(t *testing.T) {
		_, err := New().Invoke(ctx, Event{})
		assert.ErrorIs(t, err, ErrNoProcessor)
	})

	t.Run("accept handles non-mapping events", func(t *testing.T) {
		p := New()
		p.MustRegister(Exists("a"), returning("structured"))
		p.MustRegister(Accept(), returning("default"), Rank(-1))

		out, err := p.Invoke(ctx, "plain text")
		require.NoError(t, err)
		assert.Equal(t, "default", out.Value())
	})

	t.Run("raw JSON events", func(t *testing.T) {
		p := New()
		p.MustRegister(Eq("detail.type", "created"), returning("created"))

		out, err := p.Invoke(ctx, []byte(`{"detail": {"type": "created"}}`))
		require.NoError(t, err)
		assert.Equal(t, "created", out.Value())
	})
}

func TestProcessor_ErrorStrategies(t *testing.T) {
	ctx := context.Background()
	errBoom := errors.New("boom")

	t.Run("bubble returns handler errors unmodified", func(t *testing.T) {
		p := New()
		p.MustRegister(Accept(), failing(errBoom))

		_, err := p.Invoke(ctx, Event{})
		assert.Equal(t, errBoom, err)
	})

	t.Run("capture with all matches keeps every result", func(t *testing.T) {
		p := New(WithInvocationStrategy(AllMatches{}), WithErrorStrategy(Capture{}))
		p.MustRegister(Exists("a"), returning(1), Named("one"))
		p.MustRegister(Eq("a", 1), failing(errBoom), Named("two"))
		p.MustRegister(Gt("a", 0), returning(3), Named("three"))

		out, err := p.Invoke(ctx, Event{"a": 1})
		require.NoError(t, err)
		require.Len(t, out.Results, 3)

		assert.False(t, out.Results[0].HasError())
		assert.Equal(t, 1, out.Results[0].Value)
		assert.True(t, out.Results[1].HasError())
		assert.ErrorIs(t, out.Results[1].Err, errBoom)
		assert.Equal(t, "two", out.Results[1].Processor)
		assert.False(t, out.Results[2].HasError())
		assert.Equal(t, 3, out.Results[2].Value)
		assert.Len(t, out.Failed(), 1)
	})

	t.Run("specific bubble propagates listed kinds only", func(t *testing.T) {
		const kindFatal Kind = "fatal"
		p := New(WithErrorStrategy(SpecificBubble{Kinds: []Kind{kindFatal}}))
		p.MustRegister(Eq("k", "fatal"), failing(WithKind(errBoom, kindFatal)))
		p.MustRegister(Eq("k", "other"), failing(errBoom))

		_, err := p.Invoke(ctx, Event{"k": "fatal"})
		assert.ErrorIs(t, err, errBoom)

		out, err := p.Invoke(ctx, Event{"k": "other"})
		require.NoError(t, err)
		res, ok := out.Single()
		require.True(t, ok)
		assert.ErrorIs(t, res.Err, errBoom)
	})

	t.Run("specific capture captures listed kinds only", func(t *testing.T) {
		p := New(WithErrorStrategy(SpecificCapture{Kinds: []Kind{KindValidation}}))
		p.MustRegister(Eq("k", "invalid"), failing(WithKind(errBoom, KindValidation)))
		p.MustRegister(Eq("k", "other"), failing(errBoom))

		out, err := p.Invoke(ctx, Event{"k": "invalid"})
		require.NoError(t, err)
		assert.True(t, out.Results[0].HasError())

		_, err = p.Invoke(ctx, Event{"k": "other"})
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("dependency errors follow the strategy", func(t *testing.T) {
		p := New(WithErrorStrategy(Capture{}))
		require.NoError(t, p.RegisterFactory("clients", func(_ context.Context, arg string) (any, error) {
			return nil, ErrUnsupportedResource
		}))
		p.MustRegister(Accept(), returning(1), Deps(FactoryDep("clients", "teleporter")))

		out, err := p.Invoke(ctx, Event{})
		require.NoError(t, err)
		res, _ := out.Single()
		assert.ErrorIs(t, res.Err, ErrUnsupportedResource)
		assert.Equal(t, KindDependency, KindOf(res.Err))
	})

	t.Run("recovered panics follow the strategy", func(t *testing.T) {
		panicking := HandlerFunc(func(context.Context, any, Args) (any, error) {
			panic("kaboom")
		})

		p := New(WithRecoverPanics(true), WithErrorStrategy(SpecificCapture{Kinds: []Kind{KindPanic}}))
		p.MustRegister(Accept(), panicking)

		out, err := p.Invoke(ctx, Event{})
		require.NoError(t, err)
		res, _ := out.Single()
		assert.Equal(t, KindPanic, KindOf(res.Err))
		assert.Contains(t, res.Err.Error(), "kaboom")
	})

	t.Run("captured dyn errors count as no match", func(t *testing.T) {
		broken := NewProvider("broken", func(context.Context, Args) (any, error) {
			return nil, errBoom
		})

		p := New(WithErrorStrategy(Capture{}))
		p.MustRegister(Dyn(broken), returning("dyn"))
		p.MustRegister(Accept(), returning("default"), Rank(-1))

		out, err := p.Invoke(ctx, Event{})
		require.NoError(t, err)
		assert.Equal(t, "default", out.Value())

		p = New()
		p.MustRegister(Dyn(broken), returning("dyn"))
		_, err = p.Invoke(ctx, Event{})
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("panicking dyn resolvers are recovered", func(t *testing.T) {
		exploding := NewProvider("exploding", func(context.Context, Args) (any, error) {
			panic("boom")
		})

		p := New(WithRecoverPanics(true), WithErrorStrategy(Capture{}))
		p.MustRegister(Dyn(exploding), returning("dyn"))
		p.MustRegister(Accept(), returning("default"), Rank(-1))

		out, err := p.Invoke(ctx, Event{})
		require.NoError(t, err)
		assert.Equal(t, "default", out.Value())

		p = New(WithRecoverPanics(true))
		p.MustRegister(Dyn(exploding), returning("dyn"))
		_, err = p.Invoke(ctx, Event{})
		require.Error(t, err)
		assert.Equal(t, KindPanic, KindOf(err))
		assert.Contains(t, err.Error(), "boom")

		p = New(WithRecoverPanics(false))
		p.MustRegister(Dyn(exploding), returning("dyn"))
		assert.Panics(t, func() { _, _ = p.Invoke(ctx, Event{}) })
	})
}

func TestProcessor_PreProcess(t *testing.T) {
	ctx := context.Background()

	type login struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	t.Run("handler receives the pre-processed value", func(t *testing.T) {
		h := &recordingHandler{}
		p := New()
		p.MustRegister(Eq("action", "login"), h, PreProcess(Bind[login]()), Deps(EventDep()))

		ev := Event{"action": "login", "email": "a@b.c", "password": "pw"}
		_, err := p.Invoke(ctx, ev)
		require.NoError(t, err)

		assert.Equal(t, login{Email: "a@b.c", Password: "pw"}, h.in)
		require.Len(t, h.deps, 1)
		assert.Equal(t, ev, h.deps[0])
	})

	t.Run("typed handlers", func(t *testing.T) {
		p := New()
		p.MustRegister(Eq("action", "login"), Func(func(_ context.Context, in login, _ Args) (string, error) {
			return "welcome " + in.Email, nil
		}), PreProcess(Bind[login]()))

		out, err := p.Invoke(ctx, []byte(`{"action": "login", "email": "a@b.c"}`))
		require.NoError(t, err)
		assert.Equal(t, "welcome a@b.c", out.Value())
	})

	t.Run("typed handler without binding fails", func(t *testing.T) {
		p := New()
		p.MustRegister(Accept(), Func(func(_ context.Context, in login, _ Args) (string, error) {
			return in.Email, nil
		}))

		_, err := p.Invoke(ctx, Event{})
		assert.Error(t, err)
		assert.Equal(t, KindHandler, KindOf(err))
	})

	t.Run("validation errors carry their kind", func(t *testing.T) {
		p := New(WithErrorStrategy(SpecificCapture{Kinds: []Kind{KindValidation}}))
		p.MustRegister(Accept(), returning(1), PreProcess(Bind[validatedLogin]()))

		out, err := p.Invoke(ctx, Event{"email": ""})
		require.NoError(t, err)
		res, _ := out.Single()
		assert.Equal(t, KindValidation, KindOf(res.Err))
	})
}

type validatedLogin struct {
	Email string `json:"email"`
}

func (l validatedLogin) Validate() error {
	if l.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

func TestProcessor_Merge(t *testing.T) {
	ctx := context.Background()
	factory := func(name string) Factory {
		return func(context.Context, string) (any, error) { return name, nil }
	}

	t.Run("absorbs processors after existing ones", func(t *testing.T) {
		parent := New(WithInvocationStrategy(AllMatches{}))
		parent.MustRegister(Exists("a"), returning("main"), Named("main"))

		sub := New()
		sub.MustRegister(Eq("a", 1), returning("sub"), Named("sub"))

		require.NoError(t, parent.Merge(sub))

		out, err := parent.Invoke(ctx, Event{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"main", "sub"}, processorNames(out))
	})

	t.Run("duplicate filters fail and leave the processor unchanged", func(t *testing.T) {
		parent := New()
		parent.MustRegister(Exists("a"), returning("main"))

		sub := New()
		require.NoError(t, sub.RegisterFactory("extra", factory("extra")))
		sub.MustRegister(Exists("b"), returning("b"))
		sub.MustRegister(Exists("a"), returning("dup"))

		err := parent.Merge(sub)
		assert.ErrorIs(t, err, ErrDuplicateFilter)
		assert.Len(t, parent.Entries(), 1)

		_, err = parent.Register(Accept(), returning(1), Deps(FactoryDep("extra", "x")))
		assert.ErrorIs(t, err, ErrUnknownFactory, "factories must not leak from a failed merge")
	})

	t.Run("duplicate factory names keep the first registration", func(t *testing.T) {
		parent := New()
		require.NoError(t, parent.RegisterFactory("clients", factory("main")))

		sub := New()
		require.NoError(t, sub.RegisterFactory("clients", factory("sub")))
		require.NoError(t, sub.RegisterFactory("other", factory("other")))
		sub.MustRegister(Accept(), HandlerFunc(func(_ context.Context, _ any, deps Args) (any, error) {
			return deps, nil
		}), Deps(FactoryDep("clients", "x"), FactoryDep("other", "y")))

		require.NoError(t, parent.Merge(sub))

		out, err := parent.Invoke(ctx, Event{})
		require.NoError(t, err)
		assert.Equal(t, Args{"main", "other"}, out.Value())
	})
}

func processorNames(out Outcome) []string {
	names := make([]string, len(out.Results))
	for i, r := range out.Results {
		names[i] = r.Processor
	}
	return names
}
