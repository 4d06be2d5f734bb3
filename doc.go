// Package eventproc selects and invokes event processors based on
// declarative filters matched against the event's fields.
//
// A Processor holds (filter, handler, rank) registrations. Invoke evaluates
// every filter against an event, keeps the highest-ranked matches and lets an
// invocation strategy decide which of them to call. Handlers declare the
// dependencies they need (the raw event, values from providers, resources
// from named factories) and receive them resolved for each invocation.
//
// # Quick Start
//
//	p := eventproc.New()
//
//	p.MustRegister(eventproc.Eq("action", "register"), eventproc.HandlerFunc(register))
//	p.MustRegister(eventproc.Eq("action", "login"), eventproc.HandlerFunc(login))
//	p.MustRegister(eventproc.Accept(), eventproc.HandlerFunc(unknown), eventproc.Rank(-1))
//
//	out, err := p.Invoke(ctx, map[string]any{"action": "login", "email": "a@b.c"})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(out.Value())
//
// # Filters
//
// Filters are small predicates over an event. Paths are dotted keys into
// nested maps ("detail.user.id"):
//   - Accept: matches everything, including non-map events
//   - Exists: the path resolves, even to nil
//   - Eq: the path resolves to an equal value (numbers compare by value)
//   - Lt, Leq, Gt, Geq, NumCmp: numeric comparisons
//   - Dyn: a provider decides, with access to injected dependencies
//   - And, Or, Not: composition, evaluated left to right with short-circuit
//
// Filters support equality so that registering two processors with the same
// filter fails with ErrDuplicateFilter. NumCmp comparators and Dyn providers
// compare by pointer: building the "same" comparator twice yields two
// different filters.
//
// Events may also be raw JSON ([]byte or json.RawMessage). Paths are then
// resolved with gjson without decoding the whole document.
//
// # Ranking
//
// When several filters match, only the matches with the highest rank are
// kept. Ranks default to 0; a catch-all registered with Rank(-1) loses to any
// more specific processor. Registration order breaks the remaining ties.
//
// # Invocation Strategies
//
// The strategy decides what to do with the rank-narrowed matches:
//   - FirstMatch (default): call the earliest registered
//   - AllMatches: call all of them; the outcome holds one result each
//   - NoMatches: call the match only if it is unique, otherwise nothing
//   - NoMatchesStrict: like NoMatches but fails with ErrAmbiguous
//
// Whatever the strategy, an event matched by no filter at all fails with
// ErrNoProcessor.
//
// # Error Strategies
//
// Processor errors either propagate from Invoke or are captured into the
// processor's Result:
//   - Bubble (default): every error propagates
//   - Capture: every error is captured
//   - SpecificBubble: listed kinds propagate, the rest is captured
//   - SpecificCapture: listed kinds are captured, the rest propagates
//
// Errors are classified by Kind. Tag application errors with WithKind;
// untagged errors are KindHandler. Configuration errors (duplicate filter,
// unknown factory) and invocation errors (no processor, ambiguity) never go
// through the error strategy.
//
// # Dependency Injection
//
// Dependencies are declared at registration and arrive as Args in
// declaration order:
//
//	session := eventproc.NewProvider("session", openSession)
//
//	registry := resources.New(resources.WithSQL("main", "file:main.db"))
//	registry.Register(p) // installs the "sql" and "redis" factories
//
//	p.MustRegister(eventproc.Eq("action", "login"), eventproc.HandlerFunc(login),
//	    eventproc.Deps(
//	        eventproc.Depends(session),          // Args[0]
//	        eventproc.FactoryDep("sql", "main"), // Args[1]
//	        eventproc.EventDep(),                // Args[2]
//	    ),
//	)
//
// A provider runs at most once per Invoke call, unless declared with
// DependsFresh. A provider that depends on itself fails with
// ErrCyclicDependency.
//
// # Hooks
//
// Hooks observe dispatch without coupling to a logging or metrics system:
//
//	p := eventproc.New(
//	    eventproc.WithOnSuccess(func(ctx context.Context, processor string, d time.Duration) {
//	        metrics.Timing("eventproc.success", d, "processor:"+processor)
//	    }),
//	    eventproc.WithOnNoProcessor(func(ctx context.Context, ev any) {
//	        logger.Warn("unhandled event")
//	    }),
//	)
//
// The observability package provides OpenTelemetry metrics and tracing,
// enabled with WithMetrics and WithTracing. observability.NewPrometheusMetrics
// records the same measurements into a Prometheus registry.
//
// # Thread Safety
//
// Processor is safe for concurrent use after configuration is complete. Do
// not call Register, RegisterFactory or Merge after calling Invoke. Every
// Invoke call resolves dependencies in its own scope.
package eventproc
