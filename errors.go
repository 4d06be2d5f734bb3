package eventproc

import (
	"errors"
	"fmt"
)

// Kind classifies an error so error strategies can decide whether to
// propagate or capture it without inspecting concrete types.
//
// Kind is an open set: applications define their own kinds and attach them
// with WithKind.
//
//	const KindRateLimited eventproc.Kind = "rate_limited"
//
//	return nil, eventproc.WithKind(err, KindRateLimited)
type Kind string

func (k Kind) String() string { return string(k) }

const (
	// KindConfig marks registration and merge failures. Config errors are
	// returned to the registering code and never reach an error strategy.
	KindConfig Kind = "config"

	// KindDependency marks failures while resolving injected dependencies.
	KindDependency Kind = "dependency"

	// KindInvocation marks dispatch failures: no matching processor or an
	// ambiguous match under NoMatchesStrict. Never captured.
	KindInvocation Kind = "invocation"

	// KindHandler is the kind of any error without an explicit kind.
	KindHandler Kind = "handler"

	// KindValidation marks events that Bind could not decode or validate.
	KindValidation Kind = "validation"

	// KindPanic marks a recovered handler panic (see WithRecoverPanics).
	KindPanic Kind = "panic"
)

var (
	// ErrDuplicateFilter is returned when a filter equal to an already
	// registered one is registered again, in the same table or through Merge.
	ErrDuplicateFilter = newKindError(KindConfig, "duplicate filter")

	// ErrDuplicateFactory is returned when a factory name is registered twice
	// on the same processor.
	ErrDuplicateFactory = newKindError(KindConfig, "duplicate dependency factory")

	// ErrUnknownFactory is returned when a registration references a factory
	// name that has not been registered.
	ErrUnknownFactory = newKindError(KindConfig, "unknown dependency factory")

	// ErrInvalidRegistration is returned for nil filters, handlers or
	// providers passed to registration calls.
	ErrInvalidRegistration = newKindError(KindConfig, "invalid registration")

	// ErrUnsupportedResource is returned by factories asked for a resource
	// they do not know how to build.
	ErrUnsupportedResource = newKindError(KindDependency, "unsupported resource")

	// ErrCyclicDependency is returned when a provider depends on itself,
	// directly or transitively.
	ErrCyclicDependency = newKindError(KindDependency, "cyclic dependency")

	// ErrNoProcessor is returned by Invoke when no filter matched the event,
	// whatever the invocation strategy.
	ErrNoProcessor = newKindError(KindInvocation, "no matching processor")

	// ErrAmbiguous is returned by NoMatchesStrict when several processors of
	// the same rank match.
	ErrAmbiguous = newKindError(KindInvocation, "multiple matching processors of the same rank")
)

// kindError attaches a Kind to an error.
type kindError struct {
	kind Kind
	err  error
}

func newKindError(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Kind() Kind    { return e.kind }

// WithKind tags err with kind. KindOf reports the outermost tag, so wrapping
// an already tagged error re-classifies it. WithKind returns nil when err is
// nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain, or
// KindHandler when nothing in the chain carries a kind.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindHandler
}

// panicError wraps a recovered panic value.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("processor panicked: %v", e.value) }
func (e *panicError) Kind() Kind    { return KindPanic }
