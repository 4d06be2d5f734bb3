package eventproc

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Plan is the dispatch decision of an InvocationStrategy.
type Plan struct {
	Entries []*Entry
	Shape   Shape
}

// InvocationStrategy decides which of the rank-narrowed matches to call.
// Plan must be a pure function of its input.
type InvocationStrategy interface {
	Plan(matches []*Entry) (Plan, error)
}

// FirstMatch calls the earliest registered match. It is the default.
type FirstMatch struct{}

// Plan implements InvocationStrategy.
func (FirstMatch) Plan(matches []*Entry) (Plan, error) {
	if len(matches) == 0 {
		return Plan{Shape: ShapeNone}, nil
	}
	return Plan{Entries: matches[:1], Shape: ShapeSingle}, nil
}

// AllMatches calls every match in registration order.
type AllMatches struct{}

// Plan implements InvocationStrategy.
func (AllMatches) Plan(matches []*Entry) (Plan, error) {
	return Plan{Entries: matches, Shape: ShapeMany}, nil
}

// NoMatches calls the match only when it is unique. Several equal-rank
// matches produce no call and no error.
type NoMatches struct{}

// Plan implements InvocationStrategy.
func (NoMatches) Plan(matches []*Entry) (Plan, error) {
	if len(matches) != 1 {
		return Plan{Shape: ShapeNone}, nil
	}
	return Plan{Entries: matches, Shape: ShapeSingle}, nil
}

// NoMatchesStrict is NoMatches with ErrAmbiguous for several equal-rank
// matches.
type NoMatchesStrict struct{}

// Plan implements InvocationStrategy.
func (NoMatchesStrict) Plan(matches []*Entry) (Plan, error) {
	if len(matches) > 1 {
		return Plan{}, errors.Wrapf(ErrAmbiguous, "%s", strings.Join(entryNames(matches), ", "))
	}
	return NoMatches{}.Plan(matches)
}

// ParseInvocationStrategy maps a configuration name to a strategy. Accepted
// names are first_match, all_matches, no_matches and no_matches_strict; the
// empty string selects FirstMatch.
func ParseInvocationStrategy(name string) (InvocationStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "first_match":
		return FirstMatch{}, nil
	case "all_matches":
		return AllMatches{}, nil
	case "no_matches":
		return NoMatches{}, nil
	case "no_matches_strict":
		return NoMatchesStrict{}, nil
	}
	return nil, WithKind(errors.Errorf("unknown invocation strategy %q", name), KindConfig)
}

// ErrorStrategy decides, per failing processor call, whether the error is
// captured into the Result or returned from Invoke.
type ErrorStrategy interface {
	Captures(err error) bool
}

// Bubble returns every processor error from Invoke. It is the default.
type Bubble struct{}

// Captures implements ErrorStrategy.
func (Bubble) Captures(error) bool { return false }

// Capture stores every processor error in its Result.
type Capture struct{}

// Captures implements ErrorStrategy.
func (Capture) Captures(error) bool { return true }

// SpecificBubble returns errors of the listed kinds from Invoke and captures
// everything else.
type SpecificBubble struct {
	Kinds []Kind
}

// Captures implements ErrorStrategy.
func (s SpecificBubble) Captures(err error) bool {
	return !slices.Contains(s.Kinds, KindOf(err))
}

// SpecificCapture captures errors of the listed kinds and returns everything
// else from Invoke.
type SpecificCapture struct {
	Kinds []Kind
}

// Captures implements ErrorStrategy.
func (s SpecificCapture) Captures(err error) bool {
	return slices.Contains(s.Kinds, KindOf(err))
}

// ParseErrorStrategy maps a configuration name to a strategy. Accepted names
// are bubble, capture, specific_bubble and specific_capture; kinds feed the
// specific variants. The empty string selects Bubble.
func ParseErrorStrategy(name string, kinds ...string) (ErrorStrategy, error) {
	ks := make([]Kind, len(kinds))
	for i, k := range kinds {
		ks[i] = Kind(k)
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bubble":
		return Bubble{}, nil
	case "capture":
		return Capture{}, nil
	case "specific_bubble":
		return SpecificBubble{Kinds: ks}, nil
	case "specific_capture":
		return SpecificCapture{Kinds: ks}, nil
	}
	return nil, WithKind(errors.Errorf("unknown error strategy %q", name), KindConfig)
}
