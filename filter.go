package eventproc

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
)

// Filter decides whether a processor should handle an event. Filters are
// cheap predicates over the event's fields.
//
// Equal is used at registration time to reject a second processor whose
// filter is identical to an existing one: two processors with the same filter
// could never be told apart.
type Filter interface {
	Match(ev any) bool
	Equal(other Filter) bool
}

// scopedFilter is implemented by filters that need the invocation's
// dependency scope, either directly (Dyn) or through their operands.
type scopedFilter interface {
	matchScope(ctx context.Context, s *scope) (bool, error)
}

// evaluate matches f inside an invocation scope.
func evaluate(ctx context.Context, f Filter, s *scope) (bool, error) {
	if sf, ok := f.(scopedFilter); ok {
		return sf.matchScope(ctx, s)
	}
	return f.Match(s.event), nil
}

// Accept returns a Filter that matches every event, including non-mapping
// ones. Register it with a negative rank for a default processor.
func Accept() Filter {
	return accept{}
}

type accept struct{}

func (accept) Match(any) bool { return true }

func (accept) Equal(other Filter) bool {
	_, ok := other.(accept)
	return ok
}

// Exists returns a Filter that matches when the dotted path resolves to a
// value, nil included.
func Exists(path string) Filter {
	return exists{path: path}
}

type exists struct {
	path string
}

func (f exists) Match(ev any) bool {
	_, ok := Lookup(ev, f.path)
	return ok
}

func (f exists) Equal(other Filter) bool {
	o, ok := other.(exists)
	return ok && o.path == f.path
}

// Eq returns a Filter that matches when the dotted path resolves to a value
// equal to value. Numbers compare by numeric value whatever their Go type, so
// Eq("count", 1) matches a count decoded from JSON as float64(1); other
// values compare with reflect.DeepEqual.
func Eq(path string, value any) Filter {
	return eq{path: path, value: value}
}

type eq struct {
	path  string
	value any
}

func (f eq) Match(ev any) bool {
	v, ok := Lookup(ev, f.path)
	return ok && valuesEqual(v, f.value)
}

func (f eq) Equal(other Filter) bool {
	o, ok := other.(eq)
	return ok && o.path == f.path && valuesEqual(o.value, f.value)
}

func valuesEqual(a, b any) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
		return false
	}
	if _, ok := toFloat(b); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// toFloat converts Go numeric kinds to float64. Booleans are not numbers.
func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// Comparator is a named numeric comparison used by NumCmp.
//
// Comparators are compared by pointer. Two comparators built separately from
// identical functions are different, so NumCmp filters using them are not
// equal and both may be registered.
type Comparator struct {
	name string
	fn   func(value, target float64) bool
}

// NewComparator builds a Comparator. fn receives the event value first and
// the filter's target second.
func NewComparator(name string, fn func(value, target float64) bool) *Comparator {
	return &Comparator{name: name, fn: fn}
}

func (c *Comparator) String() string { return c.name }

// Canonical comparators used by Lt, Leq, Gt and Geq.
var (
	LessThan       = NewComparator("<", func(v, t float64) bool { return v < t })
	LessOrEqual    = NewComparator("<=", func(v, t float64) bool { return v <= t })
	GreaterThan    = NewComparator(">", func(v, t float64) bool { return v > t })
	GreaterOrEqual = NewComparator(">=", func(v, t float64) bool { return v >= t })
)

// NumCmp returns a Filter that matches when the dotted path resolves to a
// number n and cmp(n, target) holds. Non-numeric values never match.
func NumCmp(path string, cmp *Comparator, target float64) Filter {
	return numCmp{path: path, cmp: cmp, target: target}
}

// Lt matches numbers strictly below target.
func Lt(path string, target float64) Filter { return NumCmp(path, LessThan, target) }

// Leq matches numbers below or equal to target.
func Leq(path string, target float64) Filter { return NumCmp(path, LessOrEqual, target) }

// Gt matches numbers strictly above target.
func Gt(path string, target float64) Filter { return NumCmp(path, GreaterThan, target) }

// Geq matches numbers above or equal to target.
func Geq(path string, target float64) Filter { return NumCmp(path, GreaterOrEqual, target) }

type numCmp struct {
	path   string
	cmp    *Comparator
	target float64
}

func (f numCmp) Match(ev any) bool {
	if f.cmp == nil || f.cmp.fn == nil {
		return false
	}
	v, ok := Lookup(ev, f.path)
	if !ok {
		return false
	}
	n, ok := toFloat(v)
	return ok && f.cmp.fn(n, f.target)
}

func (f numCmp) Equal(other Filter) bool {
	o, ok := other.(numCmp)
	return ok && o.path == f.path && o.cmp == f.cmp && o.target == f.target
}

// Dyn returns a Filter that matches when the value produced by p is truthy:
// not nil, not false, not a zero number and not an empty string, slice or
// map.
//
// p is resolved like any handler dependency, sharing the invocation's cache;
// declare EventDep() to receive the event. Dyn filters are equal only when
// they wrap the same *Provider.
func Dyn(p *Provider) Filter {
	return dyn{provider: p}
}

type dyn struct {
	provider *Provider
}

// Match resolves the provider in a fresh scope with no factories. Errors
// count as no match.
func (f dyn) Match(ev any) bool {
	ok, err := f.matchScope(context.Background(), newScope(ev, nil))
	return err == nil && ok
}

func (f dyn) matchScope(ctx context.Context, s *scope) (bool, error) {
	v, _, err := s.provide(ctx, f.provider, false)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (f dyn) Equal(other Filter) bool {
	o, ok := other.(dyn)
	return ok && o.provider == f.provider
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	if n, ok := toFloat(v); ok {
		return n != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface, reflect.Func:
		return !rv.IsNil()
	}
	return true
}

// And returns a Filter that matches when every operand matches. Operands are
// evaluated left to right and evaluation stops at the first mismatch.
func And(fs ...Filter) Filter {
	return and{fs: fs}
}

type and struct {
	fs []Filter
}

func (f and) Match(ev any) bool {
	for _, sub := range f.fs {
		if !sub.Match(ev) {
			return false
		}
	}
	return true
}

func (f and) matchScope(ctx context.Context, s *scope) (bool, error) {
	for _, sub := range f.fs {
		ok, err := evaluate(ctx, sub, s)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (f and) Equal(other Filter) bool {
	o, ok := other.(and)
	return ok && operandsEqual(f.fs, o.fs)
}

// Or returns a Filter that matches when any operand matches. Operands are
// evaluated left to right and evaluation stops at the first match.
func Or(fs ...Filter) Filter {
	return or{fs: fs}
}

type or struct {
	fs []Filter
}

func (f or) Match(ev any) bool {
	for _, sub := range f.fs {
		if sub.Match(ev) {
			return true
		}
	}
	return false
}

func (f or) matchScope(ctx context.Context, s *scope) (bool, error) {
	for _, sub := range f.fs {
		ok, err := evaluate(ctx, sub, s)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (f or) Equal(other Filter) bool {
	o, ok := other.(or)
	return ok && operandsEqual(f.fs, o.fs)
}

// Not returns a Filter that inverts f.
func Not(f Filter) Filter {
	return not{f: f}
}

type not struct {
	f Filter
}

func (f not) Match(ev any) bool { return !f.f.Match(ev) }

func (f not) matchScope(ctx context.Context, s *scope) (bool, error) {
	ok, err := evaluate(ctx, f.f, s)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (f not) Equal(other Filter) bool {
	o, ok := other.(not)
	return ok && o.f.Equal(f.f)
}

// operandsEqual compares composite operands by arity, order and pairwise
// equality.
func operandsEqual(a, b []Filter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// checkFilter rejects filter trees that would panic when matched or
// compared: nil operands, and Dyn filters without a provider.
func checkFilter(f Filter) error {
	switch v := f.(type) {
	case nil:
		return errors.Wrap(ErrInvalidRegistration, "nil filter")
	case and:
		return checkOperands("And", v.fs)
	case or:
		return checkOperands("Or", v.fs)
	case not:
		if v.f == nil {
			return errors.Wrap(ErrInvalidRegistration, "Not of a nil filter")
		}
		return checkFilter(v.f)
	case dyn:
		if v.provider == nil {
			return errors.Wrap(ErrInvalidRegistration, "Dyn with a nil provider")
		}
	}
	return nil
}

func checkOperands(name string, fs []Filter) error {
	for i, f := range fs {
		if f == nil {
			return errors.Wrapf(ErrInvalidRegistration, "%s operand %d is nil", name, i)
		}
		if err := checkFilter(f); err != nil {
			return err
		}
	}
	return nil
}
