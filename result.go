package eventproc

// Result is the outcome of one processor call.
type Result struct {
	// Value is what the processor returned. It is nil when Err is set.
	Value any

	// Processor is the name of the processor that produced the result.
	Processor string

	// Err is the captured error when the error strategy captured a failure.
	Err error
}

// HasError reports whether the processor failed and its error was captured.
func (r Result) HasError() bool { return r.Err != nil }

// Shape describes how many results an invocation strategy produces.
type Shape int

const (
	// ShapeNone means no processor ran: NoMatches suppressed an ambiguous
	// match. It is a normal outcome, not an error.
	ShapeNone Shape = iota

	// ShapeSingle means exactly one processor ran.
	ShapeSingle

	// ShapeMany means every rank-narrowed match ran (AllMatches).
	ShapeMany
)

func (s Shape) String() string {
	switch s {
	case ShapeSingle:
		return "single"
	case ShapeMany:
		return "many"
	default:
		return "none"
	}
}

// Outcome is what Invoke returns.
type Outcome struct {
	Shape   Shape
	Results []Result
}

// Single returns the only result of a ShapeSingle outcome.
func (o Outcome) Single() (Result, bool) {
	if o.Shape != ShapeSingle || len(o.Results) != 1 {
		return Result{}, false
	}
	return o.Results[0], true
}

// Value returns the value of a ShapeSingle outcome, or nil.
func (o Outcome) Value() any {
	r, ok := o.Single()
	if !ok {
		return nil
	}
	return r.Value
}

// Failed returns the results whose errors were captured.
func (o Outcome) Failed() []Result {
	var failed []Result
	for _, r := range o.Results {
		if r.HasError() {
			failed = append(failed, r)
		}
	}
	return failed
}
