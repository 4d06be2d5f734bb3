package eventproc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Handler processes an event selected by its filter.
//
// in is the event after pre-processing (the raw event when the processor
// has no pre-processor). deps holds the values declared with Deps, in
// declaration order.
//
// Example:
//
//	type LoginHandler struct{}
//
//	func (h *LoginHandler) Handle(ctx context.Context, in any, deps eventproc.Args) (any, error) {
//	    req := in.(*LoginRequest)
//	    db, err := eventproc.ArgAs[*sql.DB](deps, 0)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return login(ctx, db, req)
//	}
type Handler interface {
	Handle(ctx context.Context, in any, deps Args) (any, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, in any, deps Args) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, in any, deps Args) (any, error) {
	return f(ctx, in, deps)
}

// Func adapts a typed function into a Handler. The pre-processed input must
// be a T (see Bind); anything else fails with a KindHandler error.
//
//	eventproc.Func(func(ctx context.Context, in LoginRequest, deps eventproc.Args) (LoginResponse, error) {
//	    ...
//	})
func Func[T, R any](fn func(ctx context.Context, in T, deps Args) (R, error)) Handler {
	return HandlerFunc(func(ctx context.Context, in any, deps Args) (any, error) {
		typed, ok := in.(T)
		if !ok {
			var zero T
			return nil, errors.Errorf("processor input is %T, not %T", in, zero)
		}
		return fn(ctx, typed, deps)
	})
}

// PreProcessor transforms the raw event into the value handed to a Handler.
// It receives the same dependencies as the handler.
type PreProcessor func(ctx context.Context, ev any, deps Args) (any, error)

// validatable is the interface for payload validation.
// Compatible with github.com/go-ozzo/ozzo-validation/v4.
type validatable interface {
	Validate() error
}

// Bind returns a PreProcessor that decodes the event into a T through JSON
// and validates it when T (or *T) implements Validate() error. Raw JSON
// events are decoded directly; structured events are re-encoded first.
//
// Decoding and validation failures carry KindValidation.
func Bind[T any]() PreProcessor {
	return func(_ context.Context, ev any, _ Args) (any, error) {
		var raw []byte
		switch v := ev.(type) {
		case []byte:
			raw = v
		case json.RawMessage:
			raw = v
		default:
			b, err := json.Marshal(ev)
			if err != nil {
				return nil, WithKind(errors.Wrap(err, "encode event"), KindValidation)
			}
			raw = b
		}

		var data T
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, WithKind(errors.Wrap(err, "unmarshal event"), KindValidation)
		}

		if v, ok := any(data).(validatable); ok {
			if err := v.Validate(); err != nil {
				return nil, WithKind(err, KindValidation)
			}
		} else if v, ok := any(&data).(validatable); ok {
			if err := v.Validate(); err != nil {
				return nil, WithKind(err, KindValidation)
			}
		}
		return data, nil
	}
}
