package eventproc

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when the input is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// Event is the structured form of an event: a nested string-keyed record.
//
// Invoke accepts any value as the event. Filters understand Event (and any
// map[string]any), plus raw JSON held in []byte or json.RawMessage, which is
// queried in place with gjson. Every other value is treated as a
// non-mapping event: only Accept and Dyn filters can match it.
type Event = map[string]any

// Lookup resolves a dotted path such as "detail.user.id" against ev.
//
// It reports false when a segment is missing or when an intermediate value
// is not a mapping. A key that is present with a nil value resolves to
// (nil, true). Lookup never panics on malformed events.
func Lookup(ev any, path string) (any, bool) {
	switch raw := ev.(type) {
	case []byte:
		return lookupJSON(raw, path)
	case json.RawMessage:
		return lookupJSON(raw, path)
	}

	current := ev
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

// lookupJSON walks raw one key at a time with the same rules as the map
// walk: every step needs a JSON object, and keys are matched literally, so
// gjson path syntax (array indexes, wildcards, modifiers) has no effect.
func lookupJSON(raw []byte, path string) (any, bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	current := gjson.ParseBytes(raw)
	for _, part := range strings.Split(path, ".") {
		if !current.IsObject() {
			return nil, false
		}
		next, ok := objectKey(current, part)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current.Value(), true
}

// objectKey returns the member of obj named key. Duplicate keys resolve to
// the last occurrence, as they do when decoding into a map.
func objectKey(obj gjson.Result, key string) (gjson.Result, bool) {
	var (
		found gjson.Result
		ok    bool
	)
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			found, ok = v, true
		}
		return true
	})
	return found, ok
}

// DecodeJSON validates raw and decodes it into an Event. Transports use it
// to turn request bodies into structured events before calling Invoke.
func DecodeJSON(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return nil, ErrInvalidJSON
	}
	ev, ok := r.Value().(map[string]any)
	if !ok {
		return nil, ErrInvalidJSON
	}
	return ev, nil
}
