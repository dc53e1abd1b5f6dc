package serializer

import (
	"encoding/json"
	"fmt"
)

// markerKey is the sentinel the JSON serializer reserves for its own
// future use (type-tagging interface-typed values). Per §6, any user map
// key that happens to collide with it must be escaped so user data can
// never be misread as an internal marker.
const markerKey = "__dflow_type"
const escapedPrefix = "__dflow_escaped__"

// JSONSerializer is the reference Serializer implementation: plain
// encoding/json, with marker-key escaping applied to map values so a
// caller journaling a map[string]any with a key literally named
// "__dflow_type" does not collide with the serializer's own sentinel.
//
// Arbitrary reflection-based marshaling of interface{} values is exactly
// what encoding/json is for; go-faster/jx (also in this module's
// dependency set) is a low-level streaming token codec intended for
// generated, statically-typed encoders — it has no reflection-based
// generic marshal, so it is used instead for the Service API's fixed set
// of wire DTOs (see pkg/service) rather than here.
type JSONSerializer struct{}

// NewJSON constructs the reference JSON Serializer.
func NewJSON() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) Encode(value any) ([]byte, error) {
	escaped := escapeMarkers(value)
	data, err := json.Marshal(escaped)
	if err != nil {
		return nil, fmt.Errorf("serializer: encode: %w", err)
	}
	return data, nil
}

func (s *JSONSerializer) Decode(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("serializer: decode: %w", err)
	}
	unescapeMarkers(target)
	return nil
}

// escapeMarkers walks maps and slices looking for keys equal to markerKey
// and renames them so they never collide with a future internal use of
// that key. Anything that is not a map[string]any or []any (including
// already-typed structs, which json.Marshal handles on its own terms) is
// returned unchanged.
func escapeMarkers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			key := k
			if key == markerKey {
				key = escapedPrefix + key
			}
			out[key] = escapeMarkers(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = escapeMarkers(val)
		}
		return out
	default:
		return value
	}
}

// unescapeMarkers reverses escapeMarkers on a freshly decoded value, when
// the decode target is itself a generic map/slice (i.e. *any, *map[string]any).
func unescapeMarkers(target any) {
	switch v := target.(type) {
	case *any:
		*v = unescapeValue(*v)
	case *map[string]any:
		*v = unescapeMap(*v)
	}
}

func unescapeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return unescapeMap(v)
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = unescapeValue(val)
		}
		return out
	default:
		return value
	}
}

func unescapeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if key == escapedPrefix+markerKey {
			key = markerKey
		}
		out[key] = unescapeValue(val)
	}
	return out
}
