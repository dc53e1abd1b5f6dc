// Package obslog provides structured logging field helpers and the
// zap-backed logr.Logger construction shared by every durableflow
// component, so a worker, an executor, and a store backend all log with
// the same vocabulary.
package obslog

import "time"

// Fields is an unordered set of structured logging key/value pairs. It is
// intentionally a thin map wrapper so callers can chain standard-field
// builders (Component, Operation, Resource, ...) the same way across
// packages instead of hand-assembling zap.Field slices at every call site.
type Fields map[string]any

// NewFields returns an empty Fields set ready for chaining.
func NewFields() Fields {
	return Fields{}
}

// Component tags the originating subsystem (e.g. "worker", "executor").
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation tags the logical operation being performed (e.g. "claim",
// "advance", "signal_post").
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource tags the resource an operation acted on. If name is empty only
// the type is recorded.
func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Execution tags the execution id an operation concerns.
func (f Fields) Execution(id string) Fields {
	f["execution_id"] = id
	return f
}

// Step tags the step id an operation concerns.
func (f Fields) Step(id string) Fields {
	f["step_id"] = id
	return f
}

// Attempt tags the attempt counter.
func (f Fields) Attempt(n int) Fields {
	f["attempt"] = n
	return f
}

// Duration records an elapsed duration in milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error tags the field set with the error that occurred.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// KV returns the field set flattened into a logr-style alternating
// key/value slice.
func (f Fields) KV() []any {
	kv := make([]any, 0, len(f)*2)
	for k, v := range f {
		kv = append(kv, k, v)
	}
	return kv
}
