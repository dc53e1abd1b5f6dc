// Package serializer defines the opaque codec boundary (C7) the engine
// uses for every value it journals: step inputs and results, signal
// payloads, and persisted errors. Per §1 this is an injected collaborator
// — the engine treats its output as opaque bytes — but a conforming JSON
// implementation ships here as the reference codec used by the memory
// store and the end-to-end test suite.
package serializer

// Serializer encodes and decodes user values to/from the opaque byte
// representation the Store persists. Implementations must round-trip
// every value the engine journals (§8 round-trip laws): decode(encode(v))
// must be equal to v for any v the caller passes through step results,
// signal payloads, and execution inputs/results.
type Serializer interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte, target any) error
}
