package events

// Event represents a structured state change emitted by the contract.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Attributed is the canonical wire form of an emitted event: a type tag plus a
// flat bag of string attributes, suitable for JSON streaming and test
// assertions.
type Attributed struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventType implements the Event interface.
func (a *Attributed) EventType() string {
	if a == nil {
		return ""
	}
	return a.Type
}
