// Package emit delivers observability events from the execution engine to
// pluggable backends: structured logs, OpenTelemetry spans, or buffered
// in-memory capture for tests.
package emit

// Event is one observability record from a run.
type Event struct {
	// RunID identifies the run that produced the event.
	RunID string `json:"run_id"`

	// Seq is the checkpoint sequence at emission time; zero for
	// run-level events that precede the first checkpoint.
	Seq int64 `json:"seq"`

	// Node is the node the event concerns; empty for run-level events.
	Node string `json:"node,omitempty"`

	// Msg names the event: "node_start", "node_complete", "node_retry",
	// "run_suspended", "run_resumed", "run_complete", "run_failed",
	// "fanout_join", "checkpoint_put".
	Msg string `json:"msg"`

	// Meta carries event-specific fields: "duration_ms", "category",
	// "retry_count", "coverage", "interrupt_id".
	Meta map[string]any `json:"meta,omitempty"`
}

// Emitter receives events from the engine.
//
// Implementations must be safe for concurrent use, must not block the
// execution path, and must not panic; delivery failures are handled
// internally.
type Emitter interface {
	Emit(event Event)
}

// NullEmitter discards every event. Used when observability is disabled.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops all events.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter.
func (*NullEmitter) Emit(Event) {}

// MultiEmitter fans each event out to several backends in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters; nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit implements Emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
