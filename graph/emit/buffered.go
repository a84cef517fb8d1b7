package emit

import "sync"

// BufferedEmitter captures events in memory. Tests use it to assert on the
// event stream; production callers can drain it periodically into another
// backend.
type BufferedEmitter struct {
	mu     sync.Mutex
	events []Event
	max    int
}

// NewBufferedEmitter creates a buffer holding at most max events; max <= 0
// means unbounded. When full, the oldest events are dropped.
func NewBufferedEmitter(max int) *BufferedEmitter {
	return &BufferedEmitter{max: max}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
	if b.max > 0 && len(b.events) > b.max {
		b.events = b.events[len(b.events)-b.max:]
	}
}

// Events returns a snapshot of the captured events.
func (b *BufferedEmitter) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Drain returns the captured events and clears the buffer.
func (b *BufferedEmitter) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// ByMsg returns captured events with the given message name.
func (b *BufferedEmitter) ByMsg(msg string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}
