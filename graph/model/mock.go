package model

import (
	"context"
	"sync"
)

// Mock is a scripted ChatModel for tests. Each call returns the next
// response in sequence; once the script is exhausted the last response
// repeats. Safe for concurrent use.
type Mock struct {
	// Responses is the scripted response sequence.
	Responses []ChatOut

	// Err, when set, is returned by every call instead of a response.
	Err error

	mu    sync.Mutex
	calls [][]Message
	next  int
}

// Chat implements ChatModel.
func (m *Mock) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]Message(nil), messages...))

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}
	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.next++
	return m.Responses[idx], nil
}

// Calls returns the recorded invocations.
func (m *Mock) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.calls))
	copy(out, m.calls)
	return out
}
