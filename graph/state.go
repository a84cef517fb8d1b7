package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State maps named channels to values. It is the shared, evolving document
// a run's nodes read from and write deltas into.
//
// Nodes never receive the authoritative copy: the engine hands each node a
// deep clone and merges the returned delta through the channel reducers.
type State map[string]any

// Reducer merges an incoming channel value into the current one.
//
// Reducers must be associative and side-effect-free so that replaying the
// same deltas always produces an identical State. Values pass through a
// JSON round-trip between steps, so reducers see generic JSON types
// (float64, []any, map[string]any) rather than concrete Go types.
type Reducer func(current, incoming any) any

// Replace is the default reducer: the incoming value wins.
func Replace(_, incoming any) any { return incoming }

// Append accumulates values into a slice. A slice incoming is concatenated;
// anything else is appended as a single element.
func Append(current, incoming any) any {
	var out []any
	if cur, ok := current.([]any); ok {
		out = append(out, cur...)
	} else if current != nil {
		out = append(out, current)
	}
	if inc, ok := incoming.([]any); ok {
		return append(out, inc...)
	}
	return append(out, incoming)
}

// Channel declares one named slot of State: its default value and the
// reducer that merges updates into it.
type Channel struct {
	Name    string
	Default any

	// Reduce merges updates; nil selects Replace.
	Reduce Reducer
}

// Reserved channels maintained by the engine itself. Every schema carries
// them so a run always has a complete error and interrupt trail.
const (
	// ChannelErrorLog accumulates failure.Event entries for the run.
	ChannelErrorLog = "error_log"

	// ChannelInterruptLog accumulates resolved interrupt records.
	ChannelInterruptLog = "interrupt_log"
)

// Schema is the fixed set of channels a workflow's State is made of.
type Schema struct {
	channels map[string]Channel
	names    []string // sorted, for deterministic merge order
}

// NewSchema builds a schema from the given channels, adding the reserved
// engine channels. Duplicate, empty, or reserved names are rejected.
func NewSchema(channels ...Channel) (*Schema, error) {
	s := &Schema{channels: make(map[string]Channel)}

	for _, reserved := range []Channel{
		{Name: ChannelErrorLog, Default: []any{}, Reduce: Append},
		{Name: ChannelInterruptLog, Default: []any{}, Reduce: Append},
	} {
		s.channels[reserved.Name] = reserved
	}

	for _, ch := range channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("schema: channel name cannot be empty")
		}
		if ch.Name == ChannelErrorLog || ch.Name == ChannelInterruptLog {
			return nil, fmt.Errorf("schema: channel %q is reserved", ch.Name)
		}
		if _, dup := s.channels[ch.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate channel %q", ch.Name)
		}
		if ch.Reduce == nil {
			ch.Reduce = Replace
		}
		s.channels[ch.Name] = ch
	}

	s.names = make([]string, 0, len(s.channels))
	for name := range s.channels {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Has reports whether the schema declares the channel.
func (s *Schema) Has(name string) bool {
	_, ok := s.channels[name]
	return ok
}

// NewState returns a fresh State with every channel at its default, so a
// new run always starts complete.
func (s *Schema) NewState() (State, error) {
	st := make(State, len(s.channels))
	for name, ch := range s.channels {
		st[name] = ch.Default
	}
	// Round-trip so defaults are isolated from the schema and normalized
	// to JSON types, same as any post-merge State.
	return s.Clone(st)
}

// Merge applies a delta to current and returns the merged State. Channels
// merge in sorted name order so the result is deterministic regardless of
// how the delta was assembled. Unknown channels are an error: a typo in a
// node must fail loudly, not vanish.
func (s *Schema) Merge(current State, delta State) (State, error) {
	out, err := s.Clone(current)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	if len(delta) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(delta))
	for k := range delta {
		if _, ok := s.channels[k]; !ok {
			return nil, fmt.Errorf("merge: unknown channel %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		normalized, err := normalize(delta[k])
		if err != nil {
			return nil, fmt.Errorf("merge channel %q: %w", k, err)
		}
		out[k] = s.channels[k].Reduce(out[k], normalized)
	}
	return out, nil
}

// Clone deep-copies a State via JSON round-trip, the same isolation
// mechanism used for fan-out member snapshots.
func (s *Schema) Clone(st State) (State, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	if out == nil {
		out = make(State)
	}
	return out, nil
}

// normalize round-trips a single value to generic JSON types so reducers
// always see the same shapes regardless of where the delta came from.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
