package graph

import (
	"errors"
	"reflect"
	"testing"
)

func TestNewSchema(t *testing.T) {
	t.Run("adds reserved channels", func(t *testing.T) {
		s, err := NewSchema(Channel{Name: "query"})
		if err != nil {
			t.Fatalf("NewSchema: %v", err)
		}
		for _, name := range []string{"query", ChannelErrorLog, ChannelInterruptLog} {
			if !s.Has(name) {
				t.Errorf("schema missing channel %q", name)
			}
		}
	})

	t.Run("rejects reserved names", func(t *testing.T) {
		if _, err := NewSchema(Channel{Name: ChannelErrorLog}); err == nil {
			t.Error("expected error redefining error_log")
		}
		if _, err := NewSchema(Channel{Name: ChannelInterruptLog}); err == nil {
			t.Error("expected error redefining interrupt_log")
		}
	})

	t.Run("rejects duplicates and empty names", func(t *testing.T) {
		if _, err := NewSchema(Channel{Name: "a"}, Channel{Name: "a"}); err == nil {
			t.Error("expected duplicate error")
		}
		if _, err := NewSchema(Channel{Name: ""}); err == nil {
			t.Error("expected empty-name error")
		}
	})
}

func TestNewState(t *testing.T) {
	s, err := NewSchema(
		Channel{Name: "query", Default: ""},
		Channel{Name: "count", Default: 7},
		Channel{Name: "items", Default: []any{}, Reduce: Append},
	)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	st, err := s.NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	// Defaults pass through the JSON round-trip, so numbers come back as
	// float64 like every other state value.
	if got := st["count"]; got != float64(7) {
		t.Errorf("count = %v (%T), want float64(7)", got, got)
	}
	if got := st["query"]; got != "" {
		t.Errorf("query = %v, want empty string", got)
	}
	if _, ok := st[ChannelErrorLog].([]any); !ok {
		t.Errorf("error_log = %T, want []any", st[ChannelErrorLog])
	}
}

func TestMerge(t *testing.T) {
	s, err := NewSchema(
		Channel{Name: "query", Default: ""},
		Channel{Name: "items", Default: []any{}, Reduce: Append},
	)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	base, err := s.NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	t.Run("replace reducer", func(t *testing.T) {
		out, err := s.Merge(base, State{"query": "hello"})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if out["query"] != "hello" {
			t.Errorf("query = %v, want hello", out["query"])
		}
	})

	t.Run("append reducer accumulates", func(t *testing.T) {
		out, err := s.Merge(base, State{"items": "first"})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		out, err = s.Merge(out, State{"items": []any{"second", "third"}})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		want := []any{"first", "second", "third"}
		if !reflect.DeepEqual(out["items"], want) {
			t.Errorf("items = %v, want %v", out["items"], want)
		}
	})

	t.Run("unknown channel fails loudly", func(t *testing.T) {
		if _, err := s.Merge(base, State{"typo": 1}); err == nil {
			t.Error("expected unknown-channel error")
		}
	})

	t.Run("does not mutate inputs", func(t *testing.T) {
		cur, err := s.Merge(base, State{"query": "before"})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if _, err := s.Merge(cur, State{"query": "after"}); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if cur["query"] != "before" {
			t.Errorf("input state mutated: query = %v", cur["query"])
		}
	})
}

func TestClone(t *testing.T) {
	s, err := NewSchema(Channel{Name: "nested", Default: map[string]any{}})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	st := State{"nested": map[string]any{"k": "v"}}

	out, err := s.Clone(st)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	out["nested"].(map[string]any)["k"] = "changed"
	if st["nested"].(map[string]any)["k"] != "v" {
		t.Error("clone shares nested map with original")
	}
}

func TestAppendReducer(t *testing.T) {
	t.Run("nil current", func(t *testing.T) {
		got := Append(nil, "x")
		if !reflect.DeepEqual(got, []any{"x"}) {
			t.Errorf("got %v", got)
		}
	})
	t.Run("scalar current", func(t *testing.T) {
		got := Append("a", "b")
		if !reflect.DeepEqual(got, []any{"a", "b"}) {
			t.Errorf("got %v", got)
		}
	})
}

var errSentinel = errors.New("sentinel")

func TestFatal(t *testing.T) {
	wrapped := Fatal(errSentinel)
	if !isFatal(wrapped) {
		t.Error("Fatal-wrapped error not detected")
	}
	if !errors.Is(wrapped, errSentinel) {
		t.Error("Fatal breaks the error chain")
	}
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) should be nil")
	}
	if isFatal(errSentinel) {
		t.Error("plain error detected as fatal")
	}
}
