package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"rate limit message", errors.New("openai: rate limit exceeded, slow down"), CategoryRateLimited},
		{"http 429", errors.New("request failed with status 429"), CategoryRateLimited},
		{"quota", errors.New("quota exceeded for project"), CategoryRateLimited},
		{"context length", errors.New("this model's maximum context length is 128000 tokens"), CategoryContextTooLarge},
		{"prompt too long", errors.New("prompt is too long: 210000 tokens"), CategoryContextTooLarge},
		{"connection refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), CategoryUpstreamUnavailable},
		{"http 503", errors.New("upstream returned 503"), CategoryUpstreamUnavailable},
		{"overloaded", errors.New("anthropic: overloaded_error"), CategoryUpstreamUnavailable},
		{"timeout message", errors.New("request timeout after 30s"), CategoryUpstreamUnavailable},
		{"context deadline sentinel", fmt.Errorf("node run: %w", context.DeadlineExceeded), CategoryUpstreamUnavailable},
		{"tool execution", errors.New("tool execution returned non-zero exit"), CategoryToolExecutionFailed},
		{"malformed json", errors.New("failed to parse model reply: invalid json"), CategoryMalformedOutput},
		{"unmarshal", errors.New("json: cannot unmarshal string into field"), CategoryMalformedOutput},
		{"unmatched", errors.New("something odd happened"), CategoryUnknown},
		{"nil error", nil, CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_TypedErrorsPrecedePatterns(t *testing.T) {
	// A persistence failure whose message mentions a timeout must still
	// classify as PERSISTENCE_ERROR.
	pe := &PersistenceError{Op: "put", Err: errors.New("mysql: lock wait timeout")}
	if got := Classify(fmt.Errorf("save step: %w", pe)); got != CategoryPersistence {
		t.Errorf("wrapped PersistenceError classified as %s", got)
	}

	te := &ToolError{Tool: "fetch", Err: errors.New("connection refused")}
	if got := Classify(te); got != CategoryToolExecutionFailed {
		t.Errorf("ToolError classified as %s", got)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		category Category
		attempt  int
		max      int
		want     bool
	}{
		{CategoryRateLimited, 0, 3, true},
		{CategoryRateLimited, 2, 3, true},
		{CategoryRateLimited, 3, 3, false},
		{CategoryUpstreamUnavailable, 0, 3, true},
		{CategoryUpstreamUnavailable, 3, 3, false},
		{CategoryToolExecutionFailed, 0, 5, true}, // once only
		{CategoryToolExecutionFailed, 1, 5, false},
		{CategoryUnknown, 0, 5, true}, // conservative single retry
		{CategoryUnknown, 1, 5, false},
		{CategoryContextTooLarge, 0, 5, false},
		{CategoryMalformedOutput, 0, 5, false},
		{CategoryPersistence, 0, 5, false},
	}

	for _, tt := range tests {
		got := ShouldRetry(tt.category, tt.attempt, tt.max)
		if got != tt.want {
			t.Errorf("ShouldRetry(%s, %d, %d) = %v, want %v",
				tt.category, tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestEvent_Retryable_FatalOverrides(t *testing.T) {
	ev := NewEvent("fetch", errors.New("503 from upstream"), 0)
	if !ev.Retryable(3) {
		t.Fatal("transient event should be retryable")
	}

	ev.Fatal = true
	if ev.Retryable(3) {
		t.Error("fatal flag must force no-retry regardless of category")
	}
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent("summarize", errors.New("rate limit hit"), 2)

	if ev.Category != CategoryRateLimited {
		t.Errorf("category = %s, want RATE_LIMITED", ev.Category)
	}
	if ev.Node != "summarize" || ev.RetryCount != 2 {
		t.Errorf("event = %+v, want node=summarize retryCount=2", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
