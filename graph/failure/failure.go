// Package failure classifies raw node and store errors into a closed set of
// categories and decides whether a failed attempt may be retried.
//
// Classification is ordered pattern matching over the error chain and the
// error message; the first matching rule wins and anything unmatched is
// CategoryUnknown. The retry table maps each category to a budget:
// transient categories retry up to the configured maximum, tool failures and
// unknowns retry once, and capacity/format/persistence failures are never
// retried automatically.
package failure

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Category identifies the class of a failure. The set is closed; downstream
// handling switches over these values.
type Category string

const (
	// CategoryRateLimited marks upstream throttling (HTTP 429 and friends).
	CategoryRateLimited Category = "RATE_LIMITED"

	// CategoryContextTooLarge marks input that exceeded a hard capacity
	// limit of the unit of work. Retrying the same input cannot succeed.
	CategoryContextTooLarge Category = "CONTEXT_TOO_LARGE"

	// CategoryUpstreamUnavailable marks transient connectivity and timeout
	// failures, including cooperative node-timeout cancellation.
	CategoryUpstreamUnavailable Category = "UPSTREAM_UNAVAILABLE"

	// CategoryToolExecutionFailed marks a failed tool invocation.
	CategoryToolExecutionFailed Category = "TOOL_EXECUTION_FAILED"

	// CategoryMalformedOutput marks output that could not be parsed or
	// validated. Retrying without changing the request rarely helps.
	CategoryMalformedOutput Category = "MALFORMED_OUTPUT"

	// CategoryPersistence marks an exhausted checkpoint-store operation.
	// Always fatal to the current step; a lost write must fail loudly.
	CategoryPersistence Category = "PERSISTENCE_ERROR"

	// CategoryUnknown is the fallthrough for unmatched errors.
	CategoryUnknown Category = "UNKNOWN"
)

// PersistenceError wraps a checkpoint-store failure that survived its retry
// budget. Callers must treat it as fatal to the current step.
type PersistenceError struct {
	Op  string // store operation that failed ("get", "put", "delete", "list")
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ToolError wraps a failed tool invocation so it classifies as
// CategoryToolExecutionFailed regardless of the underlying message.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return "tool " + e.Tool + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error { return e.Err }

// rule is one ordered pattern-match entry. Substrings are matched against
// the lowercased error message.
type rule struct {
	category Category
	patterns []string
}

// rules are evaluated in order; first match wins. Order matters: capacity
// messages often also mention the provider, so CONTEXT_TOO_LARGE precedes
// the broad transient patterns.
var rules = []rule{
	{CategoryRateLimited, []string{"rate limit", "rate_limit", "too many requests", "429", "quota exceeded"}},
	{CategoryContextTooLarge, []string{"context length", "context_length", "maximum context", "token limit", "input too large", "prompt is too long"}},
	{CategoryMalformedOutput, []string{"malformed", "unmarshal", "invalid json", "unexpected end of json", "failed to parse", "schema validation"}},
	{CategoryUpstreamUnavailable, []string{"unavailable", "connection refused", "connection reset", "timeout", "deadline exceeded", "502", "503", "504", "overloaded"}},
	{CategoryToolExecutionFailed, []string{"tool execution", "tool failed"}},
}

// Classify maps a raw error to its category.
//
// Typed errors in the chain take precedence over message patterns:
// *PersistenceError, *ToolError, and context deadline expiry are recognized
// directly. Everything else falls through the ordered pattern table.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var pe *PersistenceError
	if errors.As(err, &pe) {
		return CategoryPersistence
	}
	var te *ToolError
	if errors.As(err, &te) {
		return CategoryToolExecutionFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryUpstreamUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return r.category
			}
		}
	}
	return CategoryUnknown
}

// ShouldRetry reports whether a failure of the given category may be retried.
//
// attempt is zero-based: attempt 0 is the first failure. maxAttempts bounds
// the retry-eligible categories; the once-only categories ignore it.
func ShouldRetry(category Category, attempt, maxAttempts int) bool {
	switch category {
	case CategoryRateLimited, CategoryUpstreamUnavailable:
		return attempt < maxAttempts
	case CategoryToolExecutionFailed, CategoryUnknown:
		return attempt < 1
	default:
		// CONTEXT_TOO_LARGE, MALFORMED_OUTPUT, PERSISTENCE_ERROR:
		// surfaced for caller-level handling, never retried automatically.
		return false
	}
}

// Event is one immutable entry in a run's error log. Created whenever a node
// attempt fails; never mutated afterward.
type Event struct {
	Category   Category  `json:"category"`
	Message    string    `json:"message"`
	Node       string    `json:"node"`
	RetryCount int       `json:"retry_count"`
	Fatal      bool      `json:"fatal"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent classifies err and builds the corresponding log entry.
func NewEvent(node string, err error, retryCount int) Event {
	return Event{
		Category:   Classify(err),
		Message:    err.Error(),
		Node:       node,
		RetryCount: retryCount,
		Timestamp:  time.Now().UTC(),
	}
}

// Retryable reports whether the event permits another attempt. The Fatal
// flag overrides the category table unconditionally.
func (e Event) Retryable(maxAttempts int) bool {
	if e.Fatal {
		return false
	}
	return ShouldRetry(e.Category, e.RetryCount, maxAttempts)
}
