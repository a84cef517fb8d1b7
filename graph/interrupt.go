package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// SuspendRequest is what a node hands the engine to pause the run for
// external input. Suspension is a normal outcome, not an error.
type SuspendRequest struct {
	// Prompt is the typed payload presented to the external actor.
	Prompt any

	// Options enumerates the choices offered to the actor, if any.
	Options []string

	// ReplyChannel is the State channel the actor's reply merges into.
	// The reply reaches downstream nodes through the normal reducer
	// path, indistinguishable from any other state update.
	ReplyChannel string

	// ResumeNode is where execution re-enters after the reply arrives.
	ResumeNode string
}

// Interrupt is the durable record of one suspension point. It is created
// when a node suspends, mutated exactly once when the reply is attached,
// and afterward preserved in the run's interrupt log, never reissued for
// the same pause point.
type Interrupt struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	Node    string          `json:"node"`
	Prompt  json.RawMessage `json:"prompt,omitempty"`
	Options []string        `json:"options,omitempty"`

	ReplyChannel string `json:"reply_channel"`
	ResumeNode   string `json:"resume_node"`

	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Reply      json.RawMessage `json:"reply,omitempty"`
}

// Resolved reports whether the reply has been attached.
func (i *Interrupt) Resolved() bool { return i.ResolvedAt != nil }

// encodeInterrupt serializes the record for the checkpoint's opaque
// interrupt column.
func encodeInterrupt(rec *Interrupt) (json.RawMessage, error) {
	if rec == nil {
		return nil, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode interrupt: %w", err)
	}
	return data, nil
}

// decodeInterrupt parses the checkpoint's interrupt column; empty means no
// interrupt.
func decodeInterrupt(raw json.RawMessage) (*Interrupt, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rec Interrupt
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode interrupt: %w", err)
	}
	return &rec, nil
}
