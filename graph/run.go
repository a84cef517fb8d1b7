package graph

import (
	"time"

	"github.com/dshills/duraflow/graph/failure"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// StatusPending marks a run created but not yet stepped.
	StatusPending RunStatus = "PENDING"

	// StatusRunning marks a run actively being driven by an engine.
	StatusRunning RunStatus = "RUNNING"

	// StatusAwaitingInput marks a run suspended at an interrupt, waiting
	// for an external actor's reply.
	StatusAwaitingInput RunStatus = "AWAITING_INPUT"

	// StatusComplete marks a successfully finished run.
	StatusComplete RunStatus = "COMPLETE"

	// StatusFailed marks an unrecoverably failed run.
	StatusFailed RunStatus = "FAILED"
)

// Terminal reports whether the status admits no further execution.
func (s RunStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// RunInfo is the caller-facing view of a run, returned by Inspect.
//
// A failed run exposes its terminal error event here; it never exposes raw
// internal errors or partial state.
type RunInfo struct {
	RunID   string    `json:"run_id"`
	OwnerID string    `json:"owner_id"`
	Status  RunStatus `json:"status"`
	Seq     int64     `json:"seq"`

	// LastError is the terminal error event of a failed run, nil otherwise.
	LastError *failure.Event `json:"last_error,omitempty"`

	// PendingInterrupt is the unresolved interrupt of a suspended run,
	// nil otherwise.
	PendingInterrupt *Interrupt `json:"pending_interrupt,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
