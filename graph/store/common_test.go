package store

import "time"

// TestState is the shared state fixture for store tests.
type TestState struct {
	Query   string   `json:"query"`
	Counter int      `json:"counter"`
	Notes   []string `json:"notes,omitempty"`
}

// testCheckpoint builds a minimal valid checkpoint for a run.
func testCheckpoint(runID, ownerID string, seq int64, state TestState) Checkpoint[TestState] {
	return Checkpoint[TestState]{
		RunID:     runID,
		OwnerID:   ownerID,
		Seq:       seq,
		Status:    "RUNNING",
		NextNodes: []string{"next"},
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
}
