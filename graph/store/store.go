// Package store persists run checkpoints durably.
//
// A checkpoint is the single source of truth for how far a run has
// progressed: no component may claim progress without a corresponding
// successful Put. Sequence numbers strictly increase per run and every
// backend enforces that invariant with a conditional write, which is also
// what prevents two engine instances from driving the same run: the stale
// owner's Put fails with ErrSequenceConflict.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no checkpoint exists for the run.
// First-run initialization treats this as a normal, non-error path.
var ErrNotFound = errors.New("checkpoint not found")

// ErrSequenceConflict is returned by Put when the submitted sequence number
// is older than one already durably written for the run. A conflicting Put
// means the caller's view of the run is stale.
var ErrSequenceConflict = errors.New("checkpoint sequence conflict")

// Checkpoint is an immutable, versioned snapshot of a run.
//
// Seq strictly increases per run. Re-submitting the latest sequence is an
// idempotent no-op; submitting an older one fails with ErrSequenceConflict.
// Interrupt and LastError are opaque JSON blobs owned by the engine; the
// store never interprets them.
//
// Type parameter S is the state type, which must be JSON-serializable.
type Checkpoint[S any] struct {
	RunID     string          `json:"run_id"`
	OwnerID   string          `json:"owner_id"`
	Seq       int64           `json:"seq"`
	Status    string          `json:"status"`
	NextNodes []string        `json:"next_nodes"`
	State     S               `json:"state"`
	Interrupt json.RawMessage `json:"interrupt,omitempty"`
	LastError json.RawMessage `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Summary is the listing projection of a checkpoint, returned by List.
type Summary struct {
	RunID     string    `json:"run_id"`
	OwnerID   string    `json:"owner_id"`
	Seq       int64     `json:"seq"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable checkpoint backend contract.
//
// Implementations must support conditional writes (Put succeeds only if it
// extends the latest sequence) and point lookups by run ID. Nothing else is
// required of the backing datastore.
//
// Backends in this package:
//   - MemStore: in-memory, for tests and development
//   - SQLiteStore: single-file database, zero-setup local durability
//   - MySQLStore: shared database for multi-process deployments
type Store[S any] interface {
	// Get returns the latest checkpoint for the run, or ErrNotFound.
	Get(ctx context.Context, runID string) (Checkpoint[S], error)

	// Put durably writes a checkpoint. Same-sequence re-submission is a
	// no-op; an older sequence returns ErrSequenceConflict.
	Put(ctx context.Context, cp Checkpoint[S]) error

	// Delete removes the run's checkpoint. Deleting a missing run is a no-op.
	Delete(ctx context.Context, runID string) error

	// List returns summaries of all runs belonging to ownerID, most
	// recently updated first.
	List(ctx context.Context, ownerID string) ([]Summary, error)
}

// dbTimeLayout is the timestamp encoding shared by the SQL backends.
const dbTimeLayout = time.RFC3339Nano

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(s string) (time.Time, error) {
	t, err := time.Parse(dbTimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// cloneCheckpoint deep-copies a checkpoint through JSON so callers never
// share mutable state with a store's internal copy.
func cloneCheckpoint[S any](cp Checkpoint[S]) (Checkpoint[S], error) {
	data, err := json.Marshal(cp)
	if err != nil {
		var zero Checkpoint[S]
		return zero, err
	}
	var out Checkpoint[S]
	if err := json.Unmarshal(data, &out); err != nil {
		var zero Checkpoint[S]
		return zero, err
	}
	return out, nil
}
