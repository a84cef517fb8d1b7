package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store implementation.
//
// Intended for tests and local development. Checkpoints are deep-copied on
// both Put and Get so callers can never mutate the store's internal state
// through a retained reference.
//
// Thread-safe for concurrent use.
type MemStore[S any] struct {
	mu   sync.RWMutex
	runs map[string]Checkpoint[S]
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{runs: make(map[string]Checkpoint[S])}
}

// Get returns the latest checkpoint for the run, or ErrNotFound.
func (m *MemStore[S]) Get(ctx context.Context, runID string) (Checkpoint[S], error) {
	var zero Checkpoint[S]
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	m.mu.RLock()
	cp, ok := m.runs[runID]
	m.mu.RUnlock()

	if !ok {
		return zero, ErrNotFound
	}
	return cloneCheckpoint(cp)
}

// Put writes a checkpoint, enforcing the monotonic sequence invariant.
func (m *MemStore[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.RunID == "" {
		return fmt.Errorf("put: empty run ID")
	}

	copied, err := cloneCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.runs[cp.RunID]; ok {
		if cp.Seq == existing.Seq {
			// Idempotent re-submission under retry.
			return nil
		}
		if cp.Seq < existing.Seq {
			return fmt.Errorf("put %s: seq %d behind %d: %w",
				cp.RunID, cp.Seq, existing.Seq, ErrSequenceConflict)
		}
	}

	m.runs[cp.RunID] = copied
	return nil
}

// Delete removes the run's checkpoint. Missing runs are a no-op.
func (m *MemStore[S]) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	return nil
}

// List returns summaries for the owner's runs, most recently updated first.
func (m *MemStore[S]) List(ctx context.Context, ownerID string) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []Summary
	for _, cp := range m.runs {
		if cp.OwnerID != ownerID {
			continue
		}
		out = append(out, Summary{
			RunID:     cp.RunID,
			OwnerID:   cp.OwnerID,
			Seq:       cp.Seq,
			Status:    cp.Status,
			UpdatedAt: cp.UpdatedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}
