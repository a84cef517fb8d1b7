package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/duraflow/graph/backoff"
	"github.com/dshills/duraflow/graph/failure"
)

// Reliable wraps a Store and retries every operation through a bounded
// backoff loop, absorbing transient backend hiccups (lock contention,
// dropped connections) without surfacing them to the engine.
//
// ErrNotFound and ErrSequenceConflict are definitive answers, never retried.
// When the retry budget is exhausted the operation fails with a
// failure.PersistenceError, which the engine must treat as fatal to the
// current step; silently losing a checkpoint write is worse than failing
// loudly.
type Reliable[S any] struct {
	inner    Store[S]
	policy   backoff.Policy
	attempts int

	// sleep is replaceable in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultStoreAttempts is the per-operation attempt budget (initial try
// plus retries).
const DefaultStoreAttempts = 4

// NewReliable wraps inner with retry behavior. attempts <= 0 selects
// DefaultStoreAttempts.
func NewReliable[S any](inner Store[S], policy backoff.Policy, attempts int) *Reliable[S] {
	if attempts <= 0 {
		attempts = DefaultStoreAttempts
	}
	return &Reliable[S]{
		inner:    inner,
		policy:   policy,
		attempts: attempts,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// definitive reports whether err is a final answer that retrying cannot
// change.
func definitive(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSequenceConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (r *Reliable[S]) retry(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.policy.Delay(attempt-1)); err != nil {
				return err
			}
		}
		last = fn()
		if last == nil || definitive(last) {
			return last
		}
	}
	return &failure.PersistenceError{Op: op, Err: last}
}

// Get implements Store.
func (r *Reliable[S]) Get(ctx context.Context, runID string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	err := r.retry(ctx, "get", func() error {
		var inner error
		cp, inner = r.inner.Get(ctx, runID)
		return inner
	})
	return cp, err
}

// Put implements Store.
func (r *Reliable[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
	return r.retry(ctx, "put", func() error {
		return r.inner.Put(ctx, cp)
	})
}

// Delete implements Store.
func (r *Reliable[S]) Delete(ctx context.Context, runID string) error {
	return r.retry(ctx, "delete", func() error {
		return r.inner.Delete(ctx, runID)
	})
}

// List implements Store.
func (r *Reliable[S]) List(ctx context.Context, ownerID string) ([]Summary, error) {
	var out []Summary
	err := r.retry(ctx, "list", func() error {
		var inner error
		out, inner = r.inner.List(ctx, ownerID)
		return inner
	})
	return out, err
}
