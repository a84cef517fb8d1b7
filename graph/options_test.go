package graph

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/duraflow/graph/backoff"
)

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()

	if opts.MaxSteps != DefaultMaxSteps {
		t.Errorf("MaxSteps = %d, want %d", opts.MaxSteps, DefaultMaxSteps)
	}
	if opts.LoopWindow != DefaultLoopWindow {
		t.Errorf("LoopWindow = %d, want %d", opts.LoopWindow, DefaultLoopWindow)
	}
	if opts.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", opts.MaxAttempts, DefaultMaxAttempts)
	}
	if opts.Backoff.Base != backoff.DefaultBase {
		t.Errorf("Backoff.Base = %v", opts.Backoff.Base)
	}
	if opts.NodeTimeouts[TimeoutHeavyIO] != 10*time.Minute {
		t.Errorf("heavy-io budget = %v", opts.NodeTimeouts[TimeoutHeavyIO])
	}
	if opts.FanOutTimeout != DefaultFanOutTimeout {
		t.Errorf("FanOutTimeout = %v", opts.FanOutTimeout)
	}
	if opts.Clock == nil || opts.Sleep == nil {
		t.Error("Clock/Sleep not defaulted")
	}
}

func TestFunctionalOptions(t *testing.T) {
	var opts Options
	for _, apply := range []Option{
		WithMaxSteps(42),
		WithLoopWindow(5),
		WithMaxAttempts(7),
		WithNodeTimeout(TimeoutGeneration, time.Minute),
		WithFanOutTimeout(30 * time.Second),
		WithFingerprintChannels("query"),
		WithFingerprintExclude("scratch"),
	} {
		apply(&opts)
	}
	opts = opts.withDefaults()

	if opts.MaxSteps != 42 || opts.LoopWindow != 5 || opts.MaxAttempts != 7 {
		t.Errorf("options not applied: %+v", opts)
	}
	if opts.NodeTimeouts[TimeoutGeneration] != time.Minute {
		t.Errorf("generation budget = %v", opts.NodeTimeouts[TimeoutGeneration])
	}
	// Untouched classes keep their defaults.
	if opts.NodeTimeouts[TimeoutDefault] != 3*time.Minute {
		t.Errorf("default budget = %v", opts.NodeTimeouts[TimeoutDefault])
	}
	if len(opts.FingerprintInclude) != 1 || len(opts.FingerprintExclude) != 1 {
		t.Errorf("fingerprint channels not applied")
	}
}

func TestSleepContext(t *testing.T) {
	t.Run("returns on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := sleepContext(ctx, time.Minute); err == nil {
			t.Error("expected context error")
		}
	})
	t.Run("non-positive delay is instant", func(t *testing.T) {
		if err := sleepContext(context.Background(), 0); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
