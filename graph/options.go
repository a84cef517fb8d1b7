package graph

import (
	"context"
	"time"

	"github.com/dshills/duraflow/graph/backoff"
)

// Options collects the tunable behavior of an Engine. The zero value is
// usable: New fills every unset field with a production default.
type Options struct {
	// MaxSteps is the per-run step ceiling enforced by the loop guard.
	// Exceeding it fails the run with ErrLoopDetected. 0 disables.
	MaxSteps int

	// LoopWindow is how many identical consecutive state fingerprints
	// trip the loop guard. Values below 2 disable fingerprint detection.
	LoopWindow int

	// FingerprintHistory bounds how many fingerprints the guard retains.
	FingerprintHistory int

	// FingerprintInclude restricts fingerprinting to the named channels.
	// Empty means all channels except the engine's bookkeeping ones.
	FingerprintInclude []string

	// FingerprintExclude drops the named channels from the fingerprint.
	FingerprintExclude []string

	// MaxAttempts is how many retries a retry-eligible failure gets.
	// A node runs at most MaxAttempts+1 times.
	MaxAttempts int

	// Backoff computes the delay before each retry.
	Backoff backoff.Policy

	// NodeTimeouts maps timeout classes to their budgets. Per-node
	// policies resolve against this table.
	NodeTimeouts map[TimeoutClass]time.Duration

	// FanOutTimeout bounds a whole fan-out dispatch. When it elapses the
	// join proceeds with whatever members have reported. 0 disables.
	FanOutTimeout time.Duration

	// Metrics receives engine counters and latencies. Nil disables
	// instrumentation.
	Metrics *Metrics

	// Clock supplies the current time; tests substitute a fixed one.
	Clock func() time.Time

	// Sleep waits for a retry delay; tests substitute an instant one.
	// It must return early with ctx.Err() on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Defaults mirrored here so callers can reason about the zero config.
const (
	DefaultMaxSteps           = 25
	DefaultLoopWindow         = 3
	DefaultFingerprintHistory = 20
	DefaultMaxAttempts        = 3
	DefaultFanOutTimeout      = 5 * time.Minute
)

// withDefaults returns a copy of o with every unset field filled in.
func (o Options) withDefaults() Options {
	if o.MaxSteps == 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.LoopWindow == 0 {
		o.LoopWindow = DefaultLoopWindow
	}
	if o.FingerprintHistory == 0 {
		o.FingerprintHistory = DefaultFingerprintHistory
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff.Base == 0 && o.Backoff.Max == 0 {
		o.Backoff = backoff.Default()
	}
	if o.NodeTimeouts == nil {
		o.NodeTimeouts = defaultClassBudgets()
	}
	if o.FanOutTimeout == 0 {
		o.FanOutTimeout = DefaultFanOutTimeout
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	eng, err := graph.New(schema, st, emitter,
//	    graph.WithMaxSteps(100),
//	    graph.WithMaxAttempts(5),
//	)
type Option func(*Options)

// WithMaxSteps sets the per-run step ceiling.
//
// Workflow loops (A → B → A) are fully supported; the ceiling exists to
// stop runs whose conditional exit is missing or misconfigured. Size it
// as loop depth times expected iterations.
func WithMaxSteps(n int) Option {
	return func(o *Options) { o.MaxSteps = n }
}

// WithLoopWindow sets how many identical consecutive state fingerprints
// count as a loop.
func WithLoopWindow(n int) Option {
	return func(o *Options) { o.LoopWindow = n }
}

// WithFingerprintChannels restricts loop detection to the named channels.
// Use it when some channels change every step (timestamps, scratch data)
// and would hide real non-progress.
func WithFingerprintChannels(names ...string) Option {
	return func(o *Options) { o.FingerprintInclude = names }
}

// WithFingerprintExclude drops the named channels from loop detection.
func WithFingerprintExclude(names ...string) Option {
	return func(o *Options) { o.FingerprintExclude = names }
}

// WithMaxAttempts sets how many retries a retry-eligible failure gets.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff sets the retry delay policy.
func WithBackoff(p backoff.Policy) Option {
	return func(o *Options) { o.Backoff = p }
}

// WithNodeTimeout overrides one timeout class budget.
func WithNodeTimeout(class TimeoutClass, d time.Duration) Option {
	return func(o *Options) {
		if o.NodeTimeouts == nil {
			o.NodeTimeouts = defaultClassBudgets()
		}
		o.NodeTimeouts[class] = d
	}
}

// WithFanOutTimeout bounds a whole fan-out dispatch.
func WithFanOutTimeout(d time.Duration) Option {
	return func(o *Options) { o.FanOutTimeout = d }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClock substitutes the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithSleep substitutes the retry-delay waiter. Intended for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Options) { o.Sleep = sleep }
}

// sleepContext blocks for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
