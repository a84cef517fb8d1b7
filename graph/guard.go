package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TimeoutClass groups nodes by their expected execution profile. Each class
// carries a default time budget; a per-node override takes precedence.
type TimeoutClass string

const (
	// TimeoutDefault covers ordinary computation. Budget: 3 minutes.
	TimeoutDefault TimeoutClass = "default"

	// TimeoutHeavyIO covers bulk transfers and slow external systems.
	// Budget: 10 minutes.
	TimeoutHeavyIO TimeoutClass = "heavy-io"

	// TimeoutGeneration covers model-generation calls. Budget: 5 minutes.
	TimeoutGeneration TimeoutClass = "generation"
)

// defaultClassBudgets are the built-in per-class time budgets.
func defaultClassBudgets() map[TimeoutClass]time.Duration {
	return map[TimeoutClass]time.Duration{
		TimeoutDefault:    3 * time.Minute,
		TimeoutHeavyIO:    10 * time.Minute,
		TimeoutGeneration: 5 * time.Minute,
	}
}

// NodePolicy configures execution behavior for one node.
type NodePolicy struct {
	// Class selects the timeout budget; empty means TimeoutDefault.
	Class TimeoutClass

	// Timeout overrides the class budget when positive.
	Timeout time.Duration
}

// budget resolves the effective timeout: per-node override, then class
// budget, then the default class.
func (p NodePolicy) budget(budgets map[TimeoutClass]time.Duration) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	class := p.Class
	if class == "" {
		class = TimeoutDefault
	}
	if d, ok := budgets[class]; ok {
		return d
	}
	return budgets[TimeoutDefault]
}

// runNodeWithTimeout executes a node under its time budget.
//
// Cancellation is cooperative: the node sees a context that expires at the
// budget. A node that ignores the signal keeps running in its goroutine,
// but its eventual result is discarded: fail-safe, not fail-fast. The
// returned timeout error mentions the deadline so it classifies as
// UPSTREAM_UNAVAILABLE and stays retry-eligible.
func runNodeWithTimeout(ctx context.Context, node Node, nodeID string, state State, timeout time.Duration) NodeResult {
	if timeout <= 0 {
		return node.Run(ctx, state)
	}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan NodeResult, 1)
	go func() {
		done <- node.Run(nodeCtx, state)
	}()

	select {
	case res := <-done:
		return res
	case <-nodeCtx.Done():
		return NodeResult{Err: fmt.Errorf("node %s exceeded budget %v: %w",
			nodeID, timeout, nodeCtx.Err())}
	}
}

// loopGuard detects non-progress by fingerprinting State after every step
// and by enforcing a per-run step ceiling. Tripping the guard is always
// fatal to the run.
type loopGuard struct {
	window   int // identical consecutive fingerprints that trip the guard
	maxSteps int // per-run step ceiling; 0 disables
	history  int // bounded fingerprint history length

	include []string // channels to fingerprint; empty means all
	exclude []string // channels to drop from the fingerprint

	steps int
	seen  []string
}

func newLoopGuard(opts Options, startStep int) *loopGuard {
	return &loopGuard{
		window:   opts.LoopWindow,
		maxSteps: opts.MaxSteps,
		history:  opts.FingerprintHistory,
		include:  opts.FingerprintInclude,
		exclude:  opts.FingerprintExclude,
		steps:    startStep,
	}
}

// observe records one completed step. It returns ErrLoopDetected when the
// step ceiling is exceeded or the fingerprint has repeated across the
// configured window.
func (g *loopGuard) observe(state State) error {
	g.steps++
	if g.maxSteps > 0 && g.steps > g.maxSteps {
		return fmt.Errorf("%w: exceeded %d steps", ErrLoopDetected, g.maxSteps)
	}

	fp, err := fingerprint(state, g.include, g.exclude)
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}

	g.seen = append(g.seen, fp)
	if g.history > 0 && len(g.seen) > g.history {
		g.seen = g.seen[len(g.seen)-g.history:]
	}

	if g.window > 1 && len(g.seen) >= g.window {
		tail := g.seen[len(g.seen)-g.window:]
		same := true
		for _, f := range tail[1:] {
			if f != tail[0] {
				same = false
				break
			}
		}
		if same {
			return fmt.Errorf("%w: state unchanged for %d consecutive steps",
				ErrLoopDetected, g.window)
		}
	}
	return nil
}

// fingerprint computes a stable SHA-256 over the progress-relevant subset
// of State. Go's JSON encoder sorts map keys, so equal states always hash
// equal. The engine's own bookkeeping channels are excluded by default:
// an appended error event must not mask an otherwise-stuck run.
func fingerprint(state State, include, exclude []string) (string, error) {
	subset := make(State, len(state))

	if len(include) > 0 {
		for _, k := range include {
			if v, ok := state[k]; ok {
				subset[k] = v
			}
		}
	} else {
		for k, v := range state {
			if k == ChannelErrorLog || k == ChannelInterruptLog {
				continue
			}
			subset[k] = v
		}
	}
	for _, k := range exclude {
		delete(subset, k)
	}

	data, err := json.Marshal(subset)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
