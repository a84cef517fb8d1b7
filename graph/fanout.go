package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/duraflow/graph/failure"
)

// MemberOutcome is one fan-out member's report: a state delta and route on
// success, a terminal error event otherwise.
type MemberOutcome struct {
	Node  string
	Delta State
	Route Next
	Err   *failure.Event
}

// JoinResult is the explicit, typed outcome of a fan-out dispatch.
//
// The join fires once every member has reported (success and terminal
// failure both count as reported) or once the dispatch timeout elapses,
// whichever comes first. A timed-out dispatch joins with whatever
// completed and lists the silent members in Incomplete. Callers must
// consult Coverage (or Degraded) rather than assume a full join: partial
// completion is a deliberate availability-over-completeness policy, never
// silent success.
type JoinResult struct {
	DispatchID string

	// Outcomes holds reported members in declared member order, which is
	// also the merge order. Completion order never influences the result.
	Outcomes []MemberOutcome

	// Incomplete lists members that had not reported when the dispatch
	// timeout fired, in declared order.
	Incomplete []string

	// Coverage is reported members over declared members, in [0, 1].
	Coverage float64

	StartedAt time.Time
}

// Degraded reports whether the join is missing or carrying failed members.
func (j JoinResult) Degraded() bool {
	if len(j.Incomplete) > 0 {
		return true
	}
	for _, o := range j.Outcomes {
		if o.Err != nil {
			return true
		}
	}
	return false
}

// memberExec runs one member to a terminal outcome (including any retries).
type memberExec func(ctx context.Context, nodeID string, state State) (State, Next, *failure.Event)

// fanOut dispatches members concurrently against isolated copies of the
// pre-fan-out state and joins their reports deterministically.
//
// Isolation: each member receives its own deep clone, so members never
// observe each other's in-flight updates. Determinism: outcomes are
// assembled in declared member order regardless of wall-clock completion.
func fanOut(ctx context.Context, schema *Schema, state State, members []string, timeout time.Duration, exec memberExec) (JoinResult, error) {
	result := JoinResult{
		DispatchID: uuid.NewString(),
		StartedAt:  time.Now().UTC(),
	}

	type report struct {
		index   int
		outcome MemberOutcome
	}
	reports := make(chan report, len(members))

	for i, nodeID := range members {
		snapshot, err := schema.Clone(state)
		if err != nil {
			return result, err
		}
		go func(index int, nodeID string, snapshot State) {
			delta, route, ev := exec(ctx, nodeID, snapshot)
			reports <- report{index, MemberOutcome{Node: nodeID, Delta: delta, Route: route, Err: ev}}
		}(i, nodeID, snapshot)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	reported := make(map[int]MemberOutcome, len(members))
collect:
	for len(reported) < len(members) {
		select {
		case r := <-reports:
			reported[r.index] = r.outcome
		case <-timer:
			break collect
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	for i, nodeID := range members {
		if outcome, ok := reported[i]; ok {
			result.Outcomes = append(result.Outcomes, outcome)
		} else {
			result.Incomplete = append(result.Incomplete, nodeID)
		}
	}
	result.Coverage = float64(len(reported)) / float64(len(members))
	return result, nil
}
