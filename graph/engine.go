// Package graph is a durable workflow execution engine.
//
// A workflow is a directed graph of nodes sharing a channel-based State.
// The engine drives a run step by step, checkpointing after every step, so
// a crashed or restarted process resumes from the last durable checkpoint
// instead of restarting the run. Nodes can retry under a classified error
// policy, fan out to concurrent branches with a deterministic join, and
// suspend the run for external input.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/duraflow/graph/emit"
	"github.com/dshills/duraflow/graph/failure"
	"github.com/dshills/duraflow/graph/store"
)

// Engine drives workflow runs against a durable checkpoint store.
//
// Build a graph with Add/AddWithPolicy, Connect, and StartAt, then launch
// runs with Start. An engine may drive many runs concurrently; each run's
// progress lives in the store, never in engine memory, so any engine
// instance can resume any run.
type Engine struct {
	schema  *Schema
	store   store.Store[State]
	emitter emit.Emitter
	opts    Options

	nodes    map[string]Node
	policies map[string]NodePolicy
	edges    []Edge
	start    string

	mu   sync.Mutex
	open map[string]struct{}
}

// New creates an engine. A nil emitter disables observability events.
func New(schema *Schema, st store.Store[State], emitter emit.Emitter, options ...Option) (*Engine, error) {
	if schema == nil {
		return nil, errors.New("engine: schema is required")
	}
	if st == nil {
		return nil, errors.New("engine: store is required")
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	var opts Options
	for _, apply := range options {
		apply(&opts)
	}

	return &Engine{
		schema:   schema,
		store:    st,
		emitter:  emitter,
		opts:     opts.withDefaults(),
		nodes:    make(map[string]Node),
		policies: make(map[string]NodePolicy),
		open:     make(map[string]struct{}),
	}, nil
}

// Add registers a node under the default execution policy.
func (e *Engine) Add(nodeID string, node Node) error {
	return e.AddWithPolicy(nodeID, node, NodePolicy{})
}

// AddWithPolicy registers a node with an explicit timeout policy.
func (e *Engine) AddWithPolicy(nodeID string, node Node, policy NodePolicy) error {
	if nodeID == "" {
		return errors.New("engine: node id cannot be empty")
	}
	if node == nil {
		return fmt.Errorf("engine: node %q is nil", nodeID)
	}
	if _, dup := e.nodes[nodeID]; dup {
		return fmt.Errorf("engine: node %q already registered", nodeID)
	}
	e.nodes[nodeID] = node
	e.policies[nodeID] = policy
	return nil
}

// StartAt sets the run entry node.
func (e *Engine) StartAt(nodeID string) error {
	if _, ok := e.nodes[nodeID]; !ok {
		return fmt.Errorf("engine: start node %q not registered", nodeID)
	}
	e.start = nodeID
	return nil
}

// Connect adds an edge used when a node does not route explicitly. Edges
// are evaluated in registration order; the first whose predicate passes
// (nil passes always) wins.
func (e *Engine) Connect(from, to string, when Predicate) error {
	if _, ok := e.nodes[from]; !ok {
		return fmt.Errorf("engine: edge source %q not registered", from)
	}
	if _, ok := e.nodes[to]; !ok {
		return fmt.Errorf("engine: edge target %q not registered", to)
	}
	e.edges = append(e.edges, Edge{From: from, To: to, When: when})
	return nil
}

// Start creates a new run and drives it until it completes, fails, or
// suspends. The returned run ID addresses the run for Resume and Inspect.
//
// The initial checkpoint is written before the first node executes, so a
// crash at any point leaves a resumable run behind.
func (e *Engine) Start(ctx context.Context, ownerID string, input State) (string, RunStatus, error) {
	if e.start == "" {
		return "", "", errors.New("engine: no start node configured")
	}

	state, err := e.schema.NewState()
	if err != nil {
		return "", "", err
	}
	state, err = e.schema.Merge(state, input)
	if err != nil {
		return "", "", err
	}

	runID := "run-" + uuid.NewString()
	cp := store.Checkpoint[State]{
		RunID:     runID,
		OwnerID:   ownerID,
		Seq:       1,
		Status:    string(StatusPending),
		NextNodes: []string{e.start},
		State:     state,
	}
	if err := e.putCheckpoint(ctx, cp); err != nil {
		return "", "", err
	}

	status, err := e.drive(ctx, cp)
	return runID, status, err
}

// Resume continues an existing run.
//
// With a suspended run, reply is attached to the pending interrupt, merged
// into the interrupt's reply channel, and execution re-enters at the
// resume node. With a non-terminal run that is not suspended, a nil reply
// continues it from its last checkpoint (crash recovery). Anything else is
// rejected: a reply for an already-resolved or never-issued interrupt
// returns ErrStaleResume, and continuing past a pending interrupt without
// a reply returns ErrInterruptPending.
func (e *Engine) Resume(ctx context.Context, runID string, reply any) (RunStatus, error) {
	cp, err := e.store.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	status := RunStatus(cp.Status)
	if status.Terminal() {
		return status, fmt.Errorf("run %s is %s: %w", runID, status, ErrStaleResume)
	}

	pending, err := decodeInterrupt(cp.Interrupt)
	if err != nil {
		return status, err
	}

	if pending != nil && !pending.Resolved() {
		if reply == nil {
			return status, fmt.Errorf("run %s has interrupt %s awaiting reply: %w",
				runID, pending.ID, ErrInterruptPending)
		}
		return e.resumeFromInterrupt(ctx, cp, pending, reply)
	}

	if reply != nil {
		e.opts.Metrics.interruptObserved("stale_rejected")
		return status, fmt.Errorf("run %s has no pending interrupt: %w", runID, ErrStaleResume)
	}

	// Crash recovery: continue from the last durable checkpoint.
	return e.drive(ctx, cp)
}

// resumeFromInterrupt attaches the reply, archives the interrupt, and
// continues execution at the resume node.
func (e *Engine) resumeFromInterrupt(ctx context.Context, cp store.Checkpoint[State], pending *Interrupt, reply any) (RunStatus, error) {
	raw, err := json.Marshal(reply)
	if err != nil {
		return RunStatus(cp.Status), fmt.Errorf("encode reply: %w", err)
	}
	now := e.opts.Clock()
	pending.Reply = raw
	pending.ResolvedAt = &now

	delta := State{ChannelInterruptLog: pending}
	if pending.ReplyChannel != "" {
		delta[pending.ReplyChannel] = reply
	}
	merged, err := e.schema.Merge(cp.State, delta)
	if err != nil {
		return RunStatus(cp.Status), err
	}

	cp.State = merged
	cp.Interrupt = nil
	cp.NextNodes = []string{pending.ResumeNode}
	cp.Status = string(StatusRunning)
	cp.Seq++
	if err := e.putCheckpoint(ctx, cp); err != nil {
		return RunStatus(cp.Status), err
	}

	e.opts.Metrics.interruptObserved("resumed")
	e.emitter.Emit(emit.Event{RunID: cp.RunID, Seq: cp.Seq, Node: pending.Node,
		Msg: "run_resumed", Meta: map[string]any{"interrupt_id": pending.ID}})

	return e.drive(ctx, cp)
}

// Inspect returns the caller-facing view of a run.
func (e *Engine) Inspect(ctx context.Context, runID string) (RunInfo, error) {
	cp, err := e.store.Get(ctx, runID)
	if err != nil {
		return RunInfo{}, err
	}

	info := RunInfo{
		RunID:     cp.RunID,
		OwnerID:   cp.OwnerID,
		Status:    RunStatus(cp.Status),
		Seq:       cp.Seq,
		UpdatedAt: cp.UpdatedAt,
	}
	if len(cp.LastError) > 0 {
		var ev failure.Event
		if err := json.Unmarshal(cp.LastError, &ev); err != nil {
			return RunInfo{}, fmt.Errorf("decode last error: %w", err)
		}
		info.LastError = &ev
	}
	pending, err := decodeInterrupt(cp.Interrupt)
	if err != nil {
		return RunInfo{}, err
	}
	if pending != nil && !pending.Resolved() {
		info.PendingInterrupt = pending
	}
	return info, nil
}

// OpenRuns lists the run IDs this engine instance is currently driving,
// sorted. Feeds the process lifecycle snapshot.
func (e *Engine) OpenRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) trackRun(runID string) {
	e.mu.Lock()
	e.open[runID] = struct{}{}
	e.mu.Unlock()
	e.opts.Metrics.runStarted()
}

func (e *Engine) untrackRun(runID string) {
	e.mu.Lock()
	delete(e.open, runID)
	e.mu.Unlock()
	e.opts.Metrics.runFinished()
}

// drive executes steps until the run reaches a terminal status, suspends,
// or the context is cancelled. One step executes every node named in the
// checkpoint's NextNodes: one node ordinarily, several after a fan-out.
func (e *Engine) drive(ctx context.Context, cp store.Checkpoint[State]) (RunStatus, error) {
	e.trackRun(cp.RunID)
	defer e.untrackRun(cp.RunID)

	// Seq 1 is the pre-execution checkpoint, so completed steps = Seq-1.
	// Seeding the guard from it keeps the step ceiling durable across
	// process restarts.
	guard := newLoopGuard(e.opts, int(cp.Seq)-1)

	for {
		if err := ctx.Err(); err != nil {
			return RunStatus(cp.Status), err
		}
		if len(cp.NextNodes) == 0 {
			return e.completeRun(ctx, cp)
		}

		stepStart := e.opts.Clock()
		var next []string
		var terminal bool

		if len(cp.NextNodes) == 1 {
			nodeID := cp.NextNodes[0]
			delta, route, ev := e.executeWithRetry(ctx, cp.RunID, cp.Seq, nodeID, cp.State)
			if ev != nil {
				e.opts.Metrics.stepObserved(nodeID, "error", e.opts.Clock().Sub(stepStart))
				return e.failRun(ctx, cp, *ev, errors.New(ev.Message))
			}
			merged, err := e.schema.Merge(cp.State, delta)
			if err != nil {
				mergeEv := failure.NewEvent(nodeID, err, 0)
				mergeEv.Fatal = true
				return e.failRun(ctx, cp, mergeEv, err)
			}
			cp.State = merged

			if route.Interrupt != nil {
				return e.suspendRun(ctx, cp, nodeID, *route.Interrupt)
			}

			next, terminal, err = e.resolveNext(nodeID, route, cp.State)
			if err != nil {
				routeEv := failure.NewEvent(nodeID, err, 0)
				routeEv.Fatal = true
				return e.failRun(ctx, cp, routeEv, err)
			}
			e.opts.Metrics.stepObserved(nodeID, "success", e.opts.Clock().Sub(stepStart))
		} else {
			var err error
			next, terminal, err = e.stepFanOut(ctx, &cp)
			if err != nil {
				var ff fanOutFailure
				if errors.As(err, &ff) {
					return e.failRun(ctx, cp, ff.Ev, err)
				}
				return RunStatus(cp.Status), err
			}
		}

		if terminal {
			next = nil
		}
		if err := guard.observe(cp.State); err != nil {
			guardEv := failure.NewEvent("", err, 0)
			guardEv.Fatal = true
			return e.failRun(ctx, cp, guardEv, err)
		}

		cp.NextNodes = next
		cp.Status = string(StatusRunning)
		if len(next) == 0 {
			cp.Status = string(StatusComplete)
		}
		cp.Seq++
		if err := e.putCheckpoint(ctx, cp); err != nil {
			return RunStatus(cp.Status), err
		}
		if RunStatus(cp.Status) == StatusComplete {
			e.emitter.Emit(emit.Event{RunID: cp.RunID, Seq: cp.Seq, Msg: "run_complete"})
			return StatusComplete, nil
		}
	}
}

// fanOutFailure carries a terminal fan-out event through the error return.
type fanOutFailure struct {
	Ev failure.Event
}

func (f fanOutFailure) Error() string { return f.Ev.Message }

// stepFanOut executes all nodes in the checkpoint's NextNodes concurrently
// and merges the join deterministically.
//
// Member deltas merge in declared member order; failed members contribute
// their failure event to the error log instead of failing the run, unless
// no member succeeded at all. A member that tries to suspend is a
// programming error: interrupts are only meaningful on single-node steps.
func (e *Engine) stepFanOut(ctx context.Context, cp *store.Checkpoint[State]) ([]string, bool, error) {
	stepStart := e.opts.Clock()
	exec := func(ctx context.Context, nodeID string, snapshot State) (State, Next, *failure.Event) {
		return e.executeWithRetry(ctx, cp.RunID, cp.Seq, nodeID, snapshot)
	}

	res, err := fanOut(ctx, e.schema, cp.State, cp.NextNodes, e.opts.FanOutTimeout, exec)
	if err != nil {
		return nil, false, err
	}
	e.opts.Metrics.fanoutObserved(res.Degraded())
	e.emitter.Emit(emit.Event{RunID: cp.RunID, Seq: cp.Seq, Msg: "fanout_join",
		Meta: map[string]any{"coverage": res.Coverage, "dispatch_id": res.DispatchID}})

	merged := cp.State
	var succeeded []MemberOutcome
	for _, outcome := range res.Outcomes {
		if outcome.Err != nil {
			merged, err = e.schema.Merge(merged, State{ChannelErrorLog: *outcome.Err})
			if err != nil {
				return nil, false, err
			}
			continue
		}
		if outcome.Route.Interrupt != nil {
			ev := failure.NewEvent(outcome.Node,
				fmt.Errorf("node %s suspended inside fan-out: %w", outcome.Node, ErrInterruptPending), 0)
			ev.Fatal = true
			return nil, false, fanOutFailure{Ev: ev}
		}
		merged, err = e.schema.Merge(merged, outcome.Delta)
		if err != nil {
			return nil, false, err
		}
		succeeded = append(succeeded, outcome)
	}
	cp.State = merged

	if len(succeeded) == 0 {
		ev := failure.NewEvent("", fmt.Errorf("fan-out dispatch %s: no member succeeded", res.DispatchID), 0)
		ev.Fatal = true
		return nil, false, fanOutFailure{Ev: ev}
	}

	// Union of member routes in declared order, deduplicated.
	var next []string
	seen := make(map[string]struct{})
	terminal := false
	for _, outcome := range succeeded {
		targets, memberTerminal, err := e.resolveNext(outcome.Node, outcome.Route, cp.State)
		if err != nil {
			ev := failure.NewEvent(outcome.Node, err, 0)
			ev.Fatal = true
			return nil, false, fanOutFailure{Ev: ev}
		}
		if memberTerminal {
			terminal = true
			continue
		}
		for _, t := range targets {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			next = append(next, t)
		}
	}

	status := "success"
	if res.Degraded() {
		status = "degraded"
	}
	e.opts.Metrics.stepObserved("fanout", status, e.opts.Clock().Sub(stepStart))

	// A terminal vote only ends the run when no member routed onward.
	if len(next) > 0 {
		terminal = false
	}
	return next, terminal, nil
}

// executeWithRetry runs one node to a terminal outcome: success, or a
// failure event after the retry budget is spent.
//
// Attempts are zero-based. A retry-eligible failure on attempt n sleeps
// the backoff delay for n and tries again; the terminal event of an
// exhausted transient failure therefore carries RetryCount == MaxAttempts.
// The node always receives a private clone of the state.
func (e *Engine) executeWithRetry(ctx context.Context, runID string, seq int64, nodeID string, state State) (State, Next, *failure.Event) {
	node, ok := e.nodes[nodeID]
	if !ok {
		ev := failure.NewEvent(nodeID, fmt.Errorf("unknown node %q", nodeID), 0)
		ev.Fatal = true
		return nil, Next{}, &ev
	}
	budget := e.policies[nodeID].budget(e.opts.NodeTimeouts)

	e.emitter.Emit(emit.Event{RunID: runID, Seq: seq, Node: nodeID, Msg: "node_start"})
	started := e.opts.Clock()

	for attempt := 0; ; attempt++ {
		snapshot, err := e.schema.Clone(state)
		if err != nil {
			ev := failure.NewEvent(nodeID, err, attempt)
			ev.Fatal = true
			return nil, Next{}, &ev
		}

		res := runNodeWithTimeout(ctx, node, nodeID, snapshot, budget)
		if res.Err == nil {
			e.emitter.Emit(emit.Event{RunID: runID, Seq: seq, Node: nodeID, Msg: "node_complete",
				Meta: map[string]any{"duration_ms": e.opts.Clock().Sub(started).Milliseconds(),
					"retry_count": attempt}})
			return res.Delta, res.Route, nil
		}

		ev := failure.NewEvent(nodeID, res.Err, attempt)
		if isFatal(res.Err) {
			ev.Fatal = true
		}
		if !ev.Retryable(e.opts.MaxAttempts) || ctx.Err() != nil {
			return nil, Next{}, &ev
		}

		e.opts.Metrics.retryObserved(nodeID, ev.Category)
		e.emitter.Emit(emit.Event{RunID: runID, Seq: seq, Node: nodeID, Msg: "node_retry",
			Meta: map[string]any{"category": string(ev.Category), "retry_count": attempt}})

		if err := e.opts.Sleep(ctx, e.opts.Backoff.Delay(attempt)); err != nil {
			return nil, Next{}, &ev
		}
	}
}

// resolveNext turns a node's routing decision into concrete next nodes,
// falling back to registered edges when the route is zero.
func (e *Engine) resolveNext(nodeID string, route Next, state State) ([]string, bool, error) {
	switch {
	case route.Terminal:
		return nil, true, nil
	case route.To != "":
		if _, ok := e.nodes[route.To]; !ok {
			return nil, false, fmt.Errorf("node %s routed to unknown node %q", nodeID, route.To)
		}
		return []string{route.To}, false, nil
	case len(route.Many) > 0:
		for _, t := range route.Many {
			if _, ok := e.nodes[t]; !ok {
				return nil, false, fmt.Errorf("node %s fanned out to unknown node %q", nodeID, t)
			}
		}
		return append([]string(nil), route.Many...), false, nil
	}

	for _, edge := range e.edges {
		if edge.From != nodeID {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return []string{edge.To}, false, nil
		}
	}
	return nil, false, fmt.Errorf("node %s: %w", nodeID, ErrNoRoute)
}

// suspendRun writes the AWAITING_INPUT checkpoint carrying the interrupt
// record and returns control to the caller.
func (e *Engine) suspendRun(ctx context.Context, cp store.Checkpoint[State], nodeID string, req SuspendRequest) (RunStatus, error) {
	if req.ReplyChannel != "" && !e.schema.Has(req.ReplyChannel) {
		err := fmt.Errorf("node %s suspended into unknown channel %q", nodeID, req.ReplyChannel)
		ev := failure.NewEvent(nodeID, err, 0)
		ev.Fatal = true
		return e.failRun(ctx, cp, ev, err)
	}
	resumeNode := req.ResumeNode
	if resumeNode == "" {
		// Default: re-run the suspending node with the reply in state.
		resumeNode = nodeID
	}
	if _, ok := e.nodes[resumeNode]; !ok {
		err := fmt.Errorf("node %s suspended with unknown resume node %q", nodeID, resumeNode)
		ev := failure.NewEvent(nodeID, err, 0)
		ev.Fatal = true
		return e.failRun(ctx, cp, ev, err)
	}

	prompt, err := json.Marshal(req.Prompt)
	if err != nil {
		ev := failure.NewEvent(nodeID, fmt.Errorf("encode interrupt prompt: %w", err), 0)
		ev.Fatal = true
		return e.failRun(ctx, cp, ev, err)
	}

	rec := &Interrupt{
		ID:           uuid.NewString(),
		RunID:        cp.RunID,
		Node:         nodeID,
		Prompt:       prompt,
		Options:      req.Options,
		ReplyChannel: req.ReplyChannel,
		ResumeNode:   resumeNode,
		CreatedAt:    e.opts.Clock(),
	}
	raw, err := encodeInterrupt(rec)
	if err != nil {
		return RunStatus(cp.Status), err
	}

	cp.Interrupt = raw
	cp.NextNodes = []string{resumeNode}
	cp.Status = string(StatusAwaitingInput)
	cp.Seq++
	if err := e.putCheckpoint(ctx, cp); err != nil {
		return RunStatus(cp.Status), err
	}

	e.opts.Metrics.interruptObserved("suspended")
	e.emitter.Emit(emit.Event{RunID: cp.RunID, Seq: cp.Seq, Node: nodeID, Msg: "run_suspended",
		Meta: map[string]any{"interrupt_id": rec.ID}})
	return StatusAwaitingInput, nil
}

// failRun records the terminal failure event and writes the FAILED
// checkpoint. The event also lands in the run's error log channel so the
// full history survives in state.
func (e *Engine) failRun(ctx context.Context, cp store.Checkpoint[State], ev failure.Event, cause error) (RunStatus, error) {
	if merged, err := e.schema.Merge(cp.State, State{ChannelErrorLog: ev}); err == nil {
		cp.State = merged
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return StatusFailed, fmt.Errorf("encode failure event: %w", err)
	}

	cp.LastError = raw
	cp.NextNodes = nil
	cp.Status = string(StatusFailed)
	cp.Seq++
	if perr := e.putCheckpoint(ctx, cp); perr != nil {
		return StatusFailed, perr
	}

	e.emitter.Emit(emit.Event{RunID: cp.RunID, Seq: cp.Seq, Node: ev.Node, Msg: "run_failed",
		Meta: map[string]any{"category": string(ev.Category), "retry_count": ev.RetryCount}})
	return StatusFailed, cause
}

// completeRun writes the COMPLETE checkpoint for a run whose step produced
// no next nodes.
func (e *Engine) completeRun(ctx context.Context, cp store.Checkpoint[State]) (RunStatus, error) {
	if RunStatus(cp.Status) == StatusComplete {
		return StatusComplete, nil
	}
	cp.Status = string(StatusComplete)
	cp.Seq++
	if err := e.putCheckpoint(ctx, cp); err != nil {
		return RunStatus(cp.Status), err
	}
	e.emitter.Emit(emit.Event{RunID: cp.RunID, Seq: cp.Seq, Msg: "run_complete"})
	return StatusComplete, nil
}

// putCheckpoint stamps and writes a checkpoint. A sequence conflict means
// another engine instance owns the run now; the caller must stop driving.
func (e *Engine) putCheckpoint(ctx context.Context, cp store.Checkpoint[State]) error {
	cp.UpdatedAt = e.opts.Clock()
	err := e.store.Put(ctx, cp)
	switch {
	case err == nil:
		e.opts.Metrics.checkpointObserved("ok")
	case errors.Is(err, store.ErrSequenceConflict):
		e.opts.Metrics.checkpointObserved("conflict")
	default:
		e.opts.Metrics.checkpointObserved("error")
	}
	if err != nil {
		return err
	}
	e.emitter.Emit(emit.Event{RunID: cp.RunID, Seq: cp.Seq, Msg: "checkpoint_put",
		Meta: map[string]any{"status": cp.Status}})
	return nil
}
