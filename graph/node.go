package graph

import "context"

// Node is one unit of work in the workflow graph.
//
// A node receives a private clone of the current State, does its work, and
// returns a NodeResult: a partial state update plus a routing decision.
// Nodes must be idempotent-safe under engine retry: either avoid
// unguarded external side effects, or make the side effect itself
// idempotent.
type Node interface {
	Run(ctx context.Context, state State) NodeResult
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}

// NodeResult is the outcome of one node execution.
type NodeResult struct {
	// Delta is the partial state update, merged through channel reducers.
	Delta State

	// Route is the node's routing decision. A zero Route falls back to
	// edge-based routing.
	Route Next

	// Err aborts the step; the engine classifies it and decides retry.
	Err error
}

// Next is the tagged routing variant a node returns: continue to one node,
// fan out to several, suspend for external input, or stop.
type Next struct {
	// To routes to a single next node.
	To string

	// Many fans out to several nodes executed concurrently.
	Many []string

	// Terminal stops the run successfully.
	Terminal bool

	// Interrupt suspends the run awaiting external input.
	Interrupt *SuspendRequest
}

// Stop returns a terminal route.
func Stop() Next { return Next{Terminal: true} }

// Goto routes to the named node.
func Goto(nodeID string) Next { return Next{To: nodeID} }

// FanOut routes to all named nodes, executed concurrently and joined
// deterministically.
func FanOut(nodeIDs ...string) Next { return Next{Many: nodeIDs} }

// Suspend returns a route that pauses the run at an interrupt.
func Suspend(req SuspendRequest) Next { return Next{Interrupt: &req} }
