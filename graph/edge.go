package graph

// Predicate evaluates State to decide whether an edge is taken. Predicates
// must be pure: deterministic and side-effect-free.
type Predicate func(state State) bool

// Edge is a possible transition between two nodes, used when a node's
// NodeResult does not route explicitly. A nil When makes the edge
// unconditional.
type Edge struct {
	From string
	To   string
	When Predicate
}
