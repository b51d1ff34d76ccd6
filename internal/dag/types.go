package dag

import "pipeweaver/internal/core"

// GraphHash is the deterministic identity of a TargetGraph.
//
// It is computed solely from target names, normalized commands and dependency
// structure. It is stable across different plan orders.
type GraphHash string

// String returns the string representation of the GraphHash.
func (h GraphHash) String() string { return string(h) }

// Edge represents a dependency relation: To depends on From.
//
// A directed edge From -> To means To can only be built after From is built,
// skipped as current, or recovered.
type Edge struct {
	From string
	To   string
}

// TargetNode is an immutable node in the TargetGraph.
type TargetNode struct {
	Name   string
	Target core.Target

	// CommandHash is the hash of the normalized command.
	CommandHash string

	canonicalIndex int
}

// CanonicalIndex returns the node's deterministic position in the graph's canonical ordering.
func (n *TargetNode) CanonicalIndex() int { return n.canonicalIndex }
