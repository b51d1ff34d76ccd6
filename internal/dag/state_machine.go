package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskSkipped, TaskSucceeded, TaskRecovered, TaskFailedSelf, TaskFailedUpstream, TaskNotAttempted:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependents.
func IsSuccessful(s TaskState) bool {
	switch s {
	case TaskSkipped, TaskSucceeded, TaskRecovered:
		return true
	default:
		return false
	}
}

// IsFailed reports whether the target ended without a usable value.
func IsFailed(s TaskState) bool {
	return s == TaskFailedSelf || s == TaskFailedUpstream
}

// Transition performs an atomic validated transition for a single target.
//
// The caller supplies the expected prior state (from) to make races observable.
// This function mutates the provided state map if and only if the transition is valid.
func Transition(state ExecutionState, name string, from, to TaskState) error {
	cur, ok := state[name]
	if !ok {
		return fmt.Errorf("unknown target in state: %q", name)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	state[name] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskNotStarted:
		return to == TaskRunning || to == TaskFailedUpstream || to == TaskNotAttempted
	case TaskRunning:
		return to == TaskSkipped || to == TaskSucceeded || to == TaskRecovered || to == TaskFailedSelf
	default:
		return false
	}
}

// FailAndPropagate transitions name from RUNNING to FAILED_SELF and immediately
// and transitively marks all downstream dependents as FAILED_UPSTREAM.
//
// Determinism:
//   - The set of nodes marked FAILED_UPSTREAM is defined purely by reachability.
//   - Traversal is in deterministic canonical index order.
//
// Safety:
//   - If a downstream node is already RUNNING, this is treated as an invariant
//     violation (it indicates a missing synchronization/locking bug).
//
// It returns the names newly marked FAILED_UPSTREAM in traversal order.
func FailAndPropagate(g *TargetGraph, state ExecutionState, name string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown target: %q", name)
	}

	cur, ok := state[name]
	if !ok {
		return nil, fmt.Errorf("unknown target in state: %q", name)
	}
	if cur != TaskRunning && cur != TaskFailedSelf {
		return nil, fmt.Errorf("cannot fail %q from state %s", name, cur)
	}
	if cur == TaskRunning {
		state[name] = TaskFailedSelf
	}

	start := node.canonicalIndex
	visited := make([]bool, len(g.nodes))
	visited[start] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[start] {
		heap.Push(hq, d)
	}

	var marked []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		dn := g.nodes[u].Name
		st, ok := state[dn]
		if !ok {
			return nil, fmt.Errorf("missing state for %q", dn)
		}

		switch st {
		case TaskNotStarted:
			state[dn] = TaskFailedUpstream
			marked = append(marked, dn)
		case TaskRunning:
			return nil, fmt.Errorf("invariant violation: downstream target %q is RUNNING during failure propagation", dn)
		default:
			// Already terminal (e.g. failed upstream through another path). Leave unchanged.
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	return marked, nil
}

// AbandonPending marks every NOT_STARTED target as NOT_ATTEMPTED and returns
// their names in canonical order.
func AbandonPending(g *TargetGraph, state ExecutionState) []string {
	var out []string
	for _, n := range g.nodes {
		if state[n.Name] == TaskNotStarted {
			state[n.Name] = TaskNotAttempted
			out = append(out, n.Name)
		}
	}
	return out
}
