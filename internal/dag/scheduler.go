package dag

import (
	"sort"
)

// ExecutionState maps target name to its current TaskState.
//
// It is intentionally a plain map so the scheduler can remain a pure function
// without coupling to an executor implementation.
type ExecutionState map[string]TaskState

// NewExecutionState returns a state with every target of g NOT_STARTED.
func NewExecutionState(g *TargetGraph) ExecutionState {
	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = TaskNotStarted
	}
	return state
}

// GetReadyTargets returns the deterministically ordered list of target names
// that are eligible to run.
//
// Policy:
//   - A target is ready iff it is NOT_STARTED and all its dependencies are
//     SKIPPED, SUCCEEDED or RECOVERED.
//   - The returned list is sorted by (topological depth asc, target name asc).
//
// This function is pure: it does not mutate graph or state.
func GetReadyTargets(g *TargetGraph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	ready := make([]string, 0)
	for _, node := range g.nodes {
		st, ok := state[node.Name]
		if !ok || st != TaskNotStarted {
			continue
		}

		depsOK := true
		for _, parentIdx := range g.incoming[node.canonicalIndex] {
			pst, ok := state[g.nodes[parentIdx].Name]
			if !ok || !IsSuccessful(pst) {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, node.Name)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := g.Depth(a)
		bd, _ := g.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})

	return ready
}
