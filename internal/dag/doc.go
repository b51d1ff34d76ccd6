// Package dag models a plan as a dependency graph and executes it.
//
// It is split into:
//   - Immutable graph definition (TargetGraph): targets + dependency structure + stable GraphHash
//   - Mutable execution state (ExecutionState): per-run target states
//   - Executor: a fixed worker pool driven by a single coordinator
//
// The graph identity (GraphHash) is computed from normalized commands and the
// canonicalized edge structure, making it invariant to plan order.
package dag
