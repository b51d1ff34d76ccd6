package dag

import (
	"sort"
	"time"

	"pipeweaver/internal/core"
)

// NodeResult is the outcome of running a single target.
type NodeResult struct {
	// State is the terminal state the runner chose: SKIPPED, SUCCEEDED, RECOVERED
	// or FAILED_SELF.
	State TaskState

	Fingerprint core.Fingerprint
	ValueHash   core.ValueHash

	// Reason is the staleness reason that made the target run; empty when skipped.
	Reason string

	// RecoveredFrom names the target whose record was reused, when recovered.
	RecoveredFrom string

	// FileOutputs maps each tracked output file to its hash.
	FileOutputs map[string]string

	Elapsed time.Duration

	// Err is the failure, when State is FAILED_SELF.
	Err error
}

// GraphResult is the deterministic summary of a run.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each target by name.
	FinalState ExecutionState

	// ExecutionOrder is the ordered list of targets that were started (transitioned to RUNNING).
	ExecutionOrder []string

	// Results holds the runner outcome of every started target.
	Results map[string]*NodeResult

	// Cancelled is set when the run stopped dispatching because its context was done.
	Cancelled bool

	graph *TargetGraph
}

func (r *GraphResult) inState(states ...TaskState) []string {
	var out []string
	for name, st := range r.FinalState {
		for _, s := range states {
			if st == s {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Failed returns the targets whose own command failed, sorted.
func (r *GraphResult) Failed() []string { return r.inState(TaskFailedSelf) }

// UpstreamFailed returns the targets not built because an ancestor failed, sorted.
func (r *GraphResult) UpstreamFailed() []string { return r.inState(TaskFailedUpstream) }

// NotAttempted returns the targets abandoned by cancellation, sorted.
func (r *GraphResult) NotAttempted() []string { return r.inState(TaskNotAttempted) }

// Built returns the targets that were executed successfully, sorted.
func (r *GraphResult) Built() []string { return r.inState(TaskSucceeded) }

// Skipped returns the targets that were current, sorted.
func (r *GraphResult) Skipped() []string { return r.inState(TaskSkipped) }

// Recovered returns the targets satisfied by recovery, sorted.
func (r *GraphResult) Recovered() []string { return r.inState(TaskRecovered) }

// OK reports whether no target failed and none was abandoned.
func (r *GraphResult) OK() bool {
	return len(r.inState(TaskFailedSelf, TaskFailedUpstream, TaskNotAttempted)) == 0
}

// Err returns why name has no value: the command failure for FAILED_SELF, an
// UpstreamFailureError for FAILED_UPSTREAM, or nil.
func (r *GraphResult) Err(name string) error {
	switch r.FinalState[name] {
	case TaskFailedSelf:
		if res := r.Results[name]; res != nil {
			return res.Err
		}
	case TaskFailedUpstream:
		var failed []string
		if r.graph != nil {
			for _, a := range r.graph.Ancestors(name) {
				if r.FinalState[a] == TaskFailedSelf {
					failed = append(failed, a)
				}
			}
		}
		return &UpstreamFailureError{Target: name, Failed: failed}
	}
	return nil
}
