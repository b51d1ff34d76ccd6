package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"pipeweaver/internal/trace"
)

// ErrCancelled is wrapped by the error Run returns when its context ends the run early.
var ErrCancelled = errors.New("build cancelled")

// TargetRunner builds a single target.
//
// The runner decides whether the target is current (SKIPPED), can be recovered
// (RECOVERED) or must be executed (SUCCEEDED or FAILED_SELF), and persists the
// outcome. deps holds the results of the target's direct dependencies, all of
// which are successful.
//
// A non-nil error fails the target like a FAILED_SELF result would.
type TargetRunner interface {
	Run(ctx context.Context, node *TargetNode, deps map[string]*NodeResult) (*NodeResult, error)
}

// TargetRunnerFunc adapts a function to the TargetRunner interface.
type TargetRunnerFunc func(ctx context.Context, node *TargetNode, deps map[string]*NodeResult) (*NodeResult, error)

// Run calls f.
func (f TargetRunnerFunc) Run(ctx context.Context, node *TargetNode, deps map[string]*NodeResult) (*NodeResult, error) {
	return f(ctx, node, deps)
}

// Executor builds a TargetGraph with a fixed-size worker pool.
//
// A single coordinator owns scheduling; workers only run targets and report
// back over a channel. All state reads/writes are synchronized by mu.
type Executor struct {
	Graph  *TargetGraph
	Runner TargetRunner

	// Jobs is the number of workers. Values below 1 mean 1.
	Jobs int

	// Trace receives logical build events. May be nil.
	Trace trace.Sink

	mu      sync.Mutex
	state   ExecutionState
	results map[string]*NodeResult
}

// NewExecutor creates an executor with all targets NOT_STARTED.
func NewExecutor(g *TargetGraph, runner TargetRunner) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}

	return &Executor{
		Graph:   g,
		Runner:  runner,
		Jobs:    1,
		state:   NewExecutionState(g),
		results: make(map[string]*NodeResult, g.Len()),
	}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

type workItem struct {
	node *TargetNode
	deps map[string]*NodeResult
}

type workResult struct {
	name   string
	result *NodeResult
	err    error
}

// Run builds the graph.
//
// Scheduling:
//   - A target is dispatched once all its dependencies are successful.
//   - Ready targets are dispatched by (depth, name); completion order is free.
//   - A failure marks the target FAILED_SELF and its descendants FAILED_UPSTREAM;
//     independent targets keep building.
//
// Cancellation: once ctx is done no new target starts. Targets already running
// finish with an uncancelled context, and every target not yet started becomes
// NOT_ATTEMPTED. The returned result is complete and the error wraps
// ErrCancelled and ctx.Err().
//
// Any other error indicates a broken invariant; the result is nil.
func (e *Executor) Run(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	jobs := e.Jobs
	if jobs < 1 {
		jobs = 1
	}

	runCtx := context.WithoutCancel(ctx)
	workCh := make(chan workItem, jobs)
	doneCh := make(chan workResult, jobs)

	var workers errgroup.Group
	for i := 0; i < jobs; i++ {
		workers.Go(func() error {
			for w := range workCh {
				res, err := e.Runner.Run(runCtx, w.node, w.deps)
				doneCh <- workResult{name: w.node.Name, result: res, err: err}
			}
			return nil
		})
	}
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			_ = workers.Wait()
		})
	}
	defer stopWorkers()

	order := make([]string, 0, e.Graph.Len())
	inFlight := 0
	done := ctx.Done()
	cancelled := false

	for {
		e.mu.Lock()
		if !cancelled {
			for _, name := range GetReadyTargets(e.Graph, e.state) {
				if inFlight >= jobs {
					break
				}
				if err := Transition(e.state, name, TaskNotStarted, TaskRunning); err != nil {
					e.mu.Unlock()
					return nil, err
				}
				deps := make(map[string]*NodeResult)
				for _, d := range e.Graph.Dependencies(name) {
					deps[d] = e.results[d]
				}
				order = append(order, name)
				inFlight++
				workCh <- workItem{node: e.Graph.nodesByName[name], deps: deps}
			}
		}

		if inFlight == 0 {
			if cancelled {
				for _, name := range AbandonPending(e.Graph, e.state) {
					trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTargetNotAttempted, Target: name})
				}
			}
			for name, st := range e.state {
				if !IsTerminal(st) {
					e.mu.Unlock()
					return nil, fmt.Errorf("no runnable targets but %q is %s", name, st)
				}
			}
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()

		select {
		case <-done:
			cancelled = true
			done = nil
		case r := <-doneCh:
			if err := e.complete(r); err != nil {
				return nil, err
			}
			inFlight--
		}
	}

	stopWorkers()

	res := &GraphResult{
		GraphHash:      e.Graph.Hash(),
		FinalState:     e.StateSnapshot(),
		ExecutionOrder: order,
		Results:        e.resultsSnapshot(),
		Cancelled:      cancelled,
		graph:          e.Graph,
	}
	if cancelled {
		return res, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return res, nil
}

// complete commits a worker result.
func (e *Executor) complete(r workResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.state[r.name]; cur != TaskRunning {
		return fmt.Errorf("completion for %q but state is %s", r.name, cur)
	}

	res := r.result
	if res == nil {
		res = &NodeResult{State: TaskFailedSelf}
	}
	if r.err != nil {
		res.State = TaskFailedSelf
		res.Err = r.err
	}
	if res.State == TaskFailedSelf && res.Err == nil {
		res.Err = fmt.Errorf("target %q failed", r.name)
	}
	e.results[r.name] = res

	if res.Reason != "" {
		trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTargetOutdated, Target: r.name, Reason: res.Reason})
	}

	switch res.State {
	case TaskFailedSelf:
		marked, err := FailAndPropagate(e.Graph, e.state, r.name)
		if err != nil {
			return err
		}
		trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTargetFailed, Target: r.name})
		for _, m := range marked {
			trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTargetUpstreamFailed, Target: m, Cause: r.name})
		}
		return nil
	case TaskSkipped:
		trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTargetSkipped, Target: r.name})
	case TaskSucceeded:
		trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTargetBuilt, Target: r.name, Files: fileNames(res.FileOutputs)})
	case TaskRecovered:
		trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTargetRecovered, Target: r.name, Cause: res.RecoveredFrom})
	}
	return Transition(e.state, r.name, TaskRunning, res.State)
}

func (e *Executor) resultsSnapshot() map[string]*NodeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*NodeResult, len(e.results))
	for k, v := range e.results {
		out[k] = v
	}
	return out
}

func fileNames(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
