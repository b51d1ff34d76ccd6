package engine

import (
	"context"
	"errors"
	"fmt"

	"pipeweaver/internal/analysis"
	"pipeweaver/internal/core"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/staleness"
	"pipeweaver/internal/store"
)

// Status classifies every target of plan without building anything.
func (e *Engine) Status(ctx context.Context, plan *core.Plan) (map[string]staleness.Verdict, error) {
	p, err := e.prepare(ctx, plan)
	if err != nil {
		return nil, err
	}
	return p.detector.Plan(ctx, p.graph, p.deps)
}

// Outdated returns the names of the targets the next make would rebuild or
// recover, sorted.
func (e *Engine) Outdated(ctx context.Context, plan *core.Plan) ([]string, error) {
	verdicts, err := e.Status(ctx, plan)
	if err != nil {
		return nil, err
	}
	return staleness.Outdated(verdicts), nil
}

// TargetDeps describes what a target depends on and what depends on it.
type TargetDeps struct {
	Target string

	// Reason is the staleness reason of the target itself.
	Reason staleness.Reason

	Reads  analysis.Reads
	Writes analysis.Writes

	// Dependencies and Dependents are the direct graph neighbours, including
	// edges that come from tracked files.
	Dependencies []string
	Dependents   []string

	// Reasons holds the staleness reason of each name in Dependencies.
	// staleness.ReasonNone marks a current dependency.
	Reasons map[string]staleness.Reason

	Ambiguities []*analysis.AmbiguityError
}

// DepsTarget returns the detected dependencies of the named target with the
// staleness reason of each direct dependency.
func (e *Engine) DepsTarget(ctx context.Context, plan *core.Plan, name string) (*TargetDeps, error) {
	p, err := e.prepare(ctx, plan)
	if err != nil {
		return nil, err
	}
	if _, ok := p.graph.Node(name); !ok {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	verdicts, err := p.detector.Plan(ctx, p.graph, p.deps)
	if err != nil {
		return nil, err
	}

	d := p.deps[name]
	out := &TargetDeps{
		Target:       name,
		Reason:       verdicts[name].Reason,
		Reads:        d.Reads,
		Writes:       d.Writes,
		Dependencies: p.graph.Dependencies(name),
		Dependents:   p.graph.Dependents(name),
		Reasons:      make(map[string]staleness.Reason),
		Ambiguities:  d.Ambiguities,
	}
	for _, dep := range out.Dependencies {
		out.Reasons[dep] = verdicts[dep].Reason
	}
	return out, nil
}

// Diagnose returns the latest record of a target, including the captured
// error of a failed build. It returns store.ErrNotFound for unknown targets.
func (e *Engine) Diagnose(name string) (*store.Record, error) {
	return e.store.Latest(name)
}

// History returns every record in global order with the state of its value.
func (e *Engine) History() ([]store.Entry, error) {
	return e.store.All()
}

// HistoryOf returns the records of one target, oldest first.
func (e *Engine) HistoryOf(name string) ([]store.Record, error) {
	return e.store.History(name)
}

// Show returns the latest successfully built value of a target and the record
// that produced it.
func (e *Engine) Show(name string) (core.Value, *store.Record, error) {
	recs, err := e.store.History(name)
	if err != nil {
		return nil, nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if !rec.Outcome.Successful() {
			continue
		}
		v, err := e.store.Get(rec.ValueHash)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &rec, &store.MissingContentError{Target: name, Hash: rec.ValueHash}
		}
		if err != nil {
			return nil, nil, err
		}
		return v, &rec, nil
	}
	return nil, nil, fmt.Errorf("target %q has no value: %w", name, store.ErrNotFound)
}

// ShowHash returns the value stored under h.
func (e *Engine) ShowHash(h core.ValueHash) (core.Value, error) {
	return e.store.Get(h)
}

// Collect removes unreachable values from the content store.
//
// In GCCurrent mode without explicit targets, the targets of plan are kept.
// Without a plan, every target in the history log is kept.
func (e *Engine) Collect(ctx context.Context, plan *core.Plan, opts store.GCOptions) (*store.GCResult, error) {
	if opts.Mode == store.GCCurrent && len(opts.Targets) == 0 {
		if plan == nil {
			names, err := e.store.Targets()
			if err != nil {
				return nil, fmt.Errorf("listing recorded targets: %w", err)
			}
			opts.Targets = names
		} else {
			for _, t := range plan.Targets {
				opts.Targets = append(opts.Targets, t.Name)
			}
		}
	}
	res, err := e.store.Collect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		e.metrics.SetStoreObjects(res.Kept)
	}
	return res, nil
}

// Runs returns the recorded make runs, oldest first.
func (e *Engine) Runs() ([]state.Run, error) {
	if e.ledger == nil {
		return nil, nil
	}
	return e.ledger.ListRuns()
}

// RunFailure returns the failure record of a run, if it has one.
func (e *Engine) RunFailure(runID string) (*state.Failure, error) {
	if e.ledger == nil || !e.ledger.HasFailure(runID) {
		return nil, nil
	}
	f, err := e.ledger.LoadFailure(runID)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
