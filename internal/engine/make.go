package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pipeweaver/internal/core"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/recovery"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/trace"
)

// MakeOptions configures a single make run.
type MakeOptions struct {
	// Jobs is the number of targets built concurrently. Values below 1 mean 1.
	Jobs int

	// Recover enables reuse of historical values with a matching fingerprint.
	Recover bool

	// Targets restricts the run to these targets and their ancestors. Empty
	// means every target.
	Targets []string

	// TraceFile receives the canonical build trace. Optional.
	TraceFile string

	// MetricsFile receives the metrics registry in text format. Optional.
	MetricsFile string
}

// Result is the outcome of a make run.
type Result struct {
	*dag.GraphResult

	RunID string
	Trace trace.BuildTrace
}

// Make brings every target of plan up to date.
//
// Plan-level problems (unparsable commands, cycles, broken globals) are returned
// before any target runs. Target failures do not stop independent targets; they
// are reported through a *RunError next to a complete Result. When ctx is
// cancelled the returned error wraps dag.ErrCancelled.
func (e *Engine) Make(ctx context.Context, plan *core.Plan, opts MakeOptions) (*Result, error) {
	started := time.Now()
	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	mode := state.ExecutionModeBuild
	if opts.Recover {
		mode = state.ExecutionModeRecover
	}

	ledger := e.recorder()
	runID, err := ledger.NewRunID()
	if err != nil {
		return nil, &state.SystemFailureError{Code: "RunID", Message: err.Error(), Cause: err}
	}
	log := e.log.WithField("run", runID)
	run := state.Run{RunID: runID, StartTime: started.UTC(), Mode: mode, Jobs: jobs}
	if e.ledger != nil {
		if r, err := ledger.StartRun(run); err != nil {
			log.WithError(err).Warn("run ledger unavailable")
		} else {
			run = r
		}
	}

	p, err := e.prepare(ctx, plan)
	if err == nil {
		err = p.subgraph(opts.Targets)
	}
	if err != nil {
		e.finishRun(log, run, state.RunStatusFailed, err, started)
		return nil, err
	}
	run.GraphHash = p.graph.Hash().String()

	runner := &targetRunner{
		e:         e,
		p:         p,
		runID:     runID,
		harvester: core.NewHarvester(p.resolver),
	}
	if opts.Recover {
		runner.recover = recovery.New(e.store, runner.harvester, e.log)
	}

	exec, err := dag.NewExecutor(p.graph, runner)
	if err != nil {
		err = &state.SystemFailureError{Code: "EngineError", Message: err.Error(), Cause: err}
		e.finishRun(log, run, state.RunStatusFailed, err, started)
		return nil, err
	}
	exec.Jobs = jobs
	events := trace.NewRecorder()
	exec.Trace = events

	log.WithFields(logrus.Fields{"targets": p.graph.Len(), "jobs": jobs, "recover": opts.Recover}).Info("make")
	gr, runErr := exec.Run(ctx)
	if gr == nil {
		err := &state.SystemFailureError{Code: "EngineError", Message: runErr.Error(), Cause: runErr}
		e.finishRun(log, run, state.RunStatusFailed, err, started)
		return nil, err
	}

	res := &Result{GraphResult: gr, RunID: runID, Trace: events.Trace(gr.GraphHash.String())}
	if opts.TraceFile != "" {
		if err := res.Trace.WriteFile(opts.TraceFile); err != nil {
			log.WithError(err).Warn("writing trace")
		}
	}
	if h, err := res.Trace.Hash(); err == nil {
		run.TraceHash = h
	}

	run.Counts = state.Counts{
		Built:          len(gr.Built()),
		Skipped:        len(gr.Skipped()),
		Recovered:      len(gr.Recovered()),
		Failed:         len(gr.Failed()),
		UpstreamFailed: len(gr.UpstreamFailed()),
		NotAttempted:   len(gr.NotAttempted()),
	}
	run.Failed = gr.Failed()
	e.observeTargets(gr)

	status := state.RunStatusSucceeded
	var failure error
	switch {
	case gr.Cancelled:
		status = state.RunStatusCancelled
		failure = &state.SystemFailureError{Code: "Cancelled", Message: runErr.Error(), Cause: runErr}
	case !gr.OK():
		status = state.RunStatusFailed
		failure = &state.ExecutionFailureError{
			Targets: gr.Failed(),
			Code:    "TargetFailed",
			Message: fmt.Sprintf("%d target(s) failed", len(gr.Failed())),
		}
	}
	e.finishRun(log, run, status, failure, started)
	if opts.MetricsFile != "" {
		if err := e.metrics.WriteTextfile(opts.MetricsFile); err != nil {
			log.WithError(err).Warn("writing metrics")
		}
	}

	log.WithFields(logrus.Fields{
		"built":     run.Counts.Built,
		"skipped":   run.Counts.Skipped,
		"recovered": run.Counts.Recovered,
		"failed":    run.Counts.Failed,
		"elapsed":   time.Since(started),
	}).Info("done")

	if runErr != nil {
		return res, runErr
	}
	if !gr.OK() {
		return res, &RunError{
			Failed:         gr.Failed(),
			UpstreamFailed: gr.UpstreamFailed(),
			NotAttempted:   gr.NotAttempted(),
		}
	}
	return res, nil
}

func (e *Engine) recorder() *state.Recorder {
	return &state.Recorder{Store: e.ledger}
}

// finishRun writes the terminal run metadata and, when cause is set, the
// failure record. Ledger errors are logged, never returned.
func (e *Engine) finishRun(log *logrus.Entry, run state.Run, status state.RunStatus, cause error, started time.Time) {
	end := time.Now()
	e.metrics.ObserveRun(string(status), end.Sub(started), end)
	if e.ledger == nil {
		return
	}
	rec := e.recorder()
	if _, err := rec.FinishRun(run, status); err != nil {
		log.WithError(err).Warn("recording run")
		return
	}
	if cause == nil {
		return
	}
	if err := rec.RecordFailure(run.RunID, cause); err != nil {
		log.WithError(err).Warn("recording run failure")
	}
}

func (e *Engine) observeTargets(gr *dag.GraphResult) {
	if e.metrics == nil {
		return
	}
	for name, st := range gr.FinalState {
		var elapsed time.Duration
		if res := gr.Results[name]; res != nil {
			elapsed = res.Elapsed
		}
		e.metrics.ObserveTarget(string(st), elapsed)
	}
}

// IsRunError reports whether err only reports failed targets, as opposed to a
// plan or system problem.
func IsRunError(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}
