package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pipeweaver/internal/core"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/recovery"
	"pipeweaver/internal/staleness"
	"pipeweaver/internal/store"
)

// targetRunner decides and performs the build of a single target.
type targetRunner struct {
	e         *Engine
	p         *prepared
	runID     string
	recover   *recovery.Engine
	harvester *core.Harvester
}

var _ dag.TargetRunner = (*targetRunner)(nil)

// Run implements dag.TargetRunner.
//
// A current target is SKIPPED. An outdated one is RECOVERED when recovery is
// enabled and finds a match, and executed otherwise. Every outcome except
// SKIPPED is appended to the history log before Run returns.
func (r *targetRunner) Run(ctx context.Context, node *dag.TargetNode, deps map[string]*dag.NodeResult) (*dag.NodeResult, error) {
	t := node.Target
	td := r.p.deps[t.Name]
	log := r.e.log.WithField("target", t.Name)

	depHashes := make(map[string]core.ValueHash, len(td.Reads.Targets))
	for _, name := range td.Reads.Targets {
		res, ok := deps[name]
		if !ok || res == nil {
			return nil, fmt.Errorf("target %q: dependency %q has no result", t.Name, name)
		}
		depHashes[name] = res.ValueHash
	}

	v, err := r.p.detector.Check(ctx, t, td, depHashes)
	if err != nil {
		return r.fail(t, v, 0, err), nil
	}
	if !v.Outdated() {
		log.WithField("value", v.ValueHash.Short()).Debug("current")
		res := &dag.NodeResult{State: dag.TaskSkipped, Fingerprint: v.Fingerprint, ValueHash: v.ValueHash}
		if v.Previous != nil {
			res.FileOutputs = v.Previous.FileOutputs
		}
		return res, nil
	}
	log.WithFields(logrus.Fields{"reason": v.Reason, "fingerprint": v.Fingerprint.Short()}).Debug("outdated")

	if r.recover != nil {
		rec, err := r.recover.Recover(ctx, recovery.Request{
			Target:      t.Name,
			Fingerprint: v.Fingerprint,
			Parts:       v.Parts,
			RunID:       r.runID,
		})
		var missing *store.MissingContentError
		switch {
		case errors.As(err, &missing):
			log.WithError(err).Warn("recovery candidate has no value, building")
		case err != nil:
			log.WithError(err).Warn("recovery failed, building")
		case rec != nil:
			return &dag.NodeResult{
				State:         dag.TaskRecovered,
				Fingerprint:   v.Fingerprint,
				ValueHash:     rec.ValueHash,
				Reason:        string(v.Reason),
				RecoveredFrom: rec.RecoveredFrom,
				FileOutputs:   rec.FileOutputs,
			}, nil
		}
	}

	return r.build(ctx, t, v, depHashes), nil
}

// build executes the command of t and records the outcome.
func (r *targetRunner) build(ctx context.Context, t core.Target, v staleness.Verdict, depHashes map[string]core.ValueHash) *dag.NodeResult {
	log := r.e.log.WithField("target", t.Name)

	values := make(map[string]core.Value, len(depHashes))
	for name, h := range depHashes {
		val, err := r.e.store.Get(h)
		if err != nil {
			return r.fail(t, v, 0, fmt.Errorf("loading dependency %q: %w", name, err))
		}
		values[name] = val
	}

	ctx, span := r.e.tracer.Start(ctx, "build "+t.Name, trace.WithAttributes(
		attribute.String("pipeweaver.target", t.Name),
		attribute.String("pipeweaver.reason", string(v.Reason)),
		attribute.String("pipeweaver.fingerprint", v.Fingerprint.String()),
		attribute.String("pipeweaver.run_id", r.runID),
	))
	defer span.End()

	start := time.Now()
	val, err := r.e.evaluator.Evaluate(ctx, core.EvalRequest{
		Target:  t.Name,
		Command: t.Command,
		Seed:    v.Parts.Seed,
		Deps:    values,
		Scope:   r.p.scope,
		WorkDir: r.e.workDir,
	})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.WithError(err).Warn("aborted")
			return &dag.NodeResult{State: dag.TaskFailedSelf, Fingerprint: v.Fingerprint, Reason: string(v.Reason), Elapsed: elapsed, Err: err}
		}
		return r.fail(t, v, elapsed, err)
	}

	h, err := r.e.store.Put(val)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return r.fail(t, v, elapsed, fmt.Errorf("storing value: %w", err))
	}

	outs, err := r.p.detector.Outputs(t, r.p.deps[t.Name])
	if err != nil {
		return r.fail(t, v, elapsed, err)
	}
	files, err := r.harvester.Harvest(outs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outputs missing")
		return r.fail(t, v, elapsed, err)
	}

	rec := &store.Record{
		Target:      t.Name,
		Fingerprint: v.Fingerprint,
		Parts:       v.Parts,
		ValueHash:   h,
		Outcome:     store.OutcomeSucceeded,
		Elapsed:     elapsed,
		Seed:        v.Parts.Seed,
		RunID:       r.runID,
		FileOutputs: files,
	}
	if err := r.e.store.Append(rec); err != nil {
		return &dag.NodeResult{State: dag.TaskFailedSelf, Fingerprint: v.Fingerprint, Reason: string(v.Reason), Elapsed: elapsed, Err: err}
	}
	span.SetAttributes(attribute.String("pipeweaver.value", h.String()))
	log.WithFields(logrus.Fields{
		"value":   h.Short(),
		"reason":  v.Reason,
		"elapsed": elapsed,
	}).Info("built")

	return &dag.NodeResult{
		State:       dag.TaskSucceeded,
		Fingerprint: v.Fingerprint,
		ValueHash:   h,
		Reason:      string(v.Reason),
		FileOutputs: files,
		Elapsed:     elapsed,
	}
}

// fail records a failed build of t.
func (r *targetRunner) fail(t core.Target, v staleness.Verdict, elapsed time.Duration, err error) *dag.NodeResult {
	ce := core.NewCommandExecutionError(t.Name, v.Fingerprint, err)
	rec := &store.Record{
		Target:      t.Name,
		Fingerprint: v.Fingerprint,
		Parts:       v.Parts,
		Outcome:     store.OutcomeFailed,
		Elapsed:     elapsed,
		Seed:        v.Parts.Seed,
		RunID:       r.runID,
		Error:       store.ErrorContextFrom(ce),
	}
	log := r.e.log.WithField("target", t.Name)
	if aerr := r.e.store.Append(rec); aerr != nil {
		log.WithError(aerr).Error("recording failure")
	}
	log.WithError(err).Error("failed")

	reason := string(v.Reason)
	if v.Reason == staleness.ReasonNone {
		reason = ""
	}
	return &dag.NodeResult{
		State:       dag.TaskFailedSelf,
		Fingerprint: v.Fingerprint,
		Reason:      reason,
		Elapsed:     elapsed,
		Err:         ce,
	}
}
