package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeweaver/internal/config"
	"pipeweaver/internal/core"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/metrics"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/staleness"
	"pipeweaver/internal/store"
)

// countingEvaluator records how often each target's command was evaluated.
type countingEvaluator struct {
	inner core.Evaluator

	mu   sync.Mutex
	runs map[string]int
}

func (c *countingEvaluator) Evaluate(ctx context.Context, req core.EvalRequest) (core.Value, error) {
	c.mu.Lock()
	c.runs[req.Target]++
	c.mu.Unlock()
	return c.inner.Evaluate(ctx, req)
}

// executed returns the evaluated names since the last call, sorted.
func (c *countingEvaluator) executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name := range c.runs {
		out = append(out, name)
	}
	sort.Strings(out)
	c.runs = make(map[string]int)
	return out
}

type harness struct {
	eng *Engine
	st  *store.Store
	ev  *countingEvaluator
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ledger, err := state.NewStore(filepath.Join(dir, ".pipeweaver"))
	require.NoError(t, err)

	ev := &countingEvaluator{inner: core.NewExprEvaluator(), runs: make(map[string]int)}
	eng, err := New(Options{
		Store:     st,
		Ledger:    ledger,
		Evaluator: ev,
		WorkDir:   dir,
		Metrics:   metrics.New(),
	})
	require.NoError(t, err)
	return &harness{eng: eng, st: st, ev: ev, dir: dir}
}

func (h *harness) make(t *testing.T, plan *core.Plan, opts MakeOptions) *Result {
	t.Helper()
	if opts.Jobs == 0 {
		opts.Jobs = 4
	}
	res, err := h.eng.Make(context.Background(), plan, opts)
	require.NoError(t, err)
	return res
}

func (h *harness) value(t *testing.T, name string) core.Value {
	t.Helper()
	v, _, err := h.eng.Show(name)
	require.NoError(t, err)
	return v
}

func tgt(name, command string) core.Target {
	return core.Target{Name: name, Command: command}
}

func seeded(t core.Target, seed int64) core.Target {
	t.Seed = &seed
	return t
}

func newPlan(targets ...core.Target) *core.Plan {
	return &core.Plan{Targets: targets}
}

func TestMake_ConcreteScenario(t *testing.T) {
	h := newHarness(t)
	const src = `
targets:
  - name: a
    command: "1"
  - name: b
    command: a + 1
  - name: c
    command: b * 2
`
	plan, err := config.ParsePlan([]byte(src))
	require.NoError(t, err)

	res := h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"a", "b", "c"}, res.Built())
	assert.Equal(t, []string{"a", "b", "c"}, h.ev.executed())
	assert.Equal(t, int64(4), h.value(t, "c"))

	res = h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"a", "b", "c"}, res.Skipped())
	assert.Empty(t, h.ev.executed())
	assert.Equal(t, int64(4), h.value(t, "c"))

	plan.Targets[0].Command = "2"
	res = h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"a", "b", "c"}, res.Built())
	assert.Equal(t, []string{"a", "b", "c"}, h.ev.executed())
	assert.Equal(t, int64(6), h.value(t, "c"))
}

func TestMake_Idempotent(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(
		tgt("raw", `list(3, 1, 2)`),
		tgt("total", `sum(raw)`),
		tgt("report", `write_file(file_out("out/report.txt"), sprintf("total=%d", total))`),
	)

	first := h.make(t, plan, MakeOptions{})
	assert.Len(t, first.Built(), 3)
	h.ev.executed()

	second := h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"raw", "report", "total"}, second.Skipped())
	assert.Empty(t, h.ev.executed())

	verdicts, err := h.eng.Status(context.Background(), plan)
	require.NoError(t, err)
	for name, v := range verdicts {
		assert.Equal(t, staleness.ClassCurrent, v.Class, name)
	}
}

func TestMake_OutputFileChangeRebuilds(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("report", `write_file(file_out("out/report.txt"), "hello")`))
	h.make(t, plan, MakeOptions{})
	h.ev.executed()

	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "out", "report.txt"), []byte("tampered"), 0o644))
	outdated, err := h.eng.Outdated(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"report"}, outdated)

	res := h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"report"}, res.Built())
	assert.Equal(t, string(staleness.ReasonFileChanged), res.Results["report"].Reason)

	data, err := os.ReadFile(filepath.Join(h.dir, "out", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMake_InvalidationFollowsReads(t *testing.T) {
	h := newHarness(t)
	plan := &core.Plan{
		Globals: []core.Global{
			{Name: "bump", Params: []string{"x"}, Body: "x + 1"},
			{Name: "factor", Value: "10"},
		},
		Targets: []core.Target{
			tgt("a", "1"),
			tgt("b", "bump(a)"),
			tgt("c", "b * 2"),
			tgt("d", "factor * 3"),
			tgt("e", "d + 1"),
			tgt("f", "100"),
		},
	}
	h.make(t, plan, MakeOptions{})
	assert.Equal(t, int64(4), h.value(t, "c"))
	h.ev.executed()

	plan.Globals[0].Body = "x + 2"
	res := h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"b", "c"}, res.Built())
	assert.Equal(t, []string{"a", "d", "e", "f"}, res.Skipped())
	assert.Equal(t, string(staleness.ReasonGlobalChanged), res.Results["b"].Reason)
	assert.Equal(t, string(staleness.ReasonDependencyChanged), res.Results["c"].Reason)
	assert.Equal(t, int64(6), h.value(t, "c"))

	plan.Globals[1].Value = "20"
	res = h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"d", "e"}, res.Built())
	assert.Equal(t, []string{"a", "b", "c", "f"}, res.Skipped())
	assert.Equal(t, int64(61), h.value(t, "e"))

	// Reformatting an object definition keeps its value hash.
	plan.Globals[1].Value = "( 20 )"
	res = h.make(t, plan, MakeOptions{})
	assert.Empty(t, res.Built())
}

func TestMake_CycleRejected(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("a", "c + 1"), tgt("b", "a + 1"), tgt("c", "b + 1"), tgt("d", "1"))

	res, err := h.eng.Make(context.Background(), plan, MakeOptions{Jobs: 2})
	require.Error(t, err)
	assert.Nil(t, res)

	var cyc *dag.CyclicDependencyError
	require.True(t, errors.As(err, &cyc), "got %v", err)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cyc.Cycle)
	assert.Empty(t, h.ev.executed())

	var gf *state.GraphFailureError
	require.True(t, errors.As(err, &gf))
	assert.Equal(t, "CyclicDependency", gf.Code)
}

func TestMake_SelfReferenceIsCycle(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Make(context.Background(), newPlan(tgt("a", "a + 1")), MakeOptions{})
	var cyc *dag.CyclicDependencyError
	require.True(t, errors.As(err, &cyc), "got %v", err)
	assert.Equal(t, []string{"a", "a"}, cyc.Cycle)
}

func TestMake_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(
		tgt("A", `stop("boom")`),
		tgt("B", "A + 1"),
		tgt("C", "1"),
		tgt("D", "C + 1"),
	)

	res, err := h.eng.Make(context.Background(), plan, MakeOptions{Jobs: 2})
	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "got %v", err)
	assert.Equal(t, []string{"A"}, runErr.Failed)
	assert.Equal(t, []string{"B"}, runErr.UpstreamFailed)

	require.NotNil(t, res)
	assert.Equal(t, dag.ExecutionState{
		"A": dag.TaskFailedSelf,
		"B": dag.TaskFailedUpstream,
		"C": dag.TaskSucceeded,
		"D": dag.TaskSucceeded,
	}, res.FinalState)
	assert.Equal(t, []string{"A", "C", "D"}, h.ev.executed())

	var ce *core.CommandExecutionError
	require.True(t, errors.As(res.Err("A"), &ce))
	assert.Equal(t, "boom", ce.Message)
	assert.True(t, errors.Is(ce, core.ErrStopped))

	var up *dag.UpstreamFailureError
	require.True(t, errors.As(res.Err("B"), &up))
	assert.Equal(t, []string{"A"}, up.Failed)

	rec, err := h.eng.Diagnose("A")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFailed, rec.Outcome)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "boom", rec.Error.Message)
	assert.NotEmpty(t, rec.Error.Stack)
	assert.Equal(t, rec.Fingerprint, rec.Error.Fingerprint)

	_, err = h.eng.Diagnose("B")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A failure is retried on the next run; current targets are not.
	plan.Targets[0].Command = "1"
	res = h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"A", "B"}, res.Built())
	assert.Equal(t, []string{"C", "D"}, res.Skipped())
}

func TestMake_RunLedger(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("A", `stop("boom")`), tgt("C", "1"))
	_, err := h.eng.Make(context.Background(), plan, MakeOptions{})
	require.True(t, IsRunError(err))

	plan.Targets[0].Command = "2"
	h.make(t, plan, MakeOptions{})

	runs, err := h.eng.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, state.RunStatusFailed, runs[0].Status)
	assert.Equal(t, []string{"A"}, runs[0].Failed)
	assert.Equal(t, 1, runs[0].Counts.Failed)
	assert.Equal(t, 1, runs[0].Counts.Built)
	assert.NotEmpty(t, runs[0].GraphHash)
	assert.NotEmpty(t, runs[0].TraceHash)

	f, err := h.eng.RunFailure(runs[0].RunID)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, state.FailureClassExecution, f.FailureClass)
	assert.Equal(t, []string{"A"}, f.Targets)

	assert.Equal(t, state.RunStatusSucceeded, runs[1].Status)
	assert.Equal(t, 1, runs[1].Counts.Skipped)
	f, err = h.eng.RunFailure(runs[1].RunID)
	require.NoError(t, err)
	assert.Nil(t, f)

	hist, err := h.eng.HistoryOf("A")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, runs[0].RunID, hist[0].RunID)
	assert.Equal(t, runs[1].RunID, hist[1].RunID)
}

func TestMake_RecoveryAcrossRename(t *testing.T) {
	const command = `list(sprintf("ozone-%d", rand_int(1000)), 41.5)`
	original := newPlan(seeded(tgt("data", command), 7))
	renamed := newPlan(seeded(tgt("airquality_data", command), 7))

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t)
		h.make(t, original, MakeOptions{})
		want := h.value(t, "data")
		h.ev.executed()

		res := h.make(t, renamed, MakeOptions{Recover: true})
		assert.Equal(t, []string{"airquality_data"}, res.Recovered())
		assert.Equal(t, "data", res.Results["airquality_data"].RecoveredFrom)
		assert.Empty(t, h.ev.executed())
		assert.Equal(t, want, h.value(t, "airquality_data"))

		rec, err := h.eng.Diagnose("airquality_data")
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeRecovered, rec.Outcome)

		// The recovered record makes the target current.
		res = h.make(t, renamed, MakeOptions{})
		assert.Equal(t, []string{"airquality_data"}, res.Skipped())
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t)
		h.make(t, original, MakeOptions{})
		h.ev.executed()

		res := h.make(t, renamed, MakeOptions{})
		assert.Equal(t, []string{"airquality_data"}, res.Built())
		assert.Equal(t, string(staleness.ReasonMissingRecord), res.Results["airquality_data"].Reason)
		assert.Equal(t, []string{"airquality_data"}, h.ev.executed())
	})
}

func TestMake_RecoveryFallsBackWhenContentCollected(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(seeded(tgt("data", "41"), 1))
	h.make(t, plan, MakeOptions{})

	_, err := h.eng.Collect(context.Background(), nil, store.GCOptions{Mode: store.GCCurrent, Targets: []string{"other"}})
	require.NoError(t, err)
	h.ev.executed()

	renamed := newPlan(seeded(tgt("copy", "41"), 1))
	res := h.make(t, renamed, MakeOptions{Recover: true})
	assert.Equal(t, []string{"copy"}, res.Built())
	assert.Equal(t, []string{"copy"}, h.ev.executed())
}

func TestMake_ContentRoundTrip(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(
		tgt("left", `map[string]any{"rows": list(1, 2.5, "x"), "ok": true}`),
		tgt("right", `map[string]any{"ok": true, "rows": []any{1, 2.5, "x"}}`),
	)
	res := h.make(t, plan, MakeOptions{})

	lh := res.Results["left"].ValueHash
	assert.Equal(t, lh, res.Results["right"].ValueHash)

	v, err := h.eng.ShowHash(lh)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": []any{int64(1), 2.5, "x"}, "ok": true}, v)

	objects, err := h.st.Objects()
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestMake_TargetSubset(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("a", "1"), tgt("b", "a + 1"), tgt("c", "5"))
	res := h.make(t, plan, MakeOptions{Targets: []string{"b"}})
	assert.Equal(t, []string{"a", "b"}, res.Built())
	_, ok := res.FinalState["c"]
	assert.False(t, ok)

	_, err := h.eng.Make(context.Background(), plan, MakeOptions{Targets: []string{"nope"}})
	var gf *state.GraphFailureError
	require.True(t, errors.As(err, &gf))
	assert.Equal(t, "UnknownTarget", gf.Code)
}

func TestMake_TraceFile(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("a", "1"), tgt("b", "a + 1"))
	path := filepath.Join(h.dir, "trace", "build.json")

	first := h.make(t, plan, MakeOptions{TraceFile: path})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "TargetBuilt")

	// Same decisions on a fresh store give the same trace hash.
	other := newHarness(t)
	again := other.make(t, plan, MakeOptions{Jobs: 1})
	h1, err := first.Trace.Hash()
	require.NoError(t, err)
	h2, err := again.Trace.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestMake_TriggerCondition(t *testing.T) {
	h := newHarness(t)
	plan := &core.Plan{
		Globals: []core.Global{{Name: "always", Value: "true"}},
		Targets: []core.Target{
			{Name: "fresh", Command: "rand_int(10)", Trigger: core.Trigger{Condition: "always"}},
			tgt("steady", "3"),
		},
	}
	h.make(t, plan, MakeOptions{})
	res := h.make(t, plan, MakeOptions{})
	assert.Equal(t, []string{"fresh"}, res.Built())
	assert.Equal(t, string(staleness.ReasonTriggerCondition), res.Results["fresh"].Reason)
	assert.Equal(t, []string{"steady"}, res.Skipped())
}

func TestMake_BrokenGlobalIsFatal(t *testing.T) {
	h := newHarness(t)
	plan := &core.Plan{
		Globals: []core.Global{{Name: "bad", Value: `stop("no")`}},
		Targets: []core.Target{tgt("a", "bad")},
	}
	_, err := h.eng.Make(context.Background(), plan, MakeOptions{})
	var gf *state.GraphFailureError
	require.True(t, errors.As(err, &gf), "got %v", err)
	assert.Equal(t, "GlobalEvaluation", gf.Code)
	assert.Equal(t, []string{"bad"}, h.ev.executed())
}

func TestDepsTarget(t *testing.T) {
	h := newHarness(t)
	plan := &core.Plan{
		Globals: []core.Global{{Name: "scale", Params: []string{"x"}, Body: "x * 10"}},
		Targets: []core.Target{
			tgt("raw", `read_file(file_in("data/raw.csv"))`),
			tgt("model", `scale(len(raw))`),
			tgt("plot", `write_file(file_out("out/plot.txt"), str(model))`),
		},
	}
	d, err := h.eng.DepsTarget(context.Background(), plan, "model")
	require.NoError(t, err)
	assert.Equal(t, []string{"raw"}, d.Reads.Targets)
	assert.Equal(t, []string{"scale"}, d.Reads.Globals)
	assert.Equal(t, []string{"raw"}, d.Dependencies)
	assert.Equal(t, []string{"plot"}, d.Dependents)

	d, err = h.eng.DepsTarget(context.Background(), plan, "raw")
	require.NoError(t, err)
	assert.Equal(t, []string{"data/raw.csv"}, d.Reads.FilesIn)

	_, err = h.eng.DepsTarget(context.Background(), plan, "nope")
	assert.Error(t, err)
}

func TestDepsTarget_ReportsDependencyReasons(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("a", "1"), tgt("b", "a + 1"), tgt("c", "a + b"))
	h.make(t, plan, MakeOptions{})
	h.ev.executed()

	d, err := h.eng.DepsTarget(context.Background(), plan, "c")
	require.NoError(t, err)
	assert.Equal(t, staleness.ReasonNone, d.Reason)
	assert.Equal(t, map[string]staleness.Reason{"a": staleness.ReasonNone, "b": staleness.ReasonNone}, d.Reasons)

	plan.Targets[0].Command = "2"
	d, err = h.eng.DepsTarget(context.Background(), plan, "c")
	require.NoError(t, err)
	assert.Equal(t, staleness.ReasonUpstreamOutdated, d.Reason)
	assert.Equal(t, staleness.ReasonCommandChanged, d.Reasons["a"])
	assert.Equal(t, staleness.ReasonUpstreamOutdated, d.Reasons["b"])
	assert.Empty(t, h.ev.executed())
}

func TestMake_EarlyFailureClosesRun(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("a", "b + 1"), tgt("b", "a + 1"))
	_, err := h.eng.Make(context.Background(), plan, MakeOptions{Jobs: 1})
	require.Error(t, err)

	runs, err := h.eng.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunStatusFailed, runs[0].Status)
	assert.NotNil(t, runs[0].EndTime)

	f, err := h.eng.RunFailure(runs[0].RunID)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, state.FailureClassGraph, f.FailureClass)
}

func TestOutdated_MatchesMakeWithDependTriggerOff(t *testing.T) {
	h := newHarness(t)
	off := false
	b := tgt("b", "a + 1")
	b.Trigger.Depend = &off
	plan := newPlan(tgt("a", "1"), b)
	h.make(t, plan, MakeOptions{})

	plan.Targets[0].Command = "2"
	outdated, err := h.eng.Outdated(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, outdated)

	res := h.make(t, plan, MakeOptions{})
	assert.Equal(t, outdated, res.Built())
	assert.Equal(t, []string{"b"}, res.Skipped())
}

func TestCollect_CurrentWithoutPlanKeepsRecordedTargets(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("a", "1"), tgt("b", "a + 10"))
	h.make(t, plan, MakeOptions{})
	plan.Targets[0].Command = "2"
	h.make(t, plan, MakeOptions{})

	res, err := h.eng.Collect(context.Background(), nil, store.GCOptions{Mode: store.GCCurrent})
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, int64(2), h.value(t, "a"))
	assert.Equal(t, int64(12), h.value(t, "b"))
}

func TestHistory_ReportsExists(t *testing.T) {
	h := newHarness(t)
	plan := newPlan(tgt("a", "1"))
	h.make(t, plan, MakeOptions{})
	plan.Targets[0].Command = "2"
	h.make(t, plan, MakeOptions{})

	res, err := h.eng.Collect(context.Background(), plan, store.GCOptions{Mode: store.GCCurrent})
	require.NoError(t, err)
	assert.Len(t, res.Removed, 1)

	entries, err := h.eng.History()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Exists)
	assert.True(t, entries[1].Exists)

	v, rec, err := h.eng.Show("a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, entries[1].Seq, rec.Seq)
}
