package staleness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeweaver/internal/analysis"
	"pipeweaver/internal/core"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/store"
)

type fixture struct {
	dir   string
	plan  *core.Plan
	store *store.Store
	det   *Detector
	deps  map[string]analysis.Deps
	graph *dag.TargetGraph
}

func newFixture(t *testing.T, st *store.Store, dir string, plan *core.Plan) *fixture {
	t.Helper()
	names := make([]string, len(plan.Targets))
	for i, tg := range plan.Targets {
		names[i] = tg.Name
	}
	symbols, err := analysis.NewSymbolTable(names, plan.Globals)
	require.NoError(t, err)

	deps := make(map[string]analysis.Deps, len(plan.Targets))
	for _, tg := range plan.Targets {
		d, err := analysis.Analyze(tg.Command, symbols)
		require.NoError(t, err)
		deps[tg.Name] = d
	}
	g, err := dag.NewTargetGraph(plan.Targets, deps)
	require.NoError(t, err)

	det := NewDetector(plan, symbols, core.NewFileResolver(dir, core.FileHashContent), st)
	return &fixture{dir: dir, plan: plan, store: st, det: det, deps: deps, graph: g}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// build records a successful build of every target in topological order, using
// the value v for each.
func (f *fixture) build(t *testing.T, values map[string]core.Value) {
	t.Helper()
	ctx := context.Background()
	hashes := map[string]core.ValueHash{}
	for _, name := range f.graph.TopologicalOrder() {
		tg, _ := f.plan.Target(name)
		v, err := f.det.Check(ctx, tg, f.deps[name], hashes)
		require.NoError(t, err)
		h, err := f.store.Put(values[name])
		require.NoError(t, err)
		outs, err := f.det.Outputs(tg, f.deps[name])
		require.NoError(t, err)
		files, err := core.NewHarvester(f.det.Resolver).Harvest(outs)
		require.NoError(t, err)
		require.NoError(t, f.store.Append(&store.Record{
			Target:      name,
			Fingerprint: v.Fingerprint,
			Parts:       v.Parts,
			ValueHash:   h,
			Outcome:     store.OutcomeSucceeded,
			FileOutputs: files,
		}))
		hashes[name] = h
	}
}

func abcPlan(a string) *core.Plan {
	return &core.Plan{Targets: []core.Target{
		{Name: "a", Command: a},
		{Name: "b", Command: "a + 1"},
		{Name: "c", Command: "b * 2"},
	}}
}

func TestCheck_MissingRecord(t *testing.T) {
	f := newFixture(t, openStore(t), t.TempDir(), abcPlan("1"))
	tg, _ := f.plan.Target("a")

	v, err := f.det.Check(context.Background(), tg, f.deps["a"], nil)
	require.NoError(t, err)
	assert.Equal(t, ClassOutdatedDirect, v.Class)
	assert.Equal(t, ReasonMissingRecord, v.Reason)
	assert.NotEmpty(t, v.Fingerprint)
}

func TestPlan_CurrentAfterBuild(t *testing.T) {
	f := newFixture(t, openStore(t), t.TempDir(), abcPlan("1"))
	f.build(t, map[string]core.Value{"a": int64(1), "b": int64(2), "c": int64(4)})

	verdicts, err := f.det.Plan(context.Background(), f.graph, f.deps)
	require.NoError(t, err)
	assert.Empty(t, Outdated(verdicts))
	for _, v := range verdicts {
		assert.Equal(t, ReasonNone, v.Reason)
	}
}

func TestPlan_CommandChangePropagatesUpstream(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	f := newFixture(t, st, dir, abcPlan("1"))
	f.build(t, map[string]core.Value{"a": int64(1), "b": int64(2), "c": int64(4)})

	f = newFixture(t, st, dir, abcPlan("2"))
	verdicts, err := f.det.Plan(context.Background(), f.graph, f.deps)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, Outdated(verdicts))
	assert.Equal(t, ReasonCommandChanged, verdicts["a"].Reason)
	assert.Equal(t, ClassOutdatedDirect, verdicts["a"].Class)
	assert.Equal(t, ClassOutdatedUpstream, verdicts["b"].Class)
	assert.Equal(t, ReasonUpstreamOutdated, verdicts["b"].Reason)
	assert.Equal(t, ReasonUpstreamOutdated, verdicts["c"].Reason)
}

func TestPlan_DependTriggerOffIgnoresUpstream(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	off := false
	plan := func(a string) *core.Plan {
		p := abcPlan(a)
		p.Targets[1].Trigger.Depend = &off
		return p
	}
	f := newFixture(t, st, dir, plan("1"))
	f.build(t, map[string]core.Value{"a": int64(1), "b": int64(2), "c": int64(4)})

	f = newFixture(t, st, dir, plan("2"))
	verdicts, err := f.det.Plan(context.Background(), f.graph, f.deps)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, Outdated(verdicts))
	assert.Equal(t, ClassCurrent, verdicts["b"].Class)
	assert.Equal(t, ReasonNone, verdicts["b"].Reason)
	assert.Equal(t, ReasonNone, verdicts["c"].Reason)
}

func TestPlan_FormattingIsNotAChange(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	f := newFixture(t, st, dir, abcPlan("1"))
	f.build(t, map[string]core.Value{"a": int64(1), "b": int64(2), "c": int64(4)})

	plan := abcPlan("1")
	plan.Targets[1].Command = "a+1"
	f = newFixture(t, st, dir, plan)
	verdicts, err := f.det.Plan(context.Background(), f.graph, f.deps)
	require.NoError(t, err)
	assert.Empty(t, Outdated(verdicts))
}

func TestCheck_DependencyValueChanged(t *testing.T) {
	f := newFixture(t, openStore(t), t.TempDir(), abcPlan("1"))
	f.build(t, map[string]core.Value{"a": int64(1), "b": int64(2), "c": int64(4)})

	tg, _ := f.plan.Target("b")
	v, err := f.det.Check(context.Background(), tg, f.deps["b"], map[string]core.ValueHash{"a": "other"})
	require.NoError(t, err)
	assert.Equal(t, ReasonDependencyChanged, v.Reason)
}

func TestCheck_GlobalChanged(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	plan := func(body string) *core.Plan {
		return &core.Plan{
			Targets: []core.Target{{Name: "x", Command: "helper(2)"}, {Name: "y", Command: "3"}},
			Globals: []core.Global{
				{Name: "helper", Params: []string{"n"}, Body: "inner(n)"},
				{Name: "inner", Params: []string{"n"}, Body: body},
			},
		}
	}
	f := newFixture(t, st, dir, plan("n * 2"))
	f.build(t, map[string]core.Value{"x": int64(4), "y": int64(3)})

	f = newFixture(t, st, dir, plan("n * 3"))
	verdicts, err := f.det.Plan(context.Background(), f.graph, f.deps)
	require.NoError(t, err)
	assert.Equal(t, ReasonGlobalChanged, verdicts["x"].Reason)
	assert.False(t, verdicts["y"].Outdated())
}

func TestCheck_SeedChangedAndTriggerSuppression(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	seed := int64(7)
	plan := &core.Plan{Targets: []core.Target{{Name: "r", Command: "rand_int(10)", Seed: &seed}}}
	f := newFixture(t, st, dir, plan)
	f.build(t, map[string]core.Value{"r": int64(3)})

	other := int64(8)
	plan.Targets[0].Seed = &other
	tg := plan.Targets[0]
	v, err := f.det.Check(context.Background(), tg, f.deps["r"], nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonSeedChanged, v.Reason)

	off := false
	tg.Trigger.Seed = &off
	v, err = f.det.Check(context.Background(), tg, f.deps["r"], nil)
	require.NoError(t, err)
	assert.False(t, v.Outdated())
}

func TestCheck_FileInputAndOutputChanges(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.csv"), []byte("1,2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("x"), 0o644))

	plan := &core.Plan{Targets: []core.Target{
		{Name: "load", Command: `read_file(file_in("in.csv"))`},
		{Name: "save", Command: `write_file(file_out("out.txt"), "x")`},
	}}
	f := newFixture(t, st, dir, plan)
	f.build(t, map[string]core.Value{"load": "1,2", "save": nil})

	verdicts, err := f.det.Plan(context.Background(), f.graph, f.deps)
	require.NoError(t, err)
	require.Empty(t, Outdated(verdicts))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.csv"), []byte("1,3"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "out.txt")))

	verdicts, err = f.det.Plan(context.Background(), f.graph, f.deps)
	require.NoError(t, err)
	assert.Equal(t, ReasonFileChanged, verdicts["load"].Reason)
	assert.Equal(t, ReasonFileChanged, verdicts["save"].Reason)
}

func TestCheck_PreviousFailureAndMissingContent(t *testing.T) {
	f := newFixture(t, openStore(t), t.TempDir(), abcPlan("1"))
	f.build(t, map[string]core.Value{"a": int64(1), "b": int64(2), "c": int64(4)})
	ctx := context.Background()

	a, _ := f.plan.Target("a")
	require.NoError(t, f.store.Append(&store.Record{Target: "a", Outcome: store.OutcomeFailed}))
	v, err := f.det.Check(ctx, a, f.deps["a"], nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonPreviousFailure, v.Reason)

	_, err = f.store.Collect(ctx, store.GCOptions{Mode: store.GCCurrent, Targets: []string{"a", "b"}})
	require.NoError(t, err)
	c, _ := f.plan.Target("c")
	bRec, err := f.store.Latest("b")
	require.NoError(t, err)
	v, err = f.det.Check(ctx, c, f.deps["c"], map[string]core.ValueHash{"b": bRec.ValueHash})
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingContent, v.Reason)
}

func TestCheck_TriggerCondition(t *testing.T) {
	f := newFixture(t, openStore(t), t.TempDir(), abcPlan("1"))
	f.build(t, map[string]core.Value{"a": int64(1), "b": int64(2), "c": int64(4)})

	a, _ := f.plan.Target("a")
	a.Trigger.Condition = "true"
	f.det.Condition = func(ctx context.Context, t core.Target) (bool, error) {
		return t.Trigger.Condition == "true", nil
	}
	v, err := f.det.Check(context.Background(), a, f.deps["a"], nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonTriggerCondition, v.Reason)

	a.Trigger.Condition = "false"
	v, err = f.det.Check(context.Background(), a, f.deps["a"], nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonNone, v.Reason)
}
