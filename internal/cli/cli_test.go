package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "pipeweaver/internal/cli"
	"pipeweaver/internal/config"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/engine"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/store"
)

const basePlan = `
seed: 1
targets:
  - name: a
    command: "1"
  - name: b
    command: a + 1
  - name: c
    command: a + b + 1
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

// workspace returns a work dir holding plan.yaml.
func workspace(t *testing.T, plan string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "plan.yaml"), plan)
	return dir
}

// run invokes the CLI in workDir and returns its stdout.
func run(t *testing.T, workDir string, args ...string) (icl.CLIResult, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--workdir", workDir, "--no-color", "--log-level", "error"}, args...)
	res, err := icl.RunWithIO(context.Background(), full, &stdout, &stderr)
	return res, stdout.String(), err
}

func TestMake_BuildsThenSkips(t *testing.T) {
	dir := workspace(t, basePlan)

	res, out, err := run(t, dir, "make")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}
	if got := len(res.Make.Built()); got != 3 {
		t.Fatalf("built %d targets, want 3\n%s", got, out)
	}
	if !strings.Contains(out, "3 targets built") {
		t.Fatalf("missing summary:\n%s", out)
	}

	res, out, err = run(t, dir, "make")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("second make: exit=%d err=%v", res.ExitCode, err)
	}
	if got := len(res.Make.Skipped()); got != 3 {
		t.Fatalf("skipped %d targets, want 3\n%s", got, out)
	}
	if got := linesWithPrefix(out, "current "); got != 3 {
		t.Fatalf("%d current targets, want 3:\n%s", got, out)
	}

	_, out, err = run(t, dir, "show", "c")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if strings.TrimSpace(out) != "4" {
		t.Fatalf("show c = %q, want 4", out)
	}
}

func linesWithPrefix(out, prefix string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func TestMake_TraceIsIdenticalAcrossFreshWorkspaces(t *testing.T) {
	var traces [][]byte
	for i := 0; i < 2; i++ {
		dir := workspace(t, basePlan)
		res, _, err := run(t, dir, "make", "--trace", "traces/t.json", "--jobs", fmt.Sprint(1+3*i))
		if err != nil || res.ExitCode != icl.ExitSuccess {
			t.Fatalf("make %d: exit=%d err=%v", i, res.ExitCode, err)
		}
		traces = append(traces, readFile(t, filepath.Join(dir, "traces", "t.json")))
	}
	if !bytes.Equal(traces[0], traces[1]) {
		t.Fatalf("trace differs across identical runs:\n%s\n%s", traces[0], traces[1])
	}

	var decoded struct {
		GraphHash string `json:"graphHash"`
		Events    []struct {
			Kind string `json:"kind"`
		} `json:"events"`
	}
	if err := json.Unmarshal(traces[0], &decoded); err != nil {
		t.Fatalf("trace not valid json: %v", err)
	}
	if decoded.GraphHash == "" {
		t.Fatalf("trace missing graphHash")
	}
	built := 0
	for _, e := range decoded.Events {
		if e.Kind == "TargetBuilt" {
			built++
		}
	}
	if built != 3 {
		t.Fatalf("expected 3 TargetBuilt events, got %d", built)
	}
}

func TestPathResolution_RelativePathsResolveAgainstWorkDir(t *testing.T) {
	dir := workspace(t, basePlan)
	writeFile(t, filepath.Join(dir, "plans", "p.yaml"), basePlan)

	oldCwd, _ := os.Getwd()
	_ = os.Chdir(t.TempDir())
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })

	res, _, err := run(t, dir, "--plan", "plans/p.yaml", "--store-dir", "state", "make", "--trace", "out/t.json", "--metrics", "out/m.prom")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}
	for _, rel := range []string{"out/t.json", "out/m.prom", "state/db", "state/runs"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("expected %s under workdir: %v", rel, err)
		}
	}
	if m := string(readFile(t, filepath.Join(dir, "out", "m.prom"))); !strings.Contains(m, `pipeweaver_targets_total{state="SUCCEEDED"} 3`) {
		t.Fatalf("metrics file missing target counts:\n%s", m)
	}
}

func TestConfigFile_SuppliesDefaults(t *testing.T) {
	dir := workspace(t, "")
	writeFile(t, filepath.Join(dir, "pipeline.yaml"), basePlan)
	writeFile(t, filepath.Join(dir, config.DefaultFile), "plan: pipeline.yaml\nstore_dir: cache\njobs: 2\n")

	res, _, err := run(t, dir, "make")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cache", "db")); err != nil {
		t.Fatalf("expected store under configured dir: %v", err)
	}
}

func TestExitCodeStability_FailingTargetIsStable(t *testing.T) {
	dir := workspace(t, `
targets:
  - name: bad
    command: 1 / 0
  - name: after
    command: bad + 1
  - name: other
    command: "2"
`)

	res1, out, err1 := run(t, dir, "make")
	res2, _, err2 := run(t, dir, "make")
	if res1.ExitCode != icl.ExitGraphFailure || res2.ExitCode != icl.ExitGraphFailure {
		t.Fatalf("expected stable exit %d, got %d and %d", icl.ExitGraphFailure, res1.ExitCode, res2.ExitCode)
	}
	var runErr *engine.RunError
	if !errors.As(err1, &runErr) || !errors.As(err2, &runErr) {
		t.Fatalf("expected *engine.RunError, got %v / %v", err1, err2)
	}
	if len(runErr.Failed) != 1 || runErr.Failed[0] != "bad" {
		t.Fatalf("failed = %v, want [bad]", runErr.Failed)
	}
	if !strings.Contains(out, "integer divide by zero") {
		t.Fatalf("expected failure message in output:\n%s", out)
	}

	_, out, err := run(t, dir, "diagnose", "bad")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if !strings.Contains(out, "failed") || !strings.Contains(out, "integer divide by zero") {
		t.Fatalf("diagnose output:\n%s", out)
	}

	res, _, err := run(t, dir, "show", "after")
	if res.ExitCode != icl.ExitInvalidInvocation || err == nil {
		t.Fatalf("show of never-built target: exit=%d err=%v", res.ExitCode, err)
	}

	_, out, err = run(t, dir, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if strings.Count(out, string(state.RunStatusFailed)+"    build") != 2 {
		t.Fatalf("expected two failed runs:\n%s", out)
	}
}

func TestCycle_IsGraphFailure(t *testing.T) {
	dir := workspace(t, `
targets:
  - name: a
    command: c + 1
  - name: b
    command: a + 1
  - name: c
    command: b + 1
`)
	res, _, err := run(t, dir, "make")
	if res.ExitCode != icl.ExitConfigError {
		t.Fatalf("expected exit %d, got %d (err=%v)", icl.ExitConfigError, res.ExitCode, err)
	}
	var cyc *dag.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !strings.Contains(err.Error(), "CyclicDependency") {
		t.Fatalf("error should name the failure code: %v", err)
	}
}

func TestInvalidInvocation_DeterministicAndExplainable(t *testing.T) {
	cases := [][]string{
		{"frobnicate"},
		{"make", "--no-such-flag"},
		{"diagnose"},
		{"show", "a", "b"},
		{"gc", "--mode", "everything"},
		{"--jobs", "0", "make"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			dir := workspace(t, basePlan)
			res1, _, err1 := run(t, dir, args...)
			res2, _, err2 := run(t, dir, args...)
			if res1.ExitCode != icl.ExitInvalidInvocation || res2.ExitCode != icl.ExitInvalidInvocation {
				t.Fatalf("expected exit 2, got %d and %d (err=%v)", res1.ExitCode, res2.ExitCode, err1)
			}
			if err1 == nil || err2 == nil {
				t.Fatalf("expected errors")
			}
			if err1.Error() != err2.Error() {
				t.Fatalf("expected deterministic error message: %q vs %q", err1, err2)
			}
		})
	}
}

func TestMissingPlan_IsConfigError(t *testing.T) {
	dir := t.TempDir()
	res, _, err := run(t, dir, "make")
	if res.ExitCode != icl.ExitConfigError || err == nil {
		t.Fatalf("expected exit %d, got %d (err=%v)", icl.ExitConfigError, res.ExitCode, err)
	}
}

func TestOutdated_ReportsReasons(t *testing.T) {
	dir := workspace(t, basePlan)
	if res, _, err := run(t, dir, "make"); err != nil {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}

	_, out, err := run(t, dir, "outdated")
	if err != nil {
		t.Fatalf("outdated: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Fatalf("expected nothing outdated, got:\n%s", out)
	}

	writeFile(t, filepath.Join(dir, "plan.yaml"), strings.Replace(basePlan, `command: "1"`, `command: "2"`, 1))
	_, out, err = run(t, dir, "outdated")
	if err != nil {
		t.Fatalf("outdated: %v", err)
	}
	for _, want := range []string{"a  command-changed", "b  upstream-outdated", "c  upstream-outdated"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestDeps_ListsReads(t *testing.T) {
	dir := workspace(t, basePlan)
	_, out, err := run(t, dir, "deps", "c")
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	if !strings.Contains(out, "targets:") || !strings.Contains(out, "a, b") {
		t.Fatalf("deps output:\n%s", out)
	}

	if res, _, err := run(t, dir, "make"); err != nil {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}
	writeFile(t, filepath.Join(dir, "plan.yaml"), strings.Replace(basePlan, `command: "1"`, `command: "2"`, 1))
	_, out, err = run(t, dir, "deps", "c")
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	for _, want := range []string{"c  upstream-outdated", "a (command-changed)", "b (upstream-outdated)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}

	res, _, err := run(t, dir, "deps", "nope")
	if res.ExitCode != icl.ExitInvalidInvocation || err == nil {
		t.Fatalf("unknown target: exit=%d err=%v", res.ExitCode, err)
	}
}

func TestHistoryAndGC(t *testing.T) {
	dir := workspace(t, basePlan)
	if res, _, err := run(t, dir, "make"); err != nil {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}
	writeFile(t, filepath.Join(dir, "plan.yaml"), strings.Replace(basePlan, `command: "1"`, `command: "2"`, 1))
	if res, _, err := run(t, dir, "make"); err != nil {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}

	_, out, err := run(t, dir, "history", "a")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := strings.Count(out, "succeeded"); got != 2 {
		t.Fatalf("expected 2 records of a, got %d:\n%s", got, out)
	}

	_, out, err = run(t, dir, "gc", "--mode", "current", "--dry-run")
	if err != nil {
		t.Fatalf("gc dry run: %v", err)
	}
	if !strings.Contains(out, "would remove 2 values") {
		t.Fatalf("gc dry run output:\n%s", out)
	}

	_, out, err = run(t, dir, "gc", "--mode", "current")
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if !strings.Contains(out, "removed 2 values") || !strings.Contains(out, "kept 3 values") {
		t.Fatalf("gc output:\n%s", out)
	}

	_, out, err = run(t, dir, "history", "a")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, " no ") || !strings.Contains(out, " yes ") {
		t.Fatalf("expected collected and live values:\n%s", out)
	}
}

func TestGC_CurrentWithoutPlanKeepsRecordedTargets(t *testing.T) {
	dir := workspace(t, basePlan)
	if res, _, err := run(t, dir, "make"); err != nil {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}
	writeFile(t, filepath.Join(dir, "plan.yaml"), strings.Replace(basePlan, `command: "1"`, `command: "2"`, 1))
	if res, _, err := run(t, dir, "make"); err != nil {
		t.Fatalf("make: exit=%d err=%v", res.ExitCode, err)
	}
	if err := os.Remove(filepath.Join(dir, "plan.yaml")); err != nil {
		t.Fatalf("remove plan: %v", err)
	}

	_, out, err := run(t, dir, "gc", "--mode", "current")
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if !strings.Contains(out, "removed 2 values") || !strings.Contains(out, "kept 3 values") {
		t.Fatalf("gc output:\n%s", out)
	}
	_, out, err = run(t, dir, "show", "c")
	if err != nil || strings.TrimSpace(out) != "6" {
		t.Fatalf("show c = %q, err=%v", out, err)
	}
}

func TestExitCode_Mapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, icl.ExitSuccess},
		{"run error", fmt.Errorf("make: %w", &engine.RunError{Failed: []string{"a"}}), icl.ExitGraphFailure},
		{"cancelled", fmt.Errorf("wrapped: %w", dag.ErrCancelled), icl.ExitGraphFailure},
		{"graph failure", &state.GraphFailureError{Code: "CyclicDependency", Message: "cycle"}, icl.ExitConfigError},
		{"workspace failure", &state.WorkspaceFailureError{Code: "StoreOpen", Message: "locked"}, icl.ExitConfigError},
		{"validation", &config.ValidationError{Errors: []string{"Jobs: must be at least 1"}}, icl.ExitConfigError},
		{"not found", fmt.Errorf("target %q: %w", "x", store.ErrNotFound), icl.ExitInvalidInvocation},
		{"other", errors.New("disk on fire"), icl.ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := icl.ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
