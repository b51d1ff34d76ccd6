package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_MissingOptionalFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), DefaultFile), true)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)

	_, err = Load(filepath.Join(t.TempDir(), DefaultFile), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	p := write(t, DefaultFile, `
store_dir: cache
jobs: 3
recover: true
file_hash: mtime
log_format: json
trace_file: out/trace.json
`)
	cfg, err := Load(p, false)
	require.NoError(t, err)
	assert.Equal(t, "cache", cfg.StoreDir)
	assert.Equal(t, 3, cfg.Jobs)
	assert.True(t, cfg.Recover)
	assert.Equal(t, "mtime", cfg.FileHash)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "out/trace.json", cfg.TraceFile)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	p := write(t, DefaultFile, "jobs: 0\nfile_hash: sha1\nlog_level: loud\n")
	_, err := Load(p, false)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Len(t, verr.Errors, 3)
	assert.Contains(t, err.Error(), "Jobs: must be at least 1")
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	p := write(t, DefaultFile, "jobz: 2\n")
	_, err := Load(p, false)
	assert.Error(t, err)
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(`
seed: 42
globals:
  - name: scale
    params: [x]
    body: x * 10
  - name: base
    value: "3"
targets:
  - name: a
    command: "1"
  - name: b
    command: scale(a) + base
    seed: 7
    file_outputs: [out.txt]
    trigger:
      seed: false
      condition: base > 2
`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), plan.Seed)
	require.Len(t, plan.Targets, 2)
	b := plan.Targets[1]
	require.NotNil(t, b.Seed)
	assert.Equal(t, int64(7), *b.Seed)
	assert.False(t, b.Trigger.SeedEnabled())
	assert.True(t, b.Trigger.CommandEnabled())
	assert.Equal(t, "base > 2", b.Trigger.Condition)
	assert.Equal(t, []string{"out.txt"}, b.FileOutputs)
	assert.True(t, plan.Globals[0].IsFunction())
}

func TestParsePlan_Errors(t *testing.T) {
	cases := map[string]string{
		"no targets":     "seed: 1\n",
		"bad command":    "targets:\n  - name: a\n    command: \"1 +\"\n",
		"bad name":       "targets:\n  - name: my-target\n    command: \"1\"\n",
		"duplicate":      "targets:\n  - name: a\n    command: \"1\"\n  - name: a\n    command: \"2\"\n",
		"global forms":   "globals:\n  - name: g\n    body: \"1\"\n    value: \"2\"\ntargets:\n  - name: a\n    command: g\n",
		"unknown key":    "targets:\n  - name: a\n    cmd: \"1\"\n",
		"bad condition":  "targets:\n  - name: a\n    command: \"1\"\n    trigger:\n      condition: \"(\"\n",
		"empty file out": "targets:\n  - name: a\n    command: \"1\"\n    file_outputs: [\"\"]\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadPlan_File(t *testing.T) {
	p := write(t, "plan.yaml", "targets:\n  - name: a\n    command: \"1\"\n")
	plan, err := LoadPlan(p)
	require.NoError(t, err)
	assert.Equal(t, "a", plan.Targets[0].Name)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
