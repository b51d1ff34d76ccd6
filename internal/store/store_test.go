package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeweaver/internal/core"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true, CacheSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func succeeded(target string, fp core.Fingerprint, h core.ValueHash) *Record {
	return &Record{Target: target, Fingerprint: fp, ValueHash: h, Outcome: OutcomeSucceeded}
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := openTest(t)

	v := map[string]any{"rows": []any{int64(1), 2.5, "x"}, "ok": true}
	h, err := s.Put(v)
	require.NoError(t, err)

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	h2, err := s.Put(v)
	require.NoError(t, err)
	assert.Equal(t, h, h2)

	objs, err := s.Objects()
	require.NoError(t, err)
	assert.Equal(t, []core.ValueHash{h}, objs)
}

func TestGet_NotFound(t *testing.T) {
	s := openTest(t)

	_, err := s.Get("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Has("deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPut_ConcurrentSameValue(t *testing.T) {
	s := openTest(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Put("same")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	objs, err := s.Objects()
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestAppend_HistoryOrder(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Append(succeeded("a", "fp1", "h1")))
	require.NoError(t, s.Append(succeeded("ab", "fp2", "h2")))
	require.NoError(t, s.Append(&Record{Target: "a", Fingerprint: "fp3", Outcome: OutcomeFailed,
		Error: &ErrorContext{Message: "boom", Fingerprint: "fp3"}}))

	hist, err := s.History("a")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, uint64(1), hist[0].Seq)
	assert.Equal(t, uint64(3), hist[1].Seq)
	assert.Equal(t, OutcomeFailed, hist[1].Outcome)
	assert.Equal(t, "boom", hist[1].Error.Message)
	assert.False(t, hist[0].Time.IsZero())

	latest, err := s.Latest("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Seq)

	_, err = s.Latest("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := s.Targets()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab"}, names)
}

func TestAppend_RejectsSuccessWithoutValue(t *testing.T) {
	s := openTest(t)
	err := s.Append(&Record{Target: "a", Outcome: OutcomeSucceeded})
	assert.Error(t, err)
}

func TestLatestByFingerprint_CrossName(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Append(succeeded("data", "fp", "h1")))
	require.NoError(t, s.Append(&Record{Target: "other", Fingerprint: "fp", Outcome: OutcomeFailed}))

	rec, err := s.LatestByFingerprint("fp")
	require.NoError(t, err)
	assert.Equal(t, "data", rec.Target)
	assert.Equal(t, core.ValueHash("h1"), rec.ValueHash)

	require.NoError(t, s.Append(&Record{Target: "airquality_data", Fingerprint: "fp", ValueHash: "h1",
		Outcome: OutcomeRecovered, RecoveredFrom: "data"}))
	rec, err = s.LatestByFingerprint("fp")
	require.NoError(t, err)
	assert.Equal(t, "airquality_data", rec.Target)

	_, err = s.LatestByFingerprint("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAll_ReportsExists(t *testing.T) {
	s := openTest(t)

	h, err := s.Put(int64(4))
	require.NoError(t, err)
	require.NoError(t, s.Append(succeeded("c", "fp", h)))
	require.NoError(t, s.Append(succeeded("gone", "fp2", "0000")))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].Target)
	assert.True(t, all[0].Exists)
	assert.False(t, all[1].Exists)
}

func TestCollect_Unreferenced(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	kept, err := s.Put("kept")
	require.NoError(t, err)
	orphan, err := s.Put("orphan")
	require.NoError(t, err)
	require.NoError(t, s.Append(succeeded("a", "fp", kept)))

	res, err := s.Collect(ctx, GCOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []core.ValueHash{orphan}, res.Removed)
	ok, err := s.Has(orphan)
	require.NoError(t, err)
	assert.True(t, ok, "dry run must not delete")

	res, err = s.Collect(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Kept)
	_, err = s.Get(orphan)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(kept)
	assert.NoError(t, err)
}

func TestCollect_CurrentKeepsLatestOnly(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	old, err := s.Put(int64(1))
	require.NoError(t, err)
	cur, err := s.Put(int64(2))
	require.NoError(t, err)
	dropped, err := s.Put(int64(3))
	require.NoError(t, err)
	require.NoError(t, s.Append(succeeded("a", "fp1", old)))
	require.NoError(t, s.Append(succeeded("a", "fp2", cur)))
	require.NoError(t, s.Append(succeeded("removed", "fp3", dropped)))

	_, err = s.Collect(ctx, GCOptions{Mode: GCCurrent, Targets: []string{"a"}})
	require.NoError(t, err)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 3, "history is never collected")
	exists := map[core.ValueHash]bool{}
	for _, e := range all {
		exists[e.ValueHash] = e.Exists
	}
	assert.Equal(t, map[core.ValueHash]bool{old: false, cur: true, dropped: false}, exists)
}

func TestMissingContentError(t *testing.T) {
	err := error(&MissingContentError{Target: "a", Hash: "0123456789abcdef"})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "0123456789ab")
}

func TestOpen_PersistsSequence(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Append(succeeded("a", "fp", "h")))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	rec := succeeded("a", "fp2", "h2")
	require.NoError(t, s.Append(rec))
	assert.Equal(t, uint64(2), rec.Seq)
}
