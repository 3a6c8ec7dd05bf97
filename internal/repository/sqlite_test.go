package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRun(t *testing.T, store *SQLiteStore) *domain.TestIterationResult {
	t.Helper()
	ctx := context.Background()
	project, err := store.GetOrCreateProject(ctx, "demo")
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, project.ID, time.Unix(1000, 0).UTC())
	require.NoError(t, err)
	return run
}

func TestSQLiteStoreProjectsAndRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p1, err := store.GetOrCreateProject(ctx, "demo")
	require.NoError(t, err)
	p2, err := store.GetOrCreateProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	run, err := store.CreateRun(ctx, p1.ID, time.Unix(1000, 123000).UTC())
	require.NoError(t, err)
	assert.True(t, run.IsRun())
	assert.Equal(t, p1.ID, run.ProjectID)
	assert.True(t, run.Start.Equal(time.Unix(1000, 123000)))
	assert.Nil(t, run.Finish)

	missing, err := store.GetResult(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStoreAddTestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pkg, err := store.AddTest(ctx, "suite", domain.NodePackage, nil)
	require.NoError(t, err)
	again, err := store.AddTest(ctx, "suite", domain.NodePackage, nil)
	require.NoError(t, err)
	assert.Equal(t, pkg.ID, again.ID)

	test, err := store.AddTest(ctx, "t1", domain.NodeTest, pkg)
	require.NoError(t, err)
	other, err := store.AddTest(ctx, "t1", domain.NodeTest, nil)
	require.NoError(t, err)
	assert.NotEqual(t, test.ID, other.ID)

	got, err := store.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, &domain.Test{ID: test.ID, Name: "t1", ParentID: pkg.ID, Type: domain.NodeTest}, got)
}

func TestSQLiteStoreIterationsAndRelations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pkg, err := store.AddTest(ctx, "suite", domain.NodePackage, nil)
	require.NoError(t, err)
	inner, err := store.AddTest(ctx, "inner", domain.NodePackage, pkg)
	require.NoError(t, err)
	test, err := store.AddTest(ctx, "t1", domain.NodeTest, inner)
	require.NoError(t, err)

	pkgIt, err := store.AddIteration(ctx, pkg, nil, "", nil, 0)
	require.NoError(t, err)
	assert.True(t, pkgIt.Created)
	assert.Nil(t, pkgIt.Iteration.Hash)

	innerIt, err := store.AddIteration(ctx, inner, nil, "", pkgIt.Iteration, 1)
	require.NoError(t, err)

	args := []domain.Argument{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}
	first, err := store.AddIteration(ctx, test, args, "", innerIt.Iteration, 2)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, ArgumentsHash(args), *first.Iteration.Hash)

	reversed := []domain.Argument{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}
	second, err := store.AddIteration(ctx, test, reversed, "", innerIt.Iteration, 2)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Iteration.ID, second.Iteration.ID)

	stored, err := store.ListArguments(ctx, first.Iteration.ID)
	require.NoError(t, err)
	assert.Equal(t, reversed, stored)

	ancestors, err := store.ListAncestors(ctx, first.Iteration.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{1: innerIt.Iteration.ID, 2: pkgIt.Iteration.ID}, ancestors)
}

func TestSQLiteStoreHashedIterations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	test, err := store.AddTest(ctx, "t1", domain.NodeTest, nil)
	require.NoError(t, err)

	a, err := store.AddIteration(ctx, test, nil, "abc", nil, 0)
	require.NoError(t, err)
	b, err := store.AddIteration(ctx, test, nil, "abc", nil, 0)
	require.NoError(t, err)
	blank, err := store.AddIteration(ctx, test, nil, "", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, a.Iteration.ID, b.Iteration.ID)
	assert.NotEqual(t, a.Iteration.ID, blank.Iteration.ID)
	assert.Equal(t, "", *blank.Iteration.Hash)
}

func TestSQLiteStoreAddIterationResult(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newRun(t, store)

	test, err := store.AddTest(ctx, "t1", domain.NodeTest, nil)
	require.NoError(t, err)
	it, err := store.AddIteration(ctx, test, nil, "", nil, 0)
	require.NoError(t, err)

	blank, err := store.AddIterationResult(ctx, domain.NewResult{
		Start: time.Unix(1001, 0), IterationID: it.Iteration.ID, RunID: run.ID, Tin: -2, ExecSeqno: 1,
	})
	require.NoError(t, err)
	require.NoError(t, store.FinishResult(ctx, blank.ID, time.Unix(1002, 0)))

	reused, err := store.AddIterationResult(ctx, domain.NewResult{
		Start: time.Unix(1003, 0), IterationID: it.Iteration.ID, RunID: run.ID, Tin: 7, ExecSeqno: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, blank.ID, reused.ID)
	assert.Equal(t, 7, reused.Tin)
	assert.Nil(t, reused.Finish)

	_, err = store.AddIterationResult(ctx, domain.NewResult{
		Start: time.Unix(1004, 0), IterationID: it.Iteration.ID, RunID: run.ID, Tin: 8, ExecSeqno: 1,
	})
	assert.Error(t, err)

	assert.Error(t, store.FinishResult(ctx, 12345, time.Now()))
}

func TestSQLiteStoreListOpenResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newRun(t, store)

	pkg, err := store.AddTest(ctx, "suite", domain.NodePackage, nil)
	require.NoError(t, err)
	it, err := store.AddIteration(ctx, pkg, nil, "", nil, 0)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 3; i++ {
		r, err := store.AddIterationResult(ctx, domain.NewResult{
			Start: time.Unix(int64(1010-i), 0), IterationID: it.Iteration.ID, RunID: run.ID, ExecSeqno: i + 1,
		})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	require.NoError(t, store.FinishResult(ctx, ids[1], time.Unix(1020, 0)))

	open, err := store.ListOpenResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, ids[2], open[0].ID)
	assert.Equal(t, ids[0], open[1].ID)

	rows, err := store.ListRunResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "suite", rows[0].Name)
	assert.Equal(t, domain.NodePackage, rows[0].Type)

	runs, err := store.ListRuns(ctx, domain.RunFilter{UnfinishedOnly: true})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestSQLiteStoreMetas(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newRun(t, store)

	require.NoError(t, store.SetCount(ctx, run.ID, "expected_items", 3))
	require.NoError(t, store.SetCount(ctx, run.ID, "expected_items", 4))
	require.NoError(t, store.AddTags(ctx, run.ID, []domain.Tag{{Name: "env", Value: "ci"}}))

	count, err := store.GetResultMeta(ctx, run.ID, "expected_items", domain.MetaTypeCount)
	require.NoError(t, err)
	require.NotNil(t, count)
	assert.Equal(t, "4", count.Value)

	metas, err := store.ListResultMetas(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, metas, 2)

	none, err := store.GetResultMeta(ctx, run.ID, "missing", domain.MetaTypeLabel)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLiteStoreIdentifyRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newRun(t, store)

	keys := []domain.Meta{
		{Name: "START_TIMESTAMP", Type: domain.MetaTypeTimestamp, Value: "2024-01-01T00:00:00Z"},
		{Name: "HOST", Type: domain.MetaTypeLabel, Value: "lab1"},
	}
	for _, m := range keys {
		require.NoError(t, store.AddMeta(ctx, run.ID, m))
	}

	found, err := store.IdentifyRun(ctx, keys)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, run.ID, found.ID)

	partial := []domain.Meta{keys[0], {Name: "HOST", Type: domain.MetaTypeLabel, Value: "lab2"}}
	found, err = store.IdentifyRun(ctx, partial)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSQLiteStoreOutcomes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newRun(t, store)

	key := "BUG-1"
	exp := domain.ExpectedResult{Status: "FAILED", Verdicts: []string{"v1", "v2"}, Key: &key, Notes: []string{"n"}}
	require.NoError(t, store.AddObtainedResult(ctx, run.ID, "FAILED", []string{"v1", "v2"}, "boom"))
	require.NoError(t, store.AddExpectedResult(ctx, run.ID, exp))
	require.NoError(t, store.AddExpectedResult(ctx, run.ID, exp))
	require.NoError(t, store.AddExpectedResult(ctx, run.ID, domain.ExpectedResult{Status: "PASSED"}))

	metas, err := store.ListResultMetas(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, metas, 4)

	exps, err := store.ListExpectations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Len(t, exps[0].Metas, 5)
	assert.Len(t, exps[1].Metas, 1)
}

func TestSQLiteCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cache := NewSQLiteCache(store)
	now := time.Unix(5000, 0)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "1.livelog", []byte("a"), time.Minute))
	require.NoError(t, cache.Set(ctx, "1.stats", []byte("b"), 0))

	data, err := cache.Get(ctx, "1.livelog")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	now = now.Add(2 * time.Minute)
	data, err = cache.Get(ctx, "1.livelog")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = cache.Get(ctx, "1.stats")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)

	require.NoError(t, cache.Delete(ctx, "1.stats"))
	data, err = cache.Get(ctx, "1.stats")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, cache.Set(ctx, "2.livelog", []byte("c"), time.Second))
	now = now.Add(time.Hour)
	n, err := cache.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
