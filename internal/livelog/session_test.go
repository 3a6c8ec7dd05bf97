package livelog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/metadata"
	"github.com/ts-factory/bublik-sub000/internal/repository"
	"github.com/ts-factory/bublik-sub000/tests/helpers"
)

// base is START_TIMESTAMP of the fixture runs.
const base = 1704067200

type countingObserver struct {
	events map[string]int
	lost   int
	failed []Kind
	reaped int
}

func (o *countingObserver) EventProcessed(t string) {
	if o.events == nil {
		o.events = map[string]int{}
	}
	o.events[t]++
}
func (o *countingObserver) LostSynthesized(domain.NodeType) { o.lost++ }
func (o *countingObserver) SessionFailed(k Kind)            { o.failed = append(o.failed, k) }
func (o *countingObserver) RunReaped()                      { o.reaped++ }

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *repository.SQLiteStore
	env      *Env
	observer *countingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	observer := &countingObserver{}
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		env: &Env{
			Store:    store,
			Observer: observer,
			Logger:   zerolog.Nop(),
			Metadata: metadata.Config{
				Project:       helpers.ProjectName,
				RunKeyMetas:   helpers.KeyMetas,
				RunStatusMeta: "RUN_STATUS",
			},
		},
		observer: observer,
	}
}

func (f *fixture) start(req *domain.InitRequest) *Session {
	f.t.Helper()
	s, err := Start(f.ctx, f.env, req)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) feed(s *Session, raw string) error {
	f.t.Helper()
	return s.Feed(f.ctx, helpers.Events(f.t, raw))
}

func (f *fixture) meta(resultID int64, name string, metaType domain.MetaType) string {
	f.t.Helper()
	m, err := f.store.GetResultMeta(f.ctx, resultID, name, metaType)
	require.NoError(f.t, err)
	if m == nil {
		return ""
	}
	return m.Value
}

func (f *fixture) obtained(resultID int64) string {
	f.t.Helper()
	metas, err := f.store.ListResultMetas(f.ctx, resultID)
	require.NoError(f.t, err)
	for _, m := range metas {
		if m.Type == domain.MetaTypeResult {
			return m.Value
		}
	}
	return ""
}

func (f *fixture) rows(runID int64) []domain.ResultRow {
	f.t.Helper()
	rows, err := f.store.ListRunResults(f.ctx, runID)
	require.NoError(f.t, err)
	return rows
}

func (f *fixture) run(runID int64) *domain.TestIterationResult {
	f.t.Helper()
	run, err := f.store.GetResult(f.ctx, runID)
	require.NoError(f.t, err)
	require.NotNil(f.t, run)
	return run
}

func at(sec float64) time.Time {
	return domain.TimeFromTS(base + sec)
}

func TestStartCreatesRun(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1"))

	runID := s.RunID()
	assert.Equal(t, "1", f.meta(runID, domain.MetaNameExpectedItems, domain.MetaTypeCount))
	assert.Equal(t, "ci", f.meta(runID, "env", domain.MetaTypeTag))
	assert.Equal(t, "live", f.meta(runID, domain.MetaNameImportMode, domain.MetaTypeImport))
	assert.Len(t, f.meta(runID, domain.MetaNameImportID, domain.MetaTypeImport), 26)
	assert.Equal(t, "RUNNING", f.meta(runID, "RUN_STATUS", domain.MetaTypeLabel))
	assert.Equal(t, "lab1", f.meta(runID, "HOST", domain.MetaTypeLabel))
	assert.Equal(t, 70*time.Second, s.Heartbeat())
	assert.True(t, s.LastTS().Equal(at(0)))

	run := f.run(runID)
	assert.True(t, run.IsRun())
	assert.Nil(t, run.Finish)
}

func TestStartKeepsStatusFromMetadata(t *testing.T) {
	f := newFixture(t)
	req := helpers.InitRequest(t, "lab1", "t1")
	req.MetaData.Metas = append(req.MetaData.Metas, domain.MetaInput{Name: "RUN_STATUS", Value: "BUSY"})

	s := f.start(req)
	assert.Equal(t, "BUSY", f.meta(s.RunID(), "RUN_STATUS", domain.MetaTypeLabel))
}

func TestStartRejectsExistingRun(t *testing.T) {
	f := newFixture(t)
	f.start(helpers.InitRequest(t, "lab1", "t1"))

	_, err := Start(f.ctx, f.env, helpers.InitRequest(t, "lab1", "t1"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidInput))

	runs, err := f.store.ListRuns(f.ctx, domain.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	f.start(helpers.InitRequest(t, "lab2", "t1"))
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*domain.InitRequest)
		kind   Kind
	}{
		{"no interval", func(r *domain.InitRequest) { r.Interval = nil }, KindInvalidInput},
		{"no meta_data", func(r *domain.InitRequest) { r.MetaData = nil }, KindInvalidInput},
		{"no plan", func(r *domain.InitRequest) { r.Plan = nil }, KindInvalidInput},
		{"bad plan", func(r *domain.InitRequest) { r.Plan.Type = "suite" }, KindInvalidInput},
		{"tag without name", func(r *domain.InitRequest) { r.Tags = []domain.TagInput{{}} }, KindInvalidInput},
		{"no start time", func(r *domain.InitRequest) { r.MetaData.Metas = r.MetaData.Metas[:1] }, KindInvalidInput},
		{"wrong project", func(r *domain.InitRequest) { r.MetaData.Metas[0].Value = "other" }, KindInternal},
		{"bad version", func(r *domain.InitRequest) { r.MetaData.Version = 3 }, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := helpers.InitRequest(t, "lab1", "t1")
			tt.modify(req)

			_, err := Start(f.ctx, f.env, req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, AsError(err).Kind)

			runs, err := f.store.ListRuns(f.ctx, domain.RunFilter{})
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestStartDebugTimestamp(t *testing.T) {
	f := newFixture(t)
	f.env.Debug = true
	f.env.Metadata.RunKeyMetas = []string{"HOST"}
	req := helpers.InitRequest(t, "lab1", "t1")
	req.MetaData.Metas = []domain.MetaInput{req.MetaData.Metas[0], req.MetaData.Metas[2]}
	ts := float64(base + 5)
	req.Ts = &ts

	s := f.start(req)
	assert.True(t, f.run(s.RunID()).Start.Equal(at(5)))
}

type denyAll struct{}

func (denyAll) Admit(context.Context, AdmissionRequest) error {
	return InvalidInput("import rejected", nil)
}

func TestStartAdmission(t *testing.T) {
	f := newFixture(t)
	f.env.Admission = denyAll{}

	_, err := Start(f.ctx, f.env, helpers.InitRequest(t, "lab1", "t1"))
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestFeedRecordsTest(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"t1",
		 "params":[["a","1"]],"tin":3},
		{"type":"test_end","id":1,"plan_id":1,"ts":1704067305,"obtained":{"status":"PASSED"}}
	]`))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 1)
	r := rows[0].Result
	assert.Equal(t, "t1", rows[0].Name)
	assert.Equal(t, 3, r.Tin)
	assert.True(t, r.Start.Equal(at(100)))
	require.NotNil(t, r.Finish)
	assert.True(t, r.Start.Before(*r.Finish))
	assert.Equal(t, "PASSED", f.obtained(r.ID))

	exps, err := f.store.ListExpectations(f.ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	require.Len(t, exps[0].Metas, 1)
	assert.Equal(t, "PASSED", exps[0].Metas[0].Value)
	assert.Equal(t, 0, s.Depth())
	assert.Equal(t, 2, f.observer.events["test_start"]+f.observer.events["test_end"])
}

func TestFeedExplicitExpectations(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1", "t2"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"t1"},
		{"type":"test_end","id":1,"plan_id":1,"ts":1704067301,"obtained":{"status":"FAILED","verdicts":["v"]},
		 "expected":[{"status":"FAILED","verdicts":["v"],"key":"BUG-1","notes":"known"},{"status":"PASSED"}]},
		{"type":"test_start","id":2,"parent":0,"plan_id":2,"ts":1704067302,"node_type":"test","name":"t2"},
		{"type":"test_end","id":2,"plan_id":2,"ts":1704067303,"obtained":{"status":"FAILED"},"error":"crashed"}
	]`))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 2)

	exps, err := f.store.ListExpectations(f.ctx, rows[0].Result.ID)
	require.NoError(t, err)
	assert.Len(t, exps, 2)

	exps, err = f.store.ListExpectations(f.ctx, rows[1].Result.ID)
	require.NoError(t, err)
	assert.Empty(t, exps)
	assert.Equal(t, "FAILED", f.obtained(rows[1].Result.ID))
}

func TestFeedSynthesizesLostResults(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1", "t2", "t3", "t4", "t5"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"t1"},
		{"type":"test_end","id":1,"plan_id":1,"ts":1704067301,"obtained":{"status":"PASSED"}},
		{"type":"test_start","id":5,"parent":0,"plan_id":5,"ts":1704067310,"node_type":"test","name":"t5"}
	]`))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 5)
	for i, row := range rows[1:4] {
		assert.Equal(t, []string{"t2", "t3", "t4"}[i], row.Name)
		assert.Equal(t, lostTin, row.Result.Tin)
		assert.Equal(t, domain.ResultLost, f.obtained(row.Result.ID))
	}
	assert.Equal(t, 3, f.observer.lost)

	t5 := rows[4]
	assert.Equal(t, "t5", t5.Name)
	assert.Nil(t, t5.Result.Finish)
	assert.True(t, t5.Result.Start.Equal(at(110)))

	var prev time.Time
	for _, row := range rows[:4] {
		assert.False(t, row.Result.Start.Before(prev))
		require.NotNil(t, row.Result.Finish)
		assert.False(t, row.Result.Finish.Before(row.Result.Start))
		prev = *row.Result.Finish
	}
}

func TestFeedLostEndDropsResult(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1", "t2", "t3"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"t1"},
		{"type":"test_end","id":3,"plan_id":3,"ts":1704067310,"obtained":{"status":"PASSED"}}
	]`))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, domain.ResultLost, f.obtained(row.Result.ID), row.Name)
		assert.NotNil(t, row.Result.Finish)
	}
	assert.Equal(t, defaultTin, rows[0].Result.Tin)
	assert.Equal(t, 0, s.Depth())
}

func TestFeedNestedPackage(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1", "t2"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":0,"ts":1704067300,"node_type":"pkg","name":"suite"},
		{"type":"test_start","id":2,"parent":1,"plan_id":1,"ts":1704067301,"node_type":"test","name":"t1"},
		{"type":"test_end","id":2,"plan_id":1,"ts":1704067302,"obtained":{"status":"PASSED"}},
		{"type":"test_start","id":3,"parent":1,"plan_id":2,"ts":1704067303,"node_type":"test","name":"t2"},
		{"type":"test_end","id":3,"plan_id":2,"ts":1704067304,"obtained":{"status":"PASSED"}},
		{"type":"test_end","id":1,"plan_id":0,"ts":1704067305}
	]`))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 3)
	suite := rows[0].Result
	assert.Equal(t, domain.NodePackage, rows[0].Type)
	assert.Equal(t, suite.ID, rows[1].Result.ParentID)
	assert.Equal(t, suite.ID, rows[2].Result.ParentID)
	assert.Equal(t, "", f.obtained(suite.ID))
	assert.True(t, suite.Finish.Equal(at(105)))

	err := f.feed(s, `[{"type":"test_start","id":4,"parent":0,"plan_id":3,"ts":1704067306,"node_type":"test","name":"t3"}]`)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestFeedParentMismatch(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1"))

	err := f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":0,"ts":1704067300,"node_type":"pkg","name":"suite"},
		{"type":"test_start","id":2,"parent":7,"plan_id":1,"ts":1704067301,"node_type":"test","name":"t1"}
	]`)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestFeedEventErrors(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1"))

	err := f.feed(s, `[{"type":"test_start","id":1}]`)
	require.Error(t, err)
	le := AsError(err)
	assert.Equal(t, KindInvalidInput, le.Kind)
	assert.Equal(t, []string{"parent", "plan_id", "ts", "node_type", "name"}, le.Data["items"])
	assert.Equal(t, "test_start event is missing items", le.Body()["message"])

	err = f.feed(s, `[{"type":"test_end","id":1,"plan_id":-1,"ts":1704067300}]`)
	assert.True(t, IsKind(err, KindNotImplemented))
	assert.Equal(t, 501, AsError(err).Kind.HTTPStatus())

	assert.True(t, IsKind(f.feed(s, `[{"id":1}]`), KindInvalidInput))
	assert.True(t, IsKind(f.feed(s, `[{"type":"bogus"}]`), KindInvalidInput))
	assert.True(t, IsKind(f.feed(s, `[{"type":"artifact"}]`), KindInvalidInput))

	err = f.feed(s, `[{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"other"}]`)
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestFeedClockIsMonotonic(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1", "t2"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067320,"node_type":"test","name":"t1"},
		{"type":"test_end","id":1,"plan_id":1,"ts":1704067315,"obtained":{"status":"PASSED"}},
		{"type":"test_start","id":2,"parent":0,"plan_id":2,"ts":1704067312,"node_type":"test","name":"t2"},
		{"type":"test_end","id":2,"plan_id":2,"ts":1704067330,"obtained":{"status":"PASSED"}}
	]`))

	var last time.Time
	for _, row := range f.rows(s.RunID()) {
		assert.False(t, row.Result.Start.Before(last), row.Name)
		assert.False(t, row.Result.Finish.Before(row.Result.Start), row.Name)
		last = *row.Result.Finish
	}
	assert.True(t, s.LastTS().Equal(at(130)))
}

type recordingArtifacts struct {
	results []int64
	bodies  []string
}

func (r *recordingArtifacts) HandleArtifact(_ context.Context, resultID int64, body json.RawMessage) error {
	r.results = append(r.results, resultID)
	r.bodies = append(r.bodies, string(body))
	return nil
}

func TestFeedArtifacts(t *testing.T) {
	f := newFixture(t)
	artifacts := &recordingArtifacts{}
	f.env.Artifacts = artifacts
	s := f.start(helpers.InitRequest(t, "lab1", "t1"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"t1"},
		{"type":"artifact","test_id":1,"body":{"line":"hello"}},
		{"type":"artifact","test_id":42,"body":"lost"}
	]`))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 1)
	assert.Equal(t, []int64{rows[0].Result.ID}, artifacts.results)
	assert.Equal(t, []string{`{"line":"hello"}`}, artifacts.bodies)
}

func TestFeedPrologueFailure(t *testing.T) {
	f := newFixture(t)
	req := helpers.InitRequest(t, "lab1", "t1", "t2")
	req.Plan.Prologue = &domain.PlanDocument{Name: "prologue", Type: "test"}
	s := f.start(req)
	assert.Equal(t, "3", f.meta(s.RunID(), domain.MetaNameExpectedItems, domain.MetaTypeCount))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"prologue"},
		{"type":"test_end","id":1,"plan_id":1,"ts":1704067301,"obtained":{"status":"FAILED"}}
	]`))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 1)
	assert.Equal(t, "2", f.meta(rows[0].Result.ID, domain.MetaNamePrologueItems, domain.MetaTypeCount))
}

func TestFatalErrorClosesFrames(t *testing.T) {
	f := newFixture(t)
	s := f.start(helpers.InitRequest(t, "lab1", "t1", "t2"))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":0,"ts":1704067300,"node_type":"pkg","name":"suite"},
		{"type":"test_start","id":2,"parent":1,"plan_id":1,"ts":1704067301,"node_type":"test","name":"t1"}
	]`))
	require.NoError(t, s.FatalError(f.ctx))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 2)
	suite, t1 := rows[0].Result, rows[1].Result
	for _, r := range []*domain.TestIterationResult{suite, t1} {
		require.NotNil(t, r.Finish)
		assert.Equal(t, domain.ResultLost, f.obtained(r.ID))
	}
	run := f.run(s.RunID())
	require.NotNil(t, run.Finish)
	assert.True(t, t1.Finish.Before(*suite.Finish))
	assert.True(t, suite.Finish.Before(*run.Finish))
	assert.Equal(t, "ERROR", f.meta(run.ID, "RUN_STATUS", domain.MetaTypeLabel))
	assert.Equal(t, 0, s.Depth())
}

func TestFinish(t *testing.T) {
	f := newFixture(t)
	var completed []int64
	f.env.OnComplete = func(_ context.Context, runID int64) error {
		completed = append(completed, runID)
		return nil
	}
	s := f.start(helpers.InitRequest(t, "lab1", "t1"))

	err := s.Finish(f.ctx, &domain.FinishRequest{})
	assert.True(t, IsKind(err, KindInvalidInput))

	require.NoError(t, f.feed(s, `[
		{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"t1"}
	]`))
	ts := float64(base + 200)
	require.NoError(t, s.Finish(f.ctx, &domain.FinishRequest{Ts: &ts}))

	rows := f.rows(s.RunID())
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ResultLost, f.obtained(rows[0].Result.ID))

	run := f.run(s.RunID())
	require.NotNil(t, run.Finish)
	assert.True(t, run.Finish.After(at(200)))
	assert.Equal(t, "DONE", f.meta(run.ID, "RUN_STATUS", domain.MetaTypeLabel))
	assert.Equal(t, []int64{run.ID}, completed)
}

func TestSerializeRoundTrip(t *testing.T) {
	first := `[
		{"type":"test_start","id":1,"parent":0,"plan_id":0,"ts":1704067300,"node_type":"pkg","name":"suite"},
		{"type":"test_start","id":2,"parent":1,"plan_id":1,"ts":1704067301,"node_type":"test","name":"t1"},
		{"type":"test_end","id":2,"plan_id":1,"ts":1704067302,"obtained":{"status":"PASSED"}}
	]`
	second := `[
		{"type":"test_start","id":5,"parent":1,"plan_id":3,"ts":1704067310,"node_type":"test","name":"t3"},
		{"type":"artifact","test_id":5,"body":"x"},
		{"type":"test_end","id":5,"plan_id":3,"ts":1704067311,"obtained":{"status":"PASSED"}},
		{"type":"test_end","id":1,"plan_id":0,"ts":1704067312}
	]`

	direct := newFixture(t)
	directArtifacts := &recordingArtifacts{}
	direct.env.Artifacts = directArtifacts
	s := direct.start(helpers.InitRequest(t, "lab1", "t1", "t2", "t3"))
	require.NoError(t, direct.feed(s, first))
	require.NoError(t, direct.feed(s, second))

	cached := newFixture(t)
	cachedArtifacts := &recordingArtifacts{}
	cached.env.Artifacts = cachedArtifacts
	c := cached.start(helpers.InitRequest(t, "lab1", "t1", "t2", "t3"))
	require.NoError(t, cached.feed(c, first))

	data, err := c.Serialize()
	require.NoError(t, err)
	_, err = c.Serialize()
	require.NoError(t, err)

	restored, err := Load(cached.env, data)
	require.NoError(t, err)
	assert.Equal(t, c.RunID(), restored.RunID())
	assert.Equal(t, 1, restored.Depth())
	assert.Equal(t, c.Heartbeat(), restored.Heartbeat())
	require.NoError(t, restored.Deserialize(cached.ctx))
	require.NoError(t, restored.Deserialize(cached.ctx))
	require.NoError(t, cached.feed(restored, second))

	assert.Equal(t, direct.rows(s.RunID()), cached.rows(restored.RunID()))
	assert.Equal(t, directArtifacts.results, cachedArtifacts.results)
	assert.True(t, s.LastTS().Equal(restored.LastTS()))
}

func TestLoadRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	_, err := Load(f.env, []byte("not msgpack"))
	assert.True(t, IsKind(err, KindInternal))
}
