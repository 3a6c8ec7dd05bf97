// Package livelog implements live import of test runs: a session consumes
// test_start, test_end and artifact events streamed by the harness and
// builds the result tree against the declared execution plan, recovering
// from lost events with placeholder LOST results.
package livelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/metadata"
	"github.com/ts-factory/bublik-sub000/internal/plan"
)

const (
	// DefaultTripTime is added to the heartbeat interval to let a request
	// reach the server.
	DefaultTripTime = 60 * time.Second
	// LostItemNodeID is the node id of frames synthesized for lost items.
	LostItemNodeID = -1

	defaultTin = -1
	lostTin    = -2
	lostError  = "Data was lost during live import"
)

// Env holds the collaborators shared by all sessions.
type Env struct {
	Store      Store
	Artifacts  ArtifactHandler
	OnComplete CompletionHook
	Admission  Admitter
	Observer   Observer
	Logger     zerolog.Logger
	Metadata   metadata.Config
	TripTime   time.Duration
	// Debug allows the init timestamp to replace a missing START_TIMESTAMP.
	Debug bool
}

func (e *Env) withDefaults() *Env {
	env := *e
	if env.Observer == nil {
		env.Observer = nopObserver{}
	}
	if env.TripTime == 0 {
		env.TripTime = DefaultTripTime
	}
	return &env
}

// frame is one open node of the live run.
type frame struct {
	Type        domain.NodeType `msgpack:"type"`
	Seqno       int             `msgpack:"seqno"`
	NodeID      int             `msgpack:"node_id"`
	PlanID      int             `msgpack:"plan_id"`
	TestID      int64           `msgpack:"test"`
	IterationID int64           `msgpack:"iteration"`
	ResultID    int64           `msgpack:"result"`

	test      *domain.Test
	iteration *domain.TestIteration
	result    *domain.TestIterationResult
}

// Session is the state of one live import, kept between heartbeats.
type Session struct {
	env *Env
	log zerolog.Logger

	run          RunRef
	projectID    int64
	lastTS       time.Time
	heartbeat    time.Duration
	currentSeqno int
	maxNodeID    int
	stack        []*frame
	tracker      *plan.Tracker
	nodes        NodeIDConverter
	prologues    map[int]int
}

// Start validates an init request, creates the run and returns its session.
//
// Nothing is stored when validation fails. Once the run exists, any failure
// closes it with the ERROR status.
func Start(ctx context.Context, env *Env, req *domain.InitRequest) (*Session, error) {
	env = env.withDefaults()

	tags, err := initTags(req.Tags)
	if err != nil {
		return nil, err
	}
	if req.Interval == nil {
		return nil, invalidInput("heartbeat interval is required")
	}
	if req.MetaData == nil {
		return nil, invalidInput("meta_data is required")
	}

	doc := *req.MetaData
	if !metadata.HasStartTimestamp(&doc) {
		if !env.Debug || req.Ts == nil {
			return nil, invalidInput("start time not specified")
		}
		doc.Metas = append(append([]domain.MetaInput(nil), doc.Metas...), metadata.StartTimestampMeta(*req.Ts))
	}
	md, err := metadata.Parse(&doc, env.Metadata)
	if err != nil {
		return nil, internal(err, "error occurred while processing metadata")
	}

	if req.Plan == nil {
		return nil, invalidInput("no execution plan provided")
	}
	root, err := plan.Build(req.Plan)
	if err != nil {
		return nil, invalidInput("invalid execution plan: %v", err)
	}

	if env.Admission != nil {
		admission := AdmissionRequest{Project: md.Project, Metas: md.Metas, Tags: tags}
		if err := env.Admission.Admit(ctx, admission); err != nil {
			return nil, AsError(err)
		}
	}

	project, err := env.Store.GetOrCreateProject(ctx, md.Project)
	if err != nil {
		return nil, internal(err, "failed to resolve project %s", md.Project)
	}
	existing, err := env.Store.IdentifyRun(ctx, md.KeyMetas)
	if err != nil {
		return nil, internal(err, "failed to identify run")
	}
	if existing != nil {
		return nil, invalidInput("this run already exists (%d)", existing.ID)
	}
	run, err := env.Store.CreateRun(ctx, project.ID, md.RunStart)
	if err != nil {
		return nil, internal(err, "failed to create run")
	}

	s := &Session{
		env:          env,
		run:          HydratedRun(run),
		projectID:    project.ID,
		lastTS:       md.RunStart,
		heartbeat:    time.Duration(*req.Interval)*time.Second + env.TripTime,
		currentSeqno: 1,
		tracker:      plan.NewTracker(root),
		prologues:    root.PrologueCounts(),
	}
	s.log = sessionLogger(env, run.ID)

	if err := s.setup(ctx, md, tags, root); err != nil {
		s.Abort(ctx, err)
		return nil, err
	}
	s.log.Info().Int("expected_items", root.TestsNum()).Dur("heartbeat", s.heartbeat).Msg("live import started")
	return s, nil
}

func sessionLogger(env *Env, runID int64) zerolog.Logger {
	return env.Logger.With().Str("component", "livelog").Int64("run_id", runID).Logger()
}

func initTags(in []domain.TagInput) ([]domain.Tag, error) {
	tags := make([]domain.Tag, 0, len(in))
	for _, t := range in {
		if t.Name == nil {
			return nil, invalidInput("all tags should have a name")
		}
		tag := domain.Tag{Name: *t.Name}
		if t.Value != nil {
			tag.Value = *t.Value
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func (s *Session) setup(ctx context.Context, md *metadata.MetaData, tags []domain.Tag, root *plan.Item) error {
	store := s.env.Store
	runID := s.run.ID()

	if err := md.Apply(ctx, store, runID); err != nil {
		return internal(err, "failed to update metadata")
	}
	if len(tags) > 0 {
		if err := store.AddTags(ctx, runID, tags); err != nil {
			return internal(err, "failed to add tags")
		}
	}
	if err := store.SetCount(ctx, runID, domain.MetaNameExpectedItems, root.TestsNum()); err != nil {
		return internal(err, "failed to set expected items")
	}
	if err := store.SetMeta(ctx, runID, domain.Meta{
		Name:  domain.MetaNameImportMode,
		Type:  domain.MetaTypeImport,
		Value: string(domain.ImportModeLive),
	}); err != nil {
		return internal(err, "failed to set import mode")
	}
	if err := store.AddMeta(ctx, runID, domain.Meta{
		Name:  domain.MetaNameImportID,
		Type:  domain.MetaTypeImport,
		Value: ulid.Make().String(),
	}); err != nil {
		return internal(err, "failed to set import id")
	}
	if md.StatusMeta == nil {
		if err := s.setRunStatus(ctx, domain.RunStatusRunning); err != nil {
			return internal(err, "failed to set run status")
		}
	}
	return nil
}

// RunID returns the id of the run being imported.
func (s *Session) RunID() int64 {
	return s.run.ID()
}

// Heartbeat is how long the session may stay uncontacted.
func (s *Session) Heartbeat() time.Duration {
	return s.heartbeat
}

// LastTS returns the session clock.
func (s *Session) LastTS() time.Time {
	return s.lastTS
}

// Depth returns the number of open frames.
func (s *Session) Depth() int {
	return len(s.stack)
}

func (s *Session) executingTest() bool {
	return len(s.stack) > 0 && s.stack[len(s.stack)-1].Type == domain.NodeTest
}

func (s *Session) top() *frame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

func (s *Session) topNodeID() int {
	if top := s.top(); top != nil {
		return top.NodeID
	}
	return 0
}

func (s *Session) parent() (*domain.Test, *domain.TestIteration, int64) {
	top := s.top()
	if top == nil {
		return nil, nil, 0
	}
	return top.test, top.iteration, top.ResultID
}

func (s *Session) push(f *frame) {
	f.Seqno = s.currentSeqno
	s.currentSeqno++
	s.stack = append(s.stack, f)
}

func (s *Session) pop() {
	s.stack = s.stack[:len(s.stack)-1]
}

// microstep moves the clock one microsecond forward so that synthesized
// results get distinct timestamps.
func (s *Session) microstep() time.Time {
	s.lastTS = s.lastTS.Add(time.Microsecond)
	return s.lastTS
}

// advanceClock never moves the clock backwards.
func (s *Session) advanceClock(ts time.Time) {
	if ts.After(s.lastTS) {
		s.lastTS = ts
	}
}

func (s *Session) expectedEvent() (plan.Event, error) {
	ev, ok := s.tracker.Peek()
	if !ok {
		return plan.Event{}, invalidInput("execution finished, yet more events have been received")
	}
	return ev, nil
}

func (s *Session) finishResult(ctx context.Context, f *frame) error {
	finish := s.lastTS
	if err := s.env.Store.FinishResult(ctx, f.ResultID, finish); err != nil {
		return internal(err, "failed to finish result %d", f.ResultID)
	}
	if f.result != nil {
		f.result.Finish = &finish
	}
	return nil
}

func (s *Session) setRunStatus(ctx context.Context, status domain.RunStatus) error {
	return setRunStatus(ctx, s.env.Store, s.env.Metadata.RunStatusMeta, s.log, s.run.ID(), status)
}

func setRunStatus(ctx context.Context, store Store, metaName string, log zerolog.Logger, runID int64, status domain.RunStatus) error {
	if metaName == "" {
		log.Error().Msg("cannot set run status because the run status meta is not configured")
		return nil
	}
	return store.SetMeta(ctx, runID, domain.Meta{
		Name:  metaName,
		Type:  domain.MetaTypeLabel,
		Value: string(status),
	})
}

func (s *Session) finishRun(ctx context.Context, status domain.RunStatus) error {
	runID := s.run.ID()
	finish := s.lastTS
	if err := s.env.Store.FinishResult(ctx, runID, finish); err != nil {
		return internal(err, "failed to finish run")
	}
	if s.run.run != nil {
		s.run.run.Finish = &finish
	}
	if err := s.setRunStatus(ctx, status); err != nil {
		return internal(err, "failed to set run status")
	}
	s.log.Info().Str("status", string(status)).Time("finish", finish).Msg("live import finished")

	if s.env.OnComplete != nil {
		if err := s.env.OnComplete(ctx, runID); err != nil {
			s.log.Error().Err(err).Msg("failed to prepare cache for completed run")
		}
	}
	return nil
}

// skipHandlers return the callbacks that mirror skipped plan items on the
// live stack. Skipped items get blank iterations and LOST results.
func (s *Session) skipHandlers(ctx context.Context) (plan.Visitor, plan.Visitor) {
	onEnter := func(item *plan.Item) error {
		if s.executingTest() {
			return internal(nil, "cannot enter %s while a test is running", item)
		}
		s.microstep()

		parentTest, parentIter, parentResult := s.parent()
		test, err := s.env.Store.AddTest(ctx, item.Name, item.Type, parentTest)
		if err != nil {
			return internal(err, "failed to add lost test %s", item.Name)
		}
		outcome, err := s.env.Store.AddIteration(ctx, test, nil, "", parentIter, len(s.stack))
		if err != nil {
			return internal(err, "failed to add lost iteration of %s", item.Name)
		}
		result, err := s.env.Store.AddIterationResult(ctx, domain.NewResult{
			ProjectID:   s.projectID,
			Start:       s.lastTS,
			IterationID: outcome.Iteration.ID,
			RunID:       s.run.ID(),
			ParentID:    parentResult,
			Tin:         lostTin,
			ExecSeqno:   s.currentSeqno,
		})
		if err != nil {
			return internal(err, "failed to add lost result of %s", item.Name)
		}
		s.push(&frame{
			Type:        item.Type,
			NodeID:      LostItemNodeID,
			PlanID:      item.ID,
			TestID:      test.ID,
			IterationID: outcome.Iteration.ID,
			ResultID:    result.ID,
			test:        test,
			iteration:   outcome.Iteration,
			result:      result,
		})
		s.env.Observer.LostSynthesized(item.Type)
		return nil
	}

	onExit := func(item *plan.Item) error {
		top := s.top()
		if top == nil || top.PlanID != item.ID {
			// The start of item was skipped silently, nothing is open for it.
			s.log.Debug().Stringer("item", item).Msg("no open frame to close")
			return nil
		}
		s.microstep()
		if err := s.finishResult(ctx, top); err != nil {
			return err
		}
		if err := s.env.Store.AddObtainedResult(ctx, top.ResultID, domain.ResultLost, nil, lostError); err != nil {
			return internal(err, "failed to add lost result of %s", item.Name)
		}
		s.pop()
		return nil
	}

	return onEnter, onExit
}

// advancePlan fast-forwards the plan so that the next expected event is the
// start of targetPlanID, or its end when stopAtStart is false. In the latter
// case the end is consumed as well since its event carries nothing usable.
func (s *Session) advancePlan(ctx context.Context, targetPlanID int, stopAtStart bool) error {
	onEnter, onExit := s.skipHandlers(ctx)
	if err := s.tracker.SkipUntil(targetPlanID, stopAtStart, onEnter, onExit); err != nil {
		return s.skipError(err, targetPlanID, stopAtStart)
	}
	if stopAtStart {
		return nil
	}

	ev, ok := s.tracker.Peek()
	if !ok {
		return nil
	}
	if ev.Entering {
		return internal(nil, "expected the end of %s, got its start", ev.Item)
	}
	if err := onExit(ev.Item); err != nil {
		return err
	}
	s.tracker.Next()
	return nil
}

func (s *Session) skipError(err error, targetPlanID int, stopAtStart bool) error {
	if !errors.Is(err, plan.ErrExhausted) {
		return err
	}
	if stopAtStart {
		return invalidInput("execution finished, yet more events have been received")
	}
	return internal(err, "plan item %d does not end before the end of the plan", targetPlanID)
}

// FatalError closes every open frame as LOST, innermost first, and finishes
// the run with the ERROR status.
func (s *Session) FatalError(ctx context.Context) error {
	if err := s.closeFrames(ctx); err != nil {
		return err
	}
	s.microstep()
	return s.finishRun(ctx, domain.RunStatusError)
}

// Abort is FatalError for callers that are already failing with cause.
func (s *Session) Abort(ctx context.Context, cause error) {
	kind := AsError(cause).Kind
	s.env.Observer.SessionFailed(kind)
	s.log.Error().Err(cause).Str("kind", kind.String()).Msg("live import failed, closing run")
	if err := s.FatalError(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to close run after fatal error")
	}
}

func (s *Session) closeFrames(ctx context.Context) error {
	for len(s.stack) > 0 {
		top := s.top()
		s.microstep()
		if err := s.finishResult(ctx, top); err != nil {
			return err
		}
		if err := s.env.Store.AddObtainedResult(ctx, top.ResultID, domain.ResultLost, nil, ""); err != nil {
			return internal(err, "failed to add lost result %d", top.ResultID)
		}
		s.pop()
	}
	return nil
}

// Finish closes the run with the DONE status. Frames still open are closed
// as LOST first.
func (s *Session) Finish(ctx context.Context, req *domain.FinishRequest) error {
	if req == nil || req.Ts == nil {
		return invalidInput("timestamp is required")
	}
	if err := s.Deserialize(ctx); err != nil {
		return err
	}
	s.advanceClock(domain.TimeFromTS(*req.Ts))
	if len(s.stack) > 0 {
		s.log.Warn().Int("open", len(s.stack)).Msg("run finished with open items")
		if err := s.closeFrames(ctx); err != nil {
			return err
		}
	}
	return s.finishRun(ctx, domain.RunStatusDone)
}

func (s *Session) String() string {
	return fmt.Sprintf("live session of run %d", s.run.ID())
}
