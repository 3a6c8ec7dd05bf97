package livelog

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/plan"
)

// RunRef refers to the run a session imports: either its id alone or the
// loaded run.
type RunRef struct {
	id  int64
	run *domain.TestIterationResult
}

// RunByID returns a reference holding only the run id.
func RunByID(id int64) RunRef {
	return RunRef{id: id}
}

// HydratedRun returns a reference holding the loaded run.
func HydratedRun(run *domain.TestIterationResult) RunRef {
	return RunRef{id: run.ID, run: run}
}

// ID returns the run id.
func (r RunRef) ID() int64 {
	return r.id
}

// Hydrated reports whether the run is loaded.
func (r RunRef) Hydrated() bool {
	return r.run != nil
}

// Resolve loads the run once and returns it.
func (r *RunRef) Resolve(ctx context.Context, store Store) (*domain.TestIterationResult, error) {
	if r.run != nil {
		return r.run, nil
	}
	run, err := store.GetResult(ctx, r.id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %d not found", r.id)
	}
	r.run = run
	return run, nil
}

func (r *RunRef) release() {
	r.run = nil
}

type snapshot struct {
	RunID        int64           `msgpack:"run"`
	ProjectID    int64           `msgpack:"project"`
	LastTS       time.Time       `msgpack:"last_ts"`
	Heartbeat    time.Duration   `msgpack:"heartbeat"`
	CurrentSeqno int             `msgpack:"current_seqno"`
	MaxNodeID    int             `msgpack:"max_node_id"`
	Stack        []*frame        `msgpack:"test_stack"`
	Plan         plan.State      `msgpack:"plan"`
	Nodes        NodeIDConverter `msgpack:"node_conv"`
	Prologues    map[int]int     `msgpack:"prologues"`
}

// Serialize drops loaded records, keeping their ids, and encodes the
// session for the cache.
func (s *Session) Serialize() ([]byte, error) {
	s.run.release()
	for _, f := range s.stack {
		f.test, f.iteration, f.result = nil, nil, nil
	}
	b, err := msgpack.Marshal(&snapshot{
		RunID:        s.run.ID(),
		ProjectID:    s.projectID,
		LastTS:       s.lastTS,
		Heartbeat:    s.heartbeat,
		CurrentSeqno: s.currentSeqno,
		MaxNodeID:    s.maxNodeID,
		Stack:        s.stack,
		Plan:         s.tracker.State(),
		Nodes:        s.nodes,
		Prologues:    s.prologues,
	})
	if err != nil {
		return nil, fmt.Errorf("encode live session of run %d: %w", s.run.ID(), err)
	}
	return b, nil
}

// Load decodes a session from the cache. Records are loaded lazily by
// Deserialize.
func Load(env *Env, data []byte) (*Session, error) {
	env = env.withDefaults()

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, internal(err, "failed to decode live session")
	}
	tracker, err := plan.Restore(snap.Plan)
	if err != nil {
		return nil, internal(err, "failed to restore execution plan")
	}
	s := &Session{
		env:          env,
		log:          sessionLogger(env, snap.RunID),
		run:          RunByID(snap.RunID),
		projectID:    snap.ProjectID,
		lastTS:       snap.LastTS.UTC(),
		heartbeat:    snap.Heartbeat,
		currentSeqno: snap.CurrentSeqno,
		maxNodeID:    snap.MaxNodeID,
		stack:        snap.Stack,
		tracker:      tracker,
		nodes:        snap.Nodes,
		prologues:    snap.Prologues,
	}
	if s.prologues == nil {
		s.prologues = make(map[int]int)
	}
	return s, nil
}

// Deserialize loads the run and the records of every open frame. It does
// nothing when they are already loaded.
func (s *Session) Deserialize(ctx context.Context) error {
	if s.run.Hydrated() {
		return nil
	}
	store := s.env.Store
	if _, err := s.run.Resolve(ctx, store); err != nil {
		return internal(err, "failed to load run %d", s.run.ID())
	}
	for _, f := range s.stack {
		test, err := store.GetTest(ctx, f.TestID)
		if err != nil || test == nil {
			return internal(err, "failed to load test %d", f.TestID)
		}
		iteration, err := store.GetIteration(ctx, f.IterationID)
		if err != nil || iteration == nil {
			return internal(err, "failed to load iteration %d", f.IterationID)
		}
		result, err := store.GetResult(ctx, f.ResultID)
		if err != nil || result == nil {
			return internal(err, "failed to load result %d", f.ResultID)
		}
		f.test, f.iteration, f.result = test, iteration, result
	}
	return nil
}
