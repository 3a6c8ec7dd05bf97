package livelog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// Reaper finishes live runs whose session has expired from the cache. It is
// called from read paths: there is no timer watching sessions.
type Reaper struct {
	store      Store
	cache      Cache
	statusMeta string
	observer   Observer
	log        zerolog.Logger
}

// NewReaper returns a reaper using the env store and the session cache.
func NewReaper(env *Env, cache Cache) *Reaper {
	env = env.withDefaults()
	return &Reaper{
		store:      env.Store,
		cache:      cache,
		statusMeta: env.Metadata.RunStatusMeta,
		observer:   env.Observer,
		log:        env.Logger.With().Str("component", "reaper").Logger(),
	}
}

// CheckRunTimeout closes an unfinished live run that has no cached
// session: open results are finished in reverse start order one
// microsecond apart, then the run, which gets the ERROR status.
// It reports whether the run was closed.
func (r *Reaper) CheckRunTimeout(ctx context.Context, run *domain.TestIterationResult) (bool, error) {
	if run.Finish != nil {
		return false, nil
	}

	mode, err := r.store.GetResultMeta(ctx, run.ID, domain.MetaNameImportMode, domain.MetaTypeImport)
	if err != nil {
		return false, fmt.Errorf("import mode of run %d: %w", run.ID, err)
	}
	if mode == nil || mode.Value != string(domain.ImportModeLive) {
		return false, nil
	}

	data, err := r.cache.Get(ctx, CacheKey(run.ID))
	if err != nil {
		return false, fmt.Errorf("live session of run %d: %w", run.ID, err)
	}
	if data != nil {
		return false, nil
	}

	log := r.log.With().Int64("run_id", run.ID).Logger()
	log.Info().Msg("no live import context for run, cleaning up")

	open, err := r.store.ListOpenResults(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("open results of run %d: %w", run.ID, err)
	}

	ts := run.Start
	if len(open) > 0 {
		ts = open[len(open)-1].Start
	}
	ts = ts.Add(time.Microsecond)
	for i := len(open) - 1; i >= 0; i-- {
		if err := r.store.FinishResult(ctx, open[i].ID, ts); err != nil {
			return false, fmt.Errorf("finish result %d: %w", open[i].ID, err)
		}
		ts = ts.Add(time.Microsecond)
	}

	if err := r.store.FinishResult(ctx, run.ID, ts); err != nil {
		return false, fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	run.Finish = &ts
	if err := setRunStatus(ctx, r.store, r.statusMeta, log, run.ID, domain.RunStatusError); err != nil {
		return false, fmt.Errorf("status of run %d: %w", run.ID, err)
	}
	r.observer.RunReaped()
	log.Info().Int("closed", len(open)).Time("finish", ts).Msg("abandoned live run closed")
	return true, nil
}
