// Package service drives live imports through the run cache and serves the
// run read model.
package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ts-factory/bublik-sub000/internal/artifact"
	"github.com/ts-factory/bublik-sub000/internal/livelog"
	"github.com/ts-factory/bublik-sub000/internal/metadata"
	"github.com/ts-factory/bublik-sub000/internal/metrics"
	"github.com/ts-factory/bublik-sub000/internal/repository"
)

// Options configures a Service.
type Options struct {
	Metadata  metadata.Config
	TripTime  time.Duration
	Debug     bool
	Admission livelog.Admitter
	Metrics   *metrics.Collectors
	Logger    zerolog.Logger
}

type Service struct {
	store   repository.Store
	cache   *repository.SQLiteCache
	env     *livelog.Env
	reaper  *livelog.Reaper
	metrics *metrics.Collectors
	log     zerolog.Logger
	locks   runLocks
}

func New(store repository.Store, cache *repository.SQLiteCache, opts Options) *Service {
	s := &Service{
		store:   store,
		cache:   cache,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "service").Logger(),
	}
	s.env = &livelog.Env{
		Store:      store,
		Artifacts:  artifact.NewHandler(store),
		OnComplete: s.prepareStats,
		Admission:  opts.Admission,
		Logger:     opts.Logger,
		Metadata:   opts.Metadata,
		TripTime:   opts.TripTime,
		Debug:      opts.Debug,
	}
	if opts.Metrics != nil {
		s.env.Observer = opts.Metrics
	}
	s.reaper = livelog.NewReaper(s.env, cache)
	return s
}

// runLocks serializes requests touching the same run.
type runLocks struct {
	mu    sync.Mutex
	locks map[int64]*runLock
}

type runLock struct {
	sync.Mutex
	refs int
}

func (l *runLocks) lock(runID int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*runLock)
	}
	rl, ok := l.locks[runID]
	if !ok {
		rl = &runLock{}
		l.locks[runID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}
