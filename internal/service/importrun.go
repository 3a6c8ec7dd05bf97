package service

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/livelog"
	"github.com/ts-factory/bublik-sub000/internal/validation"
)

// ErrUnknownSession is returned for runs without a live session in the
// cache: never started, finished, failed or expired.
var ErrUnknownSession = &livelog.Error{Kind: livelog.KindInvalidInput, Message: "unknown session"}

// cleanupTimeout bounds closing a failed run once the request is gone.
const cleanupTimeout = 30 * time.Second

// cleanupContext outlives the request: a client that disconnects in the
// middle of a batch must not keep the half-applied session cached.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func malformedJSON() error {
	return livelog.InvalidInput("malformed JSON", nil)
}

// Init starts a live import and caches its session.
func (s *Service) Init(ctx context.Context, body []byte) (*domain.InitResponse, error) {
	if err := validation.InitBody(body); err != nil {
		return nil, err
	}
	var req domain.InitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, malformedJSON()
	}

	sess, err := livelog.Start(ctx, s.env, &req)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	unlock := s.locks.lock(sess.RunID())
	defer unlock()

	if err := s.saveSession(ctx, sess); err != nil {
		s.fail(ctx, sess, err)
		return nil, err
	}
	return &domain.InitResponse{RunID: sess.RunID()}, nil
}

// Feed applies a batch of events. An empty batch only checks that the
// session exists. Any failure closes the run.
func (s *Service) Feed(ctx context.Context, runID int64, body []byte) error {
	var events []domain.Event
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &events); err != nil {
			return malformedJSON()
		}
	}

	unlock := s.locks.lock(runID)
	defer unlock()

	sess, err := s.loadSession(ctx, runID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	if err := sess.Feed(ctx, events); err != nil {
		s.fail(ctx, sess, err)
		return err
	}
	if err := s.saveSession(ctx, sess); err != nil {
		s.fail(ctx, sess, err)
		return err
	}
	return nil
}

// Finish closes the run. The session is dropped from the cache whatever
// the outcome.
func (s *Service) Finish(ctx context.Context, runID int64, body []byte) error {
	var req domain.FinishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return malformedJSON()
	}

	unlock := s.locks.lock(runID)
	defer unlock()

	sess, err := s.loadSession(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, livelog.CacheKey(runID)); err != nil {
		s.log.Error().Err(err).Int64("run_id", runID).Msg("failed to drop live session")
	}
	if s.metrics != nil {
		s.metrics.SessionFinished()
	}

	if err := sess.Finish(ctx, &req); err != nil {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		sess.Abort(cctx, err)
		return err
	}
	return nil
}

func (s *Service) loadSession(ctx context.Context, runID int64) (*livelog.Session, error) {
	data, err := s.cache.Get(ctx, livelog.CacheKey(runID))
	if err != nil {
		return nil, &livelog.Error{Kind: livelog.KindInternal, Message: "failed to read live session", Err: err}
	}
	if data == nil {
		return nil, ErrUnknownSession
	}
	sess, err := livelog.Load(s.env, data)
	if err != nil {
		return nil, err
	}
	if sess.RunID() != runID {
		return nil, &livelog.Error{Kind: livelog.KindInternal, Message: "cached session belongs to another run"}
	}
	return sess, nil
}

func (s *Service) saveSession(ctx context.Context, sess *livelog.Session) error {
	data, err := sess.Serialize()
	if err != nil {
		return &livelog.Error{Kind: livelog.KindInternal, Message: "failed to encode live session", Err: err}
	}
	if err := s.cache.Set(ctx, livelog.CacheKey(sess.RunID()), data, sess.Heartbeat()); err != nil {
		return &livelog.Error{Kind: livelog.KindInternal, Message: "failed to store live session", Err: err}
	}
	return nil
}

// fail closes the run of a failed session and forgets the session.
func (s *Service) fail(ctx context.Context, sess *livelog.Session, cause error) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	if err := sess.Deserialize(ctx); err != nil {
		s.log.Error().Err(err).Int64("run_id", sess.RunID()).Msg("failed to load session for closing")
	}
	sess.Abort(ctx, cause)
	if err := s.cache.Delete(ctx, livelog.CacheKey(sess.RunID())); err != nil {
		s.log.Error().Err(err).Int64("run_id", sess.RunID()).Msg("failed to drop live session")
	}
	if s.metrics != nil {
		s.metrics.SessionFinished()
	}
}
