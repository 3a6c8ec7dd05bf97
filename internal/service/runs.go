package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// ErrRunNotFound is returned by the read API for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// ListRuns returns run summaries, newest first. Abandoned live runs are
// closed before they are listed.
func (s *Service) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.RunSummary, error) {
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]*domain.RunSummary, 0, len(runs))
	for _, run := range runs {
		summary, err := s.summarize(ctx, run)
		if err != nil {
			return nil, err
		}
		if filter.UnfinishedOnly && summary.Run.Finish != nil {
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetRun returns the summary of one run.
func (s *Service) GetRun(ctx context.Context, runID int64) (*domain.RunSummary, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, run)
}

// RunResults returns the results of a run in execution order.
func (s *Service) RunResults(ctx context.Context, runID int64) ([]domain.ResultRow, error) {
	if _, err := s.getRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListRunResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results of run %d: %w", runID, err)
	}
	return rows, nil
}

func (s *Service) getRun(ctx context.Context, runID int64) (*domain.TestIterationResult, error) {
	run, err := s.store.GetResult(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil || !run.IsRun() {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *Service) summarize(ctx context.Context, run *domain.TestIterationResult) (*domain.RunSummary, error) {
	if err := s.checkRunTimeout(ctx, run); err != nil {
		return nil, err
	}

	summary := &domain.RunSummary{Run: run}
	lookups := []struct {
		name     string
		metaType domain.MetaType
		dst      *string
	}{
		{s.env.Metadata.RunStatusMeta, domain.MetaTypeLabel, &summary.Status},
		{domain.MetaNameImportMode, domain.MetaTypeImport, &summary.ImportMode},
		{domain.MetaNameExpectedItems, domain.MetaTypeCount, &summary.ExpectedItems},
	}
	for _, l := range lookups {
		if l.name == "" {
			continue
		}
		m, err := s.store.GetResultMeta(ctx, run.ID, l.name, l.metaType)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s of run %d: %w", l.name, run.ID, err)
		}
		if m != nil {
			*l.dst = m.Value
		}
	}
	return summary, nil
}

func (s *Service) checkRunTimeout(ctx context.Context, run *domain.TestIterationResult) error {
	if run.Finish != nil {
		return nil
	}
	unlock := s.locks.lock(run.ID)
	defer unlock()

	if _, err := s.reaper.CheckRunTimeout(ctx, run); err != nil {
		return fmt.Errorf("failed to check live run timeout: %w", err)
	}
	return nil
}

// ReapAll closes every abandoned live run and purges expired cache
// entries. It returns the number of closed runs.
func (s *Service) ReapAll(ctx context.Context) (int, error) {
	runs, err := s.store.ListRuns(ctx, domain.RunFilter{UnfinishedOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished runs: %w", err)
	}
	closed := 0
	for _, run := range runs {
		unlock := s.locks.lock(run.ID)
		reaped, err := s.reaper.CheckRunTimeout(ctx, run)
		unlock()
		if err != nil {
			return closed, fmt.Errorf("failed to check live run timeout: %w", err)
		}
		if reaped {
			closed++
		}
	}
	if _, err := s.cache.Purge(ctx); err != nil {
		return closed, fmt.Errorf("failed to purge cache: %w", err)
	}
	return closed, nil
}

// RunReaper calls ReapAll every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			closed, err := s.ReapAll(sweepCtx)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Msg("live run sweep failed")
				continue
			}
			if closed > 0 {
				s.log.Info().Int("closed", closed).Msg("abandoned live runs closed")
			}
		}
	}
}
