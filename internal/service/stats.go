package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

const statsKey = "stats"

// RunStats summarizes the test results of a run.
type RunStats struct {
	RunID      int64 `json:"run_id" msgpack:"run_id"`
	Total      int   `json:"total" msgpack:"total"`
	Passed     int   `json:"passed" msgpack:"passed"`
	Failed     int   `json:"failed" msgpack:"failed"`
	Lost       int   `json:"lost" msgpack:"lost"`
	Unexpected int   `json:"unexpected" msgpack:"unexpected"`
}

func statsCacheKey(runID int64) string {
	return fmt.Sprintf("%d.%s", runID, statsKey)
}

// RunStats returns the cached statistics of a finished run, computing them
// when absent. Statistics of unfinished runs are never cached.
func (s *Service) RunStats(ctx context.Context, runID int64) (*RunStats, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRunTimeout(ctx, run); err != nil {
		return nil, err
	}

	if run.Finish != nil {
		data, err := s.cache.Get(ctx, statsCacheKey(runID))
		if err != nil {
			return nil, fmt.Errorf("failed to read stats of run %d: %w", runID, err)
		}
		if data != nil {
			var stats RunStats
			if err := msgpack.Unmarshal(data, &stats); err == nil {
				return &stats, nil
			}
			s.log.Warn().Int64("run_id", runID).Msg("dropping undecodable run stats")
		}
		if err := s.prepareStats(ctx, runID); err != nil {
			return nil, err
		}
	}
	return s.computeStats(ctx, runID)
}

// prepareStats is the completion hook of live sessions.
func (s *Service) prepareStats(ctx context.Context, runID int64) error {
	stats, err := s.computeStats(ctx, runID)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats of run %d: %w", runID, err)
	}
	return s.cache.Set(ctx, statsCacheKey(runID), data, 0)
}

func (s *Service) computeStats(ctx context.Context, runID int64) (*RunStats, error) {
	rows, err := s.store.ListRunResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results of run %d: %w", runID, err)
	}
	stats := &RunStats{RunID: runID}
	for _, row := range rows {
		if row.Type != domain.NodeTest {
			continue
		}
		stats.Total++

		metas, err := s.store.ListResultMetas(ctx, row.Result.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list metas of result %d: %w", row.Result.ID, err)
		}
		status, verdicts := outcome(metas, domain.MetaTypeVerdict)
		switch status {
		case domain.ResultPassed:
			stats.Passed++
		case "FAILED":
			stats.Failed++
		case domain.ResultLost:
			stats.Lost++
			continue
		}

		exps, err := s.store.ListExpectations(ctx, row.Result.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list expectations of result %d: %w", row.Result.ID, err)
		}
		if !expected(status, verdicts, exps) {
			stats.Unexpected++
		}
	}
	return stats, nil
}

// outcome extracts the status and the verdicts, in serial order.
func outcome(metas []domain.MetaResult, verdictType domain.MetaType) (string, []string) {
	var status string
	var verdicts []domain.MetaResult
	for _, m := range metas {
		switch m.Type {
		case domain.MetaTypeResult:
			status = m.Value
		case verdictType:
			verdicts = append(verdicts, m)
		}
	}
	slices.SortStableFunc(verdicts, func(a, b domain.MetaResult) int { return a.Serial - b.Serial })
	values := make([]string, len(verdicts))
	for i, v := range verdicts {
		values[i] = v.Value
	}
	return status, values
}

func expected(status string, verdicts []string, exps []domain.Expectation) bool {
	for _, e := range exps {
		expStatus, expVerdicts := outcome(e.Metas, domain.MetaTypeVerdictExpected)
		if expStatus == status && slices.Equal(expVerdicts, verdicts) {
			return true
		}
	}
	return false
}
