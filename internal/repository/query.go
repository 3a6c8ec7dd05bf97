package repository

import (
	"context"
	"fmt"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// ListRuns returns runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.TestIterationResult, error) {
	query := `SELECT ` + resultColumns + ` FROM test_iteration_results WHERE test_run_id IS NULL`
	if filter.UnfinishedOnly {
		query += ` AND finish_us IS NULL`
	}
	query += ` ORDER BY start_us DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryResults(ctx, query)
}

// ListRunResults returns the results of a run in execution order.
func (s *SQLiteStore) ListRunResults(ctx context.Context, runID int64) ([]domain.ResultRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.iteration_id, r.test_run_id, r.parent_package_id, r.project_id,
		        r.exec_seqno, r.tin, r.start_us, r.finish_us, t.name, t.result_type
		 FROM test_iteration_results r
		 JOIN test_iterations i ON i.id = r.iteration_id
		 JOIN tests t ON t.id = i.test_id
		 WHERE r.test_run_id = ? ORDER BY r.exec_seqno, r.id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ResultRow
	for rows.Next() {
		var row domain.ResultRow
		var code string
		res, err := scanResult(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &row.Name, &code)...)
		}))
		if err != nil {
			return nil, err
		}
		row.Result = res
		if row.Type, err = domain.NodeTypeFromCode(code); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error {
	return f(dest...)
}
