package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// GetOrCreateProject returns the project with the given name.
func (s *SQLiteStore) GetOrCreateProject(ctx context.Context, name string) (*domain.Project, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO projects (name) VALUES (?)`, name); err != nil {
		return nil, err
	}
	p := &domain.Project{Name: name}
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM projects WHERE name = ?`, name).Scan(&p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateRun creates a run root result.
func (s *SQLiteStore) CreateRun(ctx context.Context, projectID int64, start time.Time) (*domain.TestIterationResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO test_iteration_results (project_id, start_us) VALUES (?, ?)`,
		nullID(projectID), toMicros(start))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetResult(ctx, id)
}

// GetTest retrieves a test by ID.
func (s *SQLiteStore) GetTest(ctx context.Context, id int64) (*domain.Test, error) {
	var t domain.Test
	var parent sql.NullInt64
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, result_type FROM tests WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &parent, &code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.ParentID = parent.Int64
	if t.Type, err = domain.NodeTypeFromCode(code); err != nil {
		return nil, err
	}
	return &t, nil
}

// AddTest returns the test with the given name, type and parent, creating
// it when needed.
func (s *SQLiteStore) AddTest(ctx context.Context, name string, nodeType domain.NodeType, parent *domain.Test) (*domain.Test, error) {
	code := nodeType.Code()
	if code == "" {
		return nil, fmt.Errorf("unsupported test type %s", nodeType)
	}
	var parentID int64
	if parent != nil {
		parentID = parent.ID
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM tests WHERE name = ? AND IFNULL(parent_id, 0) = ? AND result_type = ?`,
		name, parentID, code).Scan(&id)
	if err == sql.ErrNoRows {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tests (name, parent_id, result_type) VALUES (?, ?, ?)`,
			name, nullID(parentID), code)
		if err != nil {
			return nil, err
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &domain.Test{ID: id, Name: name, ParentID: parentID, Type: nodeType}, nil
}

// GetIteration retrieves an iteration by ID.
func (s *SQLiteStore) GetIteration(ctx context.Context, id int64) (*domain.TestIteration, error) {
	var it domain.TestIteration
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, test_id, hash FROM test_iterations WHERE id = ?`, id).
		Scan(&it.ID, &it.TestID, &hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		it.Hash = &hash.String
	}
	return &it, nil
}

// ArgumentsHash returns the hash identifying a set of arguments. Order does
// not matter.
func ArgumentsHash(args []domain.Argument) string {
	sorted := append([]domain.Argument(nil), args...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	h := blake3.New()
	for _, a := range sorted {
		h.Write([]byte(a.Name))
		h.Write([]byte{0})
		h.Write([]byte(a.Value))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AddIteration returns the iteration of test identified by hash, creating
// it with its arguments when needed. Sessions and packages have a single
// hash-less iteration. Tests reported without a hash are identified by
// their arguments. Relations to every ancestor up to depth are recorded.
func (s *SQLiteStore) AddIteration(ctx context.Context, test *domain.Test, args []domain.Argument, hash string, parent *domain.TestIteration, depth int) (*domain.IterationOutcome, error) {
	var outcome *domain.IterationOutcome
	var err error
	switch test.Type {
	case domain.NodeTest:
		if hash == "" && len(args) > 0 {
			hash = ArgumentsHash(args)
		}
		outcome, err = s.getOrCreateIteration(ctx, test.ID, &hash, args)
	case domain.NodeSession, domain.NodePackage:
		outcome, err = s.getOrCreateIteration(ctx, test.ID, nil, nil)
	default:
		return nil, fmt.Errorf("unknown entity type %s", test.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := s.addRelations(ctx, outcome.Iteration.ID, parent, depth); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *SQLiteStore) getOrCreateIteration(ctx context.Context, testID int64, hash *string, args []domain.Argument) (*domain.IterationOutcome, error) {
	var id int64
	var err error
	if hash != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM test_iterations WHERE test_id = ? AND hash = ? ORDER BY id LIMIT 1`,
			testID, *hash).Scan(&id)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM test_iterations WHERE test_id = ? AND hash IS NULL ORDER BY id LIMIT 1`,
			testID).Scan(&id)
	}
	if err == nil {
		return &domain.IterationOutcome{Iteration: &domain.TestIteration{ID: id, TestID: testID, Hash: hash}}, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var hashVal sql.NullString
	if hash != nil {
		hashVal = sql.NullString{String: *hash, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO test_iterations (test_id, hash) VALUES (?, ?)`, testID, hashVal)
	if err != nil {
		return nil, err
	}
	if id, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	for _, a := range args {
		argID, err := s.getOrCreateArgument(ctx, a)
		if err != nil {
			return nil, err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO iteration_arguments (iteration_id, argument_id) VALUES (?, ?)`,
			id, argID); err != nil {
			return nil, err
		}
	}
	return &domain.IterationOutcome{
		Iteration: &domain.TestIteration{ID: id, TestID: testID, Hash: hash},
		Created:   true,
	}, nil
}

func (s *SQLiteStore) getOrCreateArgument(ctx context.Context, a domain.Argument) (int64, error) {
	hash := ArgumentsHash([]domain.Argument{a})
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO test_arguments (name, value, hash) VALUES (?, ?, ?)`,
		a.Name, a.Value, hash); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM test_arguments WHERE hash = ?`, hash).Scan(&id)
	return id, err
}

// ListArguments returns the arguments of an iteration.
func (s *SQLiteStore) ListArguments(ctx context.Context, iterationID int64) ([]domain.Argument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.name, a.value FROM test_arguments a
		 JOIN iteration_arguments ia ON ia.argument_id = a.id
		 WHERE ia.iteration_id = ? ORDER BY a.name`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var args []domain.Argument
	for rows.Next() {
		var a domain.Argument
		if err := rows.Scan(&a.Name, &a.Value); err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	return args, rows.Err()
}

func (s *SQLiteStore) addRelation(ctx context.Context, iterationID int64, parentID int64, depth int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO test_iteration_relations (test_iteration_id, parent_iteration_id, depth) VALUES (?, ?, ?)`,
		iterationID, nullID(parentID), depth)
	return err
}

func (s *SQLiteStore) addRelations(ctx context.Context, iterationID int64, parent *domain.TestIteration, depth int) error {
	var parentID int64
	if parent != nil {
		parentID = parent.ID
	}
	if depth == 0 {
		return s.addRelation(ctx, iterationID, parentID, 0)
	}

	for d := 1; d <= depth; d++ {
		if err := s.addRelation(ctx, iterationID, parentID, d); err != nil {
			return err
		}
		if d == depth {
			break
		}
		var next sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_iteration_id FROM test_iteration_relations
			 WHERE test_iteration_id = ? AND depth = 1 LIMIT 1`, parentID).Scan(&next)
		if err == sql.ErrNoRows {
			return fmt.Errorf("iteration %d has no parent relation", parentID)
		}
		if err != nil {
			return err
		}
		parentID = next.Int64
	}
	return nil
}

// ListAncestors returns the ancestor iteration ids of an iteration keyed by
// depth.
func (s *SQLiteStore) ListAncestors(ctx context.Context, iterationID int64) (map[int]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depth, parent_iteration_id FROM test_iteration_relations
		 WHERE test_iteration_id = ? AND parent_iteration_id IS NOT NULL`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ancestors := make(map[int]int64)
	for rows.Next() {
		var depth int
		var id int64
		if err := rows.Scan(&depth, &id); err != nil {
			return nil, err
		}
		ancestors[depth] = id
	}
	return ancestors, rows.Err()
}

const resultColumns = `id, iteration_id, test_run_id, parent_package_id, project_id, exec_seqno, tin, start_us, finish_us`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*domain.TestIterationResult, error) {
	var r domain.TestIterationResult
	var iteration, run, parent, project, seqno, tin, finish sql.NullInt64
	var start int64
	if err := row.Scan(&r.ID, &iteration, &run, &parent, &project, &seqno, &tin, &start, &finish); err != nil {
		return nil, err
	}
	r.IterationID = iteration.Int64
	r.RunID = run.Int64
	r.ParentID = parent.Int64
	r.ProjectID = project.Int64
	r.ExecSeqno = int(seqno.Int64)
	r.Tin = int(tin.Int64)
	r.Start = fromMicros(start)
	if finish.Valid {
		t := fromMicros(finish.Int64)
		r.Finish = &t
	}
	return &r, nil
}

// GetResult retrieves a result by ID.
func (s *SQLiteStore) GetResult(ctx context.Context, id int64) (*domain.TestIterationResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM test_iteration_results WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// AddIterationResult creates a result. A blank result with the same run
// and sequence number, left by an offline import, is reused when it is
// compatible.
func (s *SQLiteStore) AddIterationResult(ctx context.Context, nr domain.NewResult) (*domain.TestIterationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM test_iteration_results WHERE test_run_id = ? AND exec_seqno = ?`,
		nr.RunID, nr.ExecSeqno)
	if err != nil {
		return nil, err
	}
	var found []*domain.TestIterationResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(found) {
	case 0:
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO test_iteration_results
			 (iteration_id, test_run_id, parent_package_id, project_id, exec_seqno, tin, start_us)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nullID(nr.IterationID), nullID(nr.RunID), nullID(nr.ParentID), nullID(nr.ProjectID),
			nr.ExecSeqno, nr.Tin, toMicros(nr.Start))
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return s.GetResult(ctx, id)
	case 1:
		existing := found[0]
		if existing.ParentID != nr.ParentID || (existing.Tin != nr.Tin && existing.Tin > -1) {
			return nil, fmt.Errorf("result with exec_seqno %d already exists in run %d: %d",
				nr.ExecSeqno, nr.RunID, existing.ID)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE test_iteration_results SET start_us = ?, finish_us = NULL, tin = ?, iteration_id = ? WHERE id = ?`,
			toMicros(nr.Start), nr.Tin, nullID(nr.IterationID), existing.ID); err != nil {
			return nil, err
		}
		return s.GetResult(ctx, existing.ID)
	default:
		ids := make([]int64, len(found))
		for i, r := range found {
			ids[i] = r.ID
		}
		return nil, fmt.Errorf("duplicated results found: %v", ids)
	}
}

// FinishResult sets the finish time of a result.
func (s *SQLiteStore) FinishResult(ctx context.Context, resultID int64, finish time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_iteration_results SET finish_us = ? WHERE id = ?`, toMicros(finish), resultID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("result %d not found", resultID)
	}
	return nil
}

// ListOpenResults returns the unfinished results of a run by start time.
func (s *SQLiteStore) ListOpenResults(ctx context.Context, runID int64) ([]*domain.TestIterationResult, error) {
	return s.queryResults(ctx,
		`SELECT `+resultColumns+` FROM test_iteration_results
		 WHERE test_run_id = ? AND finish_us IS NULL ORDER BY start_us, id`, runID)
}

func (s *SQLiteStore) queryResults(ctx context.Context, query string, args ...any) ([]*domain.TestIterationResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.TestIterationResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
