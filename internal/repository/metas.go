package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

func (s *SQLiteStore) getOrCreateMeta(ctx context.Context, m domain.Meta) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO metas (name, type, value) VALUES (?, ?, ?)`,
		m.Name, string(m.Type), m.Value); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM metas WHERE name = ? AND type = ? AND value = ?`,
		m.Name, string(m.Type), m.Value).Scan(&id)
	return id, err
}

func (s *SQLiteStore) addMetaResult(ctx context.Context, resultID int64, m domain.Meta, serial int) error {
	metaID, err := s.getOrCreateMeta(ctx, m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta_results (meta_id, result_id, serial) VALUES (?, ?, ?)`,
		metaID, resultID, serial)
	return err
}

// AddMeta links a meta to a result.
func (s *SQLiteStore) AddMeta(ctx context.Context, resultID int64, m domain.Meta) error {
	return s.addMetaResult(ctx, resultID, m, 0)
}

// SetMeta links a meta to a result, replacing the result's meta with the
// same name and type.
func (s *SQLiteStore) SetMeta(ctx context.Context, resultID int64, m domain.Meta) error {
	metaID, err := s.getOrCreateMeta(ctx, m)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM meta_results WHERE result_id = ? AND meta_id IN (
			SELECT id FROM metas WHERE name = ? AND type = ?)`,
		resultID, m.Name, string(m.Type)); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO meta_results (meta_id, result_id, serial) VALUES (?, ?, 0)`,
		metaID, resultID)
	return err
}

// AddTags links tag metas to a run.
func (s *SQLiteStore) AddTags(ctx context.Context, runID int64, tags []domain.Tag) error {
	for _, t := range tags {
		if err := s.AddMeta(ctx, runID, domain.Meta{Name: t.Name, Type: domain.MetaTypeTag, Value: t.Value}); err != nil {
			return fmt.Errorf("tag %s: %w", t.Name, err)
		}
	}
	return nil
}

// SetCount sets a count meta on a result.
func (s *SQLiteStore) SetCount(ctx context.Context, resultID int64, name string, value int) error {
	return s.SetMeta(ctx, resultID, domain.Meta{Name: name, Type: domain.MetaTypeCount, Value: strconv.Itoa(value)})
}

// GetResultMeta returns the meta of a result with the given name and type.
func (s *SQLiteStore) GetResultMeta(ctx context.Context, resultID int64, name string, metaType domain.MetaType) (*domain.Meta, error) {
	m := domain.Meta{Name: name, Type: metaType}
	err := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.value FROM metas m JOIN meta_results mr ON mr.meta_id = m.id
		 WHERE mr.result_id = ? AND m.name = ? AND m.type = ? ORDER BY mr.id DESC LIMIT 1`,
		resultID, name, string(metaType)).Scan(&m.ID, &m.Value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListResultMetas returns all metas of a result.
func (s *SQLiteStore) ListResultMetas(ctx context.Context, resultID int64) ([]domain.MetaResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.name, m.type, m.value, mr.serial FROM metas m
		 JOIN meta_results mr ON mr.meta_id = m.id
		 WHERE mr.result_id = ? ORDER BY m.type, mr.serial, mr.id`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []domain.MetaResult
	for rows.Next() {
		var mr domain.MetaResult
		var metaType string
		if err := rows.Scan(&mr.ID, &mr.Name, &metaType, &mr.Value, &mr.Serial); err != nil {
			return nil, err
		}
		mr.Type = domain.MetaType(metaType)
		metas = append(metas, mr)
	}
	return metas, rows.Err()
}

// IdentifyRun returns the run carrying all key metas, or nil.
func (s *SQLiteStore) IdentifyRun(ctx context.Context, keyMetas []domain.Meta) (*domain.TestIterationResult, error) {
	if len(keyMetas) == 0 {
		return nil, nil
	}
	query := `SELECT r.id FROM test_iteration_results r
		JOIN meta_results mr ON mr.result_id = r.id
		JOIN metas m ON m.id = mr.meta_id
		WHERE r.test_run_id IS NULL AND (`
	args := make([]any, 0, len(keyMetas)*3+1)
	for i, km := range keyMetas {
		if i > 0 {
			query += ` OR `
		}
		query += `(m.name = ? AND m.type = ? AND m.value = ?)`
		metaType := km.Type
		if metaType == "" {
			metaType = domain.MetaTypeLabel
		}
		args = append(args, km.Name, string(metaType), km.Value)
	}
	query += `) GROUP BY r.id HAVING COUNT(DISTINCT m.id) = ? ORDER BY r.id LIMIT 1`
	args = append(args, len(keyMetas))

	var id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetResult(ctx, id)
}

// AddObtainedResult records the status, verdicts and error a result got.
func (s *SQLiteStore) AddObtainedResult(ctx context.Context, resultID int64, status string, verdicts []string, errMsg string) error {
	for serial, v := range verdicts {
		if err := s.addMetaResult(ctx, resultID, domain.Meta{Type: domain.MetaTypeVerdict, Value: v}, serial); err != nil {
			return err
		}
	}
	if status != "" {
		if err := s.AddMeta(ctx, resultID, domain.Meta{Type: domain.MetaTypeResult, Value: status}); err != nil {
			return err
		}
	}
	if errMsg != "" {
		if err := s.AddMeta(ctx, resultID, domain.Meta{Type: domain.MetaTypeErr, Value: errMsg}); err != nil {
			return err
		}
	}
	return nil
}

type expectMeta struct {
	meta   domain.Meta
	serial int
}

func expectationMetas(exp domain.ExpectedResult) []expectMeta {
	var metas []expectMeta
	if exp.Status != "" {
		metas = append(metas, expectMeta{meta: domain.Meta{Type: domain.MetaTypeResult, Value: exp.Status}})
	}
	for i, v := range exp.Verdicts {
		metas = append(metas, expectMeta{meta: domain.Meta{Type: domain.MetaTypeVerdictExpected, Value: v}, serial: i})
	}
	if exp.TagExpr != nil {
		metas = append(metas, expectMeta{meta: domain.Meta{Type: domain.MetaTypeTagExpression, Value: *exp.TagExpr}})
	}
	if exp.Key != nil {
		metas = append(metas, expectMeta{meta: domain.Meta{Name: *exp.Key, Type: domain.MetaTypeKey}})
	}
	for i, n := range exp.Notes {
		metas = append(metas, expectMeta{meta: domain.Meta{Type: domain.MetaTypeNote, Value: n}, serial: i})
	}
	return metas
}

// expectationHash identifies an expectation by its meta set.
func expectationHash(ids []int64, serials []int) string {
	keys := make([]string, len(ids))
	for i := range ids {
		keys[i] = fmt.Sprintf("%d:%d", ids[i], serials[i])
	}
	sort.Strings(keys)
	h := blake3.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AddExpectedResult links the expectation described by exp to a result.
// Expectations with the same metas are shared.
func (s *SQLiteStore) AddExpectedResult(ctx context.Context, resultID int64, exp domain.ExpectedResult) error {
	metas := expectationMetas(exp)
	ids := make([]int64, len(metas))
	serials := make([]int, len(metas))
	for i, em := range metas {
		id, err := s.getOrCreateMeta(ctx, em.meta)
		if err != nil {
			return err
		}
		ids[i] = id
		serials[i] = em.serial
	}
	hash := expectationHash(ids, serials)

	var expID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM expectations WHERE hash = ?`, hash).Scan(&expID)
	if err == sql.ErrNoRows {
		res, err := s.db.ExecContext(ctx, `INSERT INTO expectations (hash) VALUES (?)`, hash)
		if err != nil {
			return err
		}
		if expID, err = res.LastInsertId(); err != nil {
			return err
		}
		for i := range ids {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO expectation_metas (expectation_id, meta_id, serial) VALUES (?, ?, ?)`,
				expID, ids[i], serials[i]); err != nil {
				return err
			}
		}
	} else if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO expectation_results (expectation_id, result_id) VALUES (?, ?)`,
		expID, resultID)
	return err
}

// ListExpectations returns the expectations linked to a result.
func (s *SQLiteStore) ListExpectations(ctx context.Context, resultID int64) ([]domain.Expectation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT er.expectation_id, m.id, m.name, m.type, m.value, em.serial
		 FROM expectation_results er
		 JOIN expectation_metas em ON em.expectation_id = er.expectation_id
		 JOIN metas m ON m.id = em.meta_id
		 WHERE er.result_id = ? ORDER BY er.expectation_id, m.type, em.serial`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Expectation
	for rows.Next() {
		var expID int64
		var mr domain.MetaResult
		var metaType string
		if err := rows.Scan(&expID, &mr.ID, &mr.Name, &metaType, &mr.Value, &mr.Serial); err != nil {
			return nil, err
		}
		mr.Type = domain.MetaType(metaType)
		if len(out) == 0 || out[len(out)-1].ID != expID {
			out = append(out, domain.Expectation{ID: expID})
		}
		out[len(out)-1].Metas = append(out[len(out)-1].Metas, mr)
	}
	return out, rows.Err()
}
