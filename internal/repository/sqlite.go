package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS tests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			parent_id INTEGER,
			result_type TEXT NOT NULL,
			FOREIGN KEY (parent_id) REFERENCES tests(id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tests_identity ON tests(name, IFNULL(parent_id, 0), result_type)`,
		`CREATE TABLE IF NOT EXISTS test_arguments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS test_iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id INTEGER NOT NULL,
			hash TEXT,
			FOREIGN KEY (test_id) REFERENCES tests(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_iterations_test ON test_iterations(test_id, hash)`,
		`CREATE TABLE IF NOT EXISTS iteration_arguments (
			iteration_id INTEGER NOT NULL,
			argument_id INTEGER NOT NULL,
			PRIMARY KEY (iteration_id, argument_id),
			FOREIGN KEY (iteration_id) REFERENCES test_iterations(id),
			FOREIGN KEY (argument_id) REFERENCES test_arguments(id)
		)`,
		`CREATE TABLE IF NOT EXISTS test_iteration_relations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			test_iteration_id INTEGER NOT NULL,
			parent_iteration_id INTEGER,
			depth INTEGER NOT NULL,
			FOREIGN KEY (test_iteration_id) REFERENCES test_iterations(id),
			FOREIGN KEY (parent_iteration_id) REFERENCES test_iterations(id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_identity ON test_iteration_relations(test_iteration_id, IFNULL(parent_iteration_id, 0), depth)`,
		`CREATE TABLE IF NOT EXISTS test_iteration_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			iteration_id INTEGER,
			test_run_id INTEGER,
			parent_package_id INTEGER,
			project_id INTEGER,
			exec_seqno INTEGER,
			tin INTEGER,
			start_us INTEGER NOT NULL,
			finish_us INTEGER,
			FOREIGN KEY (iteration_id) REFERENCES test_iterations(id),
			FOREIGN KEY (test_run_id) REFERENCES test_iteration_results(id),
			FOREIGN KEY (parent_package_id) REFERENCES test_iteration_results(id),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run_seqno ON test_iteration_results(test_run_id, exec_seqno)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run_finish ON test_iteration_results(test_run_id, finish_us, start_us)`,
		`CREATE TABLE IF NOT EXISTS metas (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			UNIQUE (name, type, value)
		)`,
		`CREATE TABLE IF NOT EXISTS meta_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			meta_id INTEGER NOT NULL,
			result_id INTEGER NOT NULL,
			serial INTEGER NOT NULL DEFAULT 0,
			UNIQUE (meta_id, result_id, serial),
			FOREIGN KEY (meta_id) REFERENCES metas(id),
			FOREIGN KEY (result_id) REFERENCES test_iteration_results(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_meta_results_result ON meta_results(result_id)`,
		`CREATE TABLE IF NOT EXISTS expectations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS expectation_metas (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			expectation_id INTEGER NOT NULL,
			meta_id INTEGER NOT NULL,
			serial INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (expectation_id) REFERENCES expectations(id),
			FOREIGN KEY (meta_id) REFERENCES metas(id)
		)`,
		`CREATE TABLE IF NOT EXISTS expectation_results (
			expectation_id INTEGER NOT NULL,
			result_id INTEGER NOT NULL,
			PRIMARY KEY (expectation_id, result_id),
			FOREIGN KEY (expectation_id) REFERENCES expectations(id),
			FOREIGN KEY (result_id) REFERENCES test_iteration_results(id)
		)`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			expires_us INTEGER
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
