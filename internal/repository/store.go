// Package repository provides SQLite persistence for imported runs.
package repository

import (
	"context"
	"time"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Project and run operations
	GetOrCreateProject(ctx context.Context, name string) (*domain.Project, error)
	CreateRun(ctx context.Context, projectID int64, start time.Time) (*domain.TestIterationResult, error)
	IdentifyRun(ctx context.Context, keyMetas []domain.Meta) (*domain.TestIterationResult, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.TestIterationResult, error)

	// Test tree operations
	GetTest(ctx context.Context, id int64) (*domain.Test, error)
	AddTest(ctx context.Context, name string, nodeType domain.NodeType, parent *domain.Test) (*domain.Test, error)
	GetIteration(ctx context.Context, id int64) (*domain.TestIteration, error)
	AddIteration(ctx context.Context, test *domain.Test, args []domain.Argument, hash string, parent *domain.TestIteration, depth int) (*domain.IterationOutcome, error)
	ListArguments(ctx context.Context, iterationID int64) ([]domain.Argument, error)
	ListAncestors(ctx context.Context, iterationID int64) (map[int]int64, error)

	// Result operations
	GetResult(ctx context.Context, id int64) (*domain.TestIterationResult, error)
	AddIterationResult(ctx context.Context, r domain.NewResult) (*domain.TestIterationResult, error)
	FinishResult(ctx context.Context, resultID int64, finish time.Time) error
	ListOpenResults(ctx context.Context, runID int64) ([]*domain.TestIterationResult, error)
	ListRunResults(ctx context.Context, runID int64) ([]domain.ResultRow, error)

	// Meta operations
	AddMeta(ctx context.Context, resultID int64, meta domain.Meta) error
	SetMeta(ctx context.Context, resultID int64, meta domain.Meta) error
	AddTags(ctx context.Context, runID int64, tags []domain.Tag) error
	SetCount(ctx context.Context, resultID int64, name string, value int) error
	GetResultMeta(ctx context.Context, resultID int64, name string, metaType domain.MetaType) (*domain.Meta, error)
	ListResultMetas(ctx context.Context, resultID int64) ([]domain.MetaResult, error)

	// Outcome operations
	AddObtainedResult(ctx context.Context, resultID int64, status string, verdicts []string, errMsg string) error
	AddExpectedResult(ctx context.Context, resultID int64, exp domain.ExpectedResult) error
	ListExpectations(ctx context.Context, resultID int64) ([]domain.Expectation, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
