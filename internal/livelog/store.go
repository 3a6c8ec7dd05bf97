package livelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/metadata"
)

// Store is the persistence layer a session drives.
type Store interface {
	metadata.Writer

	GetOrCreateProject(ctx context.Context, name string) (*domain.Project, error)
	IdentifyRun(ctx context.Context, keyMetas []domain.Meta) (*domain.TestIterationResult, error)
	CreateRun(ctx context.Context, projectID int64, start time.Time) (*domain.TestIterationResult, error)

	GetTest(ctx context.Context, id int64) (*domain.Test, error)
	GetIteration(ctx context.Context, id int64) (*domain.TestIteration, error)
	GetResult(ctx context.Context, id int64) (*domain.TestIterationResult, error)

	AddTest(ctx context.Context, name string, nodeType domain.NodeType, parent *domain.Test) (*domain.Test, error)
	AddIteration(ctx context.Context, test *domain.Test, args []domain.Argument, hash string, parent *domain.TestIteration, depth int) (*domain.IterationOutcome, error)
	AddIterationResult(ctx context.Context, r domain.NewResult) (*domain.TestIterationResult, error)
	FinishResult(ctx context.Context, resultID int64, finish time.Time) error
	AddObtainedResult(ctx context.Context, resultID int64, status string, verdicts []string, errMsg string) error
	AddExpectedResult(ctx context.Context, resultID int64, exp domain.ExpectedResult) error
	AddTags(ctx context.Context, resultID int64, tags []domain.Tag) error
	SetCount(ctx context.Context, resultID int64, name string, value int) error

	GetResultMeta(ctx context.Context, resultID int64, name string, metaType domain.MetaType) (*domain.Meta, error)
	ListOpenResults(ctx context.Context, runID int64) ([]*domain.TestIterationResult, error)
}

// Cache keeps serialized sessions between heartbeats. Get returns nil for
// missing or expired entries.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey returns the cache key of the run's live session.
func CacheKey(runID int64) string {
	return fmt.Sprintf("%d.livelog", runID)
}

// ArtifactHandler stores artifact payloads on results.
type ArtifactHandler interface {
	HandleArtifact(ctx context.Context, resultID int64, body json.RawMessage) error
}

// CompletionHook runs after a run is finished, whatever its status.
type CompletionHook func(ctx context.Context, runID int64) error

// AdmissionRequest describes a run about to be created.
type AdmissionRequest struct {
	Project string
	Metas   []domain.Meta
	Tags    []domain.Tag
}

// Admitter decides whether a run may be imported.
type Admitter interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// Observer is notified of session activity.
type Observer interface {
	EventProcessed(eventType string)
	LostSynthesized(nodeType domain.NodeType)
	SessionFailed(kind Kind)
	RunReaped()
}

type nopObserver struct{}

func (nopObserver) EventProcessed(string)          {}
func (nopObserver) LostSynthesized(domain.NodeType) {}
func (nopObserver) SessionFailed(Kind)              {}
func (nopObserver) RunReaped()                      {}
