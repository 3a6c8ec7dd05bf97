package helpers

import (
	"encoding/json"
	"testing"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// ProjectName is the project of the fixture runs.
const ProjectName = "demo"

// KeyMetas is the run key meta configuration the fixtures satisfy.
var KeyMetas = []string{"START_TIMESTAMP", "HOST"}

// InitRequest returns an init body for a package with the given tests.
func InitRequest(t *testing.T, host string, tests ...string) *domain.InitRequest {
	t.Helper()

	interval := 10
	children := make([]domain.PlanDocument, 0, len(tests))
	for _, name := range tests {
		children = append(children, domain.PlanDocument{Name: name, Type: "test"})
	}
	envName, envValue := "env", "ci"
	return &domain.InitRequest{
		Interval: &interval,
		MetaData: &domain.MetaDataDoc{
			Version: 1,
			Metas: []domain.MetaInput{
				{Name: "PROJECT", Value: ProjectName},
				{Name: "START_TIMESTAMP", Type: "timestamp", Value: "2024-01-01T00:00:00Z"},
				{Name: "HOST", Value: host},
			},
		},
		Tags: []domain.TagInput{{Name: &envName, Value: &envValue}},
		Plan: &domain.PlanDocument{Name: "suite", Type: "pkg", Children: children},
	}
}

// Events decodes a JSON array of events.
func Events(t *testing.T, raw string) []domain.Event {
	t.Helper()

	var events []domain.Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		t.Fatalf("failed to decode events: %v", err)
	}
	return events
}
