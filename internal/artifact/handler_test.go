package artifact

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/tests/helpers"
)

func TestHandleArtifact(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	project, err := store.GetOrCreateProject(ctx, "demo")
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, project.ID, domain.TimeFromTS(1704067200))
	require.NoError(t, err)

	h := NewHandler(store)
	require.NoError(t, h.HandleArtifact(ctx, run.ID, json.RawMessage(`"plain text"`)))
	require.NoError(t, h.HandleArtifact(ctx, run.ID, json.RawMessage(`{"name":"coverage","lines":90}`)))
	require.NoError(t, h.HandleArtifact(ctx, run.ID, json.RawMessage(` null `)))

	metas, err := store.ListResultMetas(ctx, run.ID)
	require.NoError(t, err)

	var artifacts []domain.Meta
	for _, m := range metas {
		if m.Type == domain.MetaTypeArtifact {
			artifacts = append(artifacts, m.Meta)
		}
	}
	require.Len(t, artifacts, 2)
	assert.Equal(t, DefaultName, artifacts[0].Name)
	assert.Equal(t, "plain text", artifacts[0].Value)
	assert.Equal(t, "coverage", artifacts[1].Name)
	assert.Equal(t, `{"name":"coverage","lines":90}`, artifacts[1].Value)
}
