package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/livelog"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()

	open, err := NewEngine(ctx, DefaultPolicy, nil)
	require.NoError(t, err)
	assert.NoError(t, open.Admit(ctx, livelog.AdmissionRequest{Project: "anything"}))

	restricted, err := NewEngine(ctx, DefaultPolicy, []string{"demo"})
	require.NoError(t, err)
	assert.NoError(t, restricted.Admit(ctx, livelog.AdmissionRequest{Project: "demo"}))

	err = restricted.Admit(ctx, livelog.AdmissionRequest{Project: "other"})
	require.Error(t, err)
	le := livelog.AsError(err)
	assert.Equal(t, livelog.KindInvalidInput, le.Kind)
	assert.Equal(t, "project other is not allowed", le.Message)
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	policy := `
package import_policy

default decision = "allow"

decision = "deny" {
	input.tags.env == "prod"
}

decision = "deny" {
	input.metas[_].name == "BLOCKED"
}
`
	engine, err := NewEngine(ctx, policy, nil)
	require.NoError(t, err)

	assert.NoError(t, engine.Admit(ctx, livelog.AdmissionRequest{
		Project: "demo",
		Tags:    []domain.Tag{{Name: "env", Value: "ci"}},
	}))

	err = engine.Admit(ctx, livelog.AdmissionRequest{
		Project: "demo",
		Tags:    []domain.Tag{{Name: "env", Value: "prod"}},
	})
	assert.True(t, livelog.IsKind(err, livelog.KindInvalidInput))
	assert.Equal(t, "import rejected by policy", livelog.AsError(err).Message)

	err = engine.Admit(ctx, livelog.AdmissionRequest{
		Project: "demo",
		Metas:   []domain.Meta{{Name: "BLOCKED", Type: domain.MetaTypeLabel}},
	})
	assert.True(t, livelog.IsKind(err, livelog.KindInvalidInput))
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package import_policy\ndecision = {", nil)
	assert.Error(t, err)
}

func TestEvaluateLeavesInputAlone(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy, []string{"demo"})
	require.NoError(t, err)

	input := map[string]any{"project": "demo"}
	decision, _, err := engine.Evaluate(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, decision)
	assert.Equal(t, map[string]any{"project": "demo"}, input)
}
