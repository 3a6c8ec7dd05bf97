// Package artifact stores artifact event bodies on results.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// DefaultName is the meta name of artifacts without their own name.
const DefaultName = "artifact"

// MetaAdder attaches metas to results.
type MetaAdder interface {
	AddMeta(ctx context.Context, resultID int64, meta domain.Meta) error
}

// Handler stores each artifact body as an artifact meta of the result.
// Object bodies with a string "name" field use it as the meta name.
type Handler struct {
	store MetaAdder
}

// NewHandler returns a handler writing to store.
func NewHandler(store MetaAdder) *Handler {
	return &Handler{store: store}
}

// HandleArtifact implements livelog.ArtifactHandler.
func (h *Handler) HandleArtifact(ctx context.Context, resultID int64, body json.RawMessage) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}

	name := DefaultName
	value := string(body)
	switch body[0] {
	case '"':
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return fmt.Errorf("decode artifact: %w", err)
		}
		value = s
	case '{':
		var named struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &named); err == nil && named.Name != "" {
			name = named.Name
		}
	}

	return h.store.AddMeta(ctx, resultID, domain.Meta{
		Name:  name,
		Type:  domain.MetaTypeArtifact,
		Value: value,
	})
}
