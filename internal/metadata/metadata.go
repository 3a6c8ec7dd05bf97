// Package metadata checks run metadata documents and stores their metas on
// the run.
package metadata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// Config holds the project settings metadata is checked against.
type Config struct {
	Project       string
	RunKeyMetas   []string
	RunStatusMeta string
}

// MetaData is a checked metadata document.
type MetaData struct {
	Version    int
	Metas      []domain.Meta
	KeyMetas   []domain.Meta
	Project    string
	RunStart   time.Time
	RunFinish  *time.Time
	StatusMeta *domain.Meta
}

// Writer stores metas on results.
type Writer interface {
	AddMeta(ctx context.Context, resultID int64, meta domain.Meta) error
	SetMeta(ctx context.Context, resultID int64, meta domain.Meta) error
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// HasStartTimestamp reports whether the document carries START_TIMESTAMP.
func HasStartTimestamp(doc *domain.MetaDataDoc) bool {
	for _, m := range doc.Metas {
		if m.Name == domain.MetaNameStartTimestamp {
			return true
		}
	}
	return false
}

// StartTimestampMeta builds a START_TIMESTAMP meta from a unix timestamp.
func StartTimestampMeta(ts float64) domain.MetaInput {
	return domain.MetaInput{
		Name:  domain.MetaNameStartTimestamp,
		Type:  string(domain.MetaTypeTimestamp),
		Value: domain.TimeFromTS(ts).Format(time.RFC3339Nano),
	}
}

// Parse checks the document version, the project and the key metas and
// extracts the run start and finish.
func Parse(doc *domain.MetaDataDoc, cfg Config) (*MetaData, error) {
	if doc == nil {
		return nil, fmt.Errorf("meta_data is empty")
	}
	if doc.Version < 1 || doc.Version > 1 {
		return nil, fmt.Errorf("unsupported meta_data version %d", doc.Version)
	}
	if len(doc.Metas) == 0 {
		return nil, fmt.Errorf("meta_data has no metas")
	}

	md := &MetaData{Version: doc.Version}
	for _, in := range doc.Metas {
		metaType := in.Type
		if metaType == "" {
			metaType = string(domain.MetaTypeLabel)
		}
		md.Metas = append(md.Metas, domain.Meta{Name: in.Name, Type: domain.MetaType(metaType), Value: in.Value})
	}

	project, ok := md.find(domain.MetaNameProject)
	if !ok {
		return nil, fmt.Errorf("meta_data has no %s meta", domain.MetaNameProject)
	}
	if cfg.Project != "" && project.Value != cfg.Project {
		return nil, fmt.Errorf("this isn't a run of %s project", cfg.Project)
	}
	md.Project = project.Value

	if err := md.collectKeyMetas(cfg.RunKeyMetas); err != nil {
		return nil, err
	}

	if start, ok := md.find(domain.MetaNameStartTimestamp); ok {
		ts, err := parseTimestamp(start.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", domain.MetaNameStartTimestamp, err)
		}
		md.RunStart = ts
	}
	if finish, ok := md.find(domain.MetaNameFinishTimestamp); ok {
		ts, err := parseTimestamp(finish.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", domain.MetaNameFinishTimestamp, err)
		}
		md.RunFinish = &ts
	}

	if cfg.RunStatusMeta != "" {
		if status, ok := md.find(cfg.RunStatusMeta); ok {
			md.StatusMeta = &status
		}
	}
	return md, nil
}

func (md *MetaData) find(name string) (domain.Meta, bool) {
	for _, m := range md.Metas {
		if m.Name == name {
			return m, true
		}
	}
	return domain.Meta{}, false
}

func (md *MetaData) collectKeyMetas(names []string) error {
	remaining := make(map[string]bool, len(names))
	for _, name := range names {
		remaining[name] = true
	}
	taken := make(map[string]bool, len(names))
	for _, m := range md.Metas {
		if m.Name == "" {
			continue
		}
		switch {
		case remaining[m.Name]:
			md.KeyMetas = append(md.KeyMetas, m)
			delete(remaining, m.Name)
			taken[m.Name] = true
		case taken[m.Name]:
			return fmt.Errorf("key meta %s is duplicated", m.Name)
		}
	}
	if len(remaining) > 0 {
		missing := make([]string, 0, len(remaining))
		for _, name := range names {
			if remaining[name] {
				missing = append(missing, name)
			}
		}
		return fmt.Errorf("can't identify the run, key metas are absent: %s", strings.Join(missing, ","))
	}
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", value)
}

// Apply stores the metas on the run. The status meta replaces any status
// the run already has.
func (md *MetaData) Apply(ctx context.Context, w Writer, runID int64) error {
	for _, m := range md.Metas {
		if m.Name == "" && m.Value == "" {
			continue
		}
		var err error
		if md.StatusMeta != nil && m.Name == md.StatusMeta.Name {
			err = w.SetMeta(ctx, runID, m)
		} else {
			err = w.AddMeta(ctx, runID, m)
		}
		if err != nil {
			return fmt.Errorf("store meta %s: %w", m.Name, err)
		}
	}
	return nil
}
