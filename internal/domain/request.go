package domain

import (
	"encoding/json"
	"fmt"
)

// InitRequest is the body of a live import init call.
type InitRequest struct {
	Interval *int          `json:"interval"`
	MetaData *MetaDataDoc  `json:"meta_data"`
	Tags     []TagInput    `json:"tags,omitempty"`
	Plan     *PlanDocument `json:"plan"`
	// Ts may replace a missing START_TIMESTAMP meta in debug mode.
	Ts *float64 `json:"ts,omitempty"`
}

// InitResponse is returned by a successful init.
type InitResponse struct {
	RunID int64 `json:"runid"`
}

// TagInput is a tag as sent by the harness.
type TagInput struct {
	Name  *string `json:"name"`
	Value *string `json:"value,omitempty"`
}

// MetaDataDoc is the run metadata document.
type MetaDataDoc struct {
	Version int         `json:"version"`
	Metas   []MetaInput `json:"metas"`
}

// MetaInput is one metadata entry.
type MetaInput struct {
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// PlanDocument is the declared execution plan.
type PlanDocument struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Iterations *int           `json:"iterations,omitempty"`
	Prologue   *PlanDocument  `json:"prologue,omitempty"`
	Epilogue   *PlanDocument  `json:"epilogue,omitempty"`
	Keepalive  *PlanDocument  `json:"keepalive,omitempty"`
	Children   []PlanDocument `json:"children,omitempty"`
}

// Event is one live log event. Required fields are pointers so that
// absence can be told apart from zero values.
type Event struct {
	Type     EventType       `json:"type"`
	ID       *int            `json:"id,omitempty"`
	Parent   *int            `json:"parent,omitempty"`
	PlanID   *int            `json:"plan_id,omitempty"`
	Ts       *float64        `json:"ts,omitempty"`
	NodeType *string         `json:"node_type,omitempty"`
	Name     *string         `json:"name,omitempty"`
	Params   [][]string      `json:"params,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	Tin      *int            `json:"tin,omitempty"`
	Obtained *Obtained       `json:"obtained,omitempty"`
	Expected []Expected      `json:"expected,omitempty"`
	Error    *string         `json:"error,omitempty"`
	TagsExpr *string         `json:"tags_expr,omitempty"`
	TestID   *int            `json:"test_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Obtained is the result a test actually produced.
type Obtained struct {
	Status   string   `json:"status"`
	Verdicts []string `json:"verdicts,omitempty"`
	Key      *string  `json:"key,omitempty"`
	Notes    Notes    `json:"notes,omitempty"`
}

// Expected is one acceptable outcome declared for a test.
type Expected struct {
	Status   string   `json:"status"`
	Verdicts []string `json:"verdicts,omitempty"`
	Key      *string  `json:"key,omitempty"`
	Notes    Notes    `json:"notes,omitempty"`
}

// Notes accepts either a single string or a list of strings.
type Notes []string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Notes) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*n = Notes{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("notes must be a string or a list of strings: %w", err)
	}
	*n = many
	return nil
}

// FinishRequest is the body of a live import finish call.
type FinishRequest struct {
	Ts *float64 `json:"ts"`
}
