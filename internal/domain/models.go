package domain

import "time"

// Project owns runs.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Test is a test, package or session name placed in the test tree.
type Test struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	ParentID int64    `json:"parent_id,omitempty"`
	Type     NodeType `json:"type"`
}

// TestIteration is a test with a determined set of argument values.
// Sessions and packages have no hash.
type TestIteration struct {
	ID     int64   `json:"id"`
	TestID int64   `json:"test_id"`
	Hash   *string `json:"hash,omitempty"`
}

// IterationOutcome is returned by AddIteration.
type IterationOutcome struct {
	Iteration *TestIteration
	Created   bool
}

// TestIterationResult is one executed node of a run. The run itself is a
// result with no RunID.
type TestIterationResult struct {
	ID          int64      `json:"id"`
	IterationID int64      `json:"iteration_id,omitempty"`
	RunID       int64      `json:"run_id,omitempty"`
	ParentID    int64      `json:"parent_id,omitempty"`
	ProjectID   int64      `json:"project_id,omitempty"`
	ExecSeqno   int        `json:"exec_seqno"`
	Tin         int        `json:"tin"`
	Start       time.Time  `json:"start"`
	Finish      *time.Time `json:"finish,omitempty"`
}

// IsRun reports whether the result is a run root.
func (r *TestIterationResult) IsRun() bool {
	return r.RunID == 0
}

// NewResult describes a result to create.
type NewResult struct {
	ProjectID   int64
	Start       time.Time
	IterationID int64
	RunID       int64
	ParentID    int64
	Tin         int
	ExecSeqno   int
}

// Meta is a typed name/value pair attached to results and expectations.
type Meta struct {
	ID    int64    `json:"id,omitempty"`
	Name  string   `json:"name,omitempty"`
	Type  MetaType `json:"type"`
	Value string   `json:"value,omitempty"`
}

// MetaResult is a meta linked to a result.
type MetaResult struct {
	Meta
	Serial int `json:"serial"`
}

// Expectation is a set of metas describing one acceptable outcome.
type Expectation struct {
	ID    int64        `json:"id"`
	Metas []MetaResult `json:"metas"`
}

// ExpectedResult is the input for AddExpectedResult.
type ExpectedResult struct {
	Status   string
	Verdicts []string
	TagExpr  *string
	Key      *string
	Notes    []string
}

// Tag is a run tag.
type Tag struct {
	Name  string
	Value string
}

// RunSummary is the read model of a run used by the query API.
type RunSummary struct {
	Run           *TestIterationResult `json:"run"`
	Status        string               `json:"status,omitempty"`
	ImportMode    string               `json:"import_mode,omitempty"`
	ExpectedItems string               `json:"expected_items,omitempty"`
}

// Argument is a named test parameter value.
type Argument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ResultRow is a result of a run joined with its test.
type ResultRow struct {
	Result *TestIterationResult `json:"result"`
	Name   string               `json:"name"`
	Type   NodeType             `json:"type"`
}

// RunFilter selects runs for listing.
type RunFilter struct {
	UnfinishedOnly bool
	Limit          int
}
