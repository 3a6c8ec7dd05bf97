// Package domain defines the core domain models for live run import.
package domain

import "fmt"

// NodeType is the kind of an execution plan node or of a live frame.
type NodeType uint8

const (
	NodeTest NodeType = iota + 1
	NodeSession
	NodePackage
	// NodeSkipped only appears in plan documents; skipped nodes are never
	// materialized and never reach the live stack.
	NodeSkipped
)

// ParseNodeType converts a protocol node type string.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "test":
		return NodeTest, nil
	case "session":
		return NodeSession, nil
	case "pkg":
		return NodePackage, nil
	case "skipped":
		return NodeSkipped, nil
	}
	return 0, fmt.Errorf("unknown node type %q", s)
}

// String returns the protocol representation.
func (t NodeType) String() string {
	switch t {
	case NodeTest:
		return "test"
	case NodeSession:
		return "session"
	case NodePackage:
		return "pkg"
	case NodeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("NodeType(%d)", uint8(t))
}

// Code returns the single letter stored in the tests table.
func (t NodeType) Code() string {
	switch t {
	case NodeTest:
		return "T"
	case NodeSession:
		return "S"
	case NodePackage:
		return "P"
	}
	return ""
}

// NodeTypeFromCode is the inverse of Code.
func NodeTypeFromCode(code string) (NodeType, error) {
	switch code {
	case "T":
		return NodeTest, nil
	case "S":
		return NodeSession, nil
	case "P":
		return NodePackage, nil
	}
	return 0, fmt.Errorf("unknown result type code %q", code)
}

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) {
	if t < NodeTest || t > NodeSkipped {
		return nil, fmt.Errorf("invalid node type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(b []byte) error {
	v, err := ParseNodeType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// RunStatus is the value of the run status meta.
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusDone    RunStatus = "DONE"
	RunStatusError   RunStatus = "ERROR"
	RunStatusWarning RunStatus = "WARNING"
	RunStatusStopped RunStatus = "STOPPED"
	RunStatusBusy    RunStatus = "BUSY"
)

// ImportMode tells how a run got into the database.
type ImportMode string

const (
	ImportModeSource ImportMode = "source"
	ImportModeLive   ImportMode = "live"
)

// EventType is the type of a live log event.
type EventType string

const (
	EventTypeTestStart EventType = "test_start"
	EventTypeTestEnd   EventType = "test_end"
	EventTypeArtifact  EventType = "artifact"
)

// MetaType is the type column of a meta.
type MetaType string

const (
	MetaTypeTag             MetaType = "tag"
	MetaTypeLabel           MetaType = "label"
	MetaTypeCount           MetaType = "count"
	MetaTypeImport          MetaType = "import"
	MetaTypeResult          MetaType = "result"
	MetaTypeVerdict         MetaType = "verdict"
	MetaTypeVerdictExpected MetaType = "verdict_expected"
	MetaTypeErr             MetaType = "err"
	MetaTypeTagExpression   MetaType = "tag_expression"
	MetaTypeKey             MetaType = "key"
	MetaTypeNote            MetaType = "note"
	MetaTypeArtifact        MetaType = "artifact"
	MetaTypeTimestamp       MetaType = "timestamp"
)

// Well-known meta names.
const (
	MetaNameStartTimestamp  = "START_TIMESTAMP"
	MetaNameFinishTimestamp = "FINISH_TIMESTAMP"
	MetaNameProject         = "PROJECT"
	MetaNameImportMode      = "import_mode"
	MetaNameImportID        = "import_id"
	MetaNameExpectedItems   = "expected_items"
	MetaNamePrologueItems   = "expected_items_prologue"
)

// Result statuses the importer itself produces.
const (
	ResultPassed = "PASSED"
	ResultFaked  = "FAKED"
	ResultLost   = "LOST"
)
