package types

import "time"

// ToolCallStatus is the status of a remote tool invocation.
type ToolCallStatus string

const (
	// ToolCallRunning indicates the call is in flight.
	ToolCallRunning ToolCallStatus = "running"
	// ToolCallCompleted indicates the call resolved successfully.
	ToolCallCompleted ToolCallStatus = "completed"
	// ToolCallFailed indicates the call rejected.
	ToolCallFailed ToolCallStatus = "failed"
)

// IsTerminal returns true if the status is completed or failed.
func (s ToolCallStatus) IsTerminal() bool {
	return s == ToolCallCompleted || s == ToolCallFailed
}

// ToolCallEntry records one remote stage invocation in the audit ledger.
// Created when the call begins and mutated exactly once to a terminal status.
type ToolCallEntry struct {
	// ID uniquely identifies the entry within the ledger.
	ID string `msgpack:"id" json:"id"`
	// Name is the tool name (fetch_sample, chat_analysis, ...).
	Name string `msgpack:"name" json:"name"`
	// Status is running, completed or failed.
	Status ToolCallStatus `msgpack:"status" json:"status"`
	// Args is the JSON-encoded call arguments.
	Args string `msgpack:"args" json:"args"`
	// Result is a short result or error summary, set on terminal transition.
	Result string `msgpack:"result,omitempty" json:"result,omitempty"`
	// StartedAt is when the call began.
	StartedAt time.Time `msgpack:"started_at" json:"started_at"`
	// Duration is the wall-clock call duration, set on terminal transition.
	Duration time.Duration `msgpack:"duration" json:"duration"`
}

// MilestoneStatus classifies a milestone for display.
type MilestoneStatus string

const (
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneFailed    MilestoneStatus = "failed"
	MilestoneNeedsUser MilestoneStatus = "needs_user"
)

// Milestone is a human-readable progress record. Append-only, immutable
// once appended.
type Milestone struct {
	Status    MilestoneStatus `msgpack:"status" json:"status"`
	Title     string          `msgpack:"title" json:"title"`
	Subtext   string          `msgpack:"subtext,omitempty" json:"subtext,omitempty"`
	Timestamp time.Time       `msgpack:"timestamp" json:"timestamp"`
	// Selected marks the milestone the UI should highlight.
	Selected bool `msgpack:"selected,omitempty" json:"selected,omitempty"`
}

// RawLogEntry is a raw, uninterpreted request/response record for developer
// inspection. Never mutated.
type RawLogEntry struct {
	ID      string `msgpack:"id" json:"id"`
	Label   string `msgpack:"label" json:"label"`
	Payload string `msgpack:"payload" json:"payload"`
	IsError bool   `msgpack:"is_error,omitempty" json:"is_error,omitempty"`
}

// Trace record kind discriminants.
const (
	TraceKindToolCall  = "tool_call"
	TraceKindMilestone = "milestone"
	TraceKindRawLog    = "raw_log"
)

// TraceRecord is the capture envelope for one ledger record.
// Exactly one of ToolCall, Milestone, RawLog is set, discriminated by Kind.
// Fields use msgpack tags to match the trace capture wire format.
type TraceRecord struct {
	// Kind discriminates the record payload.
	Kind string `msgpack:"kind"`
	// Ts is when the record was captured.
	Ts time.Time `msgpack:"ts"`
	// RunID is the capturing run identifier.
	RunID string `msgpack:"run_id,omitempty"`

	ToolCall  *ToolCallEntry `msgpack:"tool_call,omitempty"`
	Milestone *Milestone     `msgpack:"milestone,omitempty"`
	RawLog    *RawLogEntry   `msgpack:"raw_log,omitempty"`
}
