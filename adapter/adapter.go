// Package adapter defines the run-completion integration boundary.
//
// Adapters publish run completion notifications to downstream systems.
// The orchestrator owns adapter lifecycle; users provide configuration only.
package adapter

import "context"

// Outcome values for RunCompletedEvent.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// RunCompletedEvent is the payload published when an analysis run finishes.
type RunCompletedEvent struct {
	EventType string `json:"event_type"` // always "run_completed"
	RunID     string `json:"run_id"`
	// Source is the uploaded file name, or "sample" for the built-in dataset.
	Source      string `json:"source"`
	SourceID    string `json:"source_id,omitempty"`
	Outcome     string `json:"outcome"` // success, error, canceled
	FailedStage string `json:"failed_stage,omitempty"`
	Message     string `json:"message,omitempty"`
	SessionID   int64  `json:"session_id,omitempty"`
	ReportID    string `json:"report_id,omitempty"`
	Timestamp   string `json:"timestamp"` // ISO 8601
	DurationMs  int64  `json:"duration_ms"`
	ToolCalls   int    `json:"tool_calls"`
}

// Adapter publishes run completion events to a downstream system.
type Adapter interface {
	// Publish sends a run completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
