// Package types defines core domain types for the assay pipeline core.
// Types are designed to match the workbench backend wire format.
//
//nolint:revive // types is a common Go package naming convention
package types

// RunState represents the lifecycle state of one analysis run.
// Exactly one state is active at a time.
type RunState string

const (
	// RunStateEmpty is the initial state; no run is active.
	RunStateEmpty RunState = "empty"
	// RunStateUploading indicates the source file upload is in flight.
	RunStateUploading RunState = "uploading"
	// RunStateRunning indicates remote stages are executing.
	RunStateRunning RunState = "running"
	// RunStateNeedsUser indicates the pipeline is suspended awaiting an
	// approve/reject/edit decision on a remediation proposal.
	RunStateNeedsUser RunState = "needs_user"
	// RunStateError indicates a stage failed; recoverable only via retry.
	RunStateError RunState = "error"
	// RunStateSuccess indicates the run completed through the report stage.
	RunStateSuccess RunState = "success"
)

// IsTerminal returns true if the state ends a run until retry or reset.
func (s RunState) IsTerminal() bool {
	return s == RunStateSuccess || s == RunStateError
}

// Stage identifies one of the six ordered phases of an analysis run.
type Stage string

const (
	StageIntake        Stage = "intake"
	StagePreprocess    Stage = "preprocess"
	StageRag           Stage = "rag"
	StageVisualization Stage = "viz"
	StageMerge         Stage = "merge"
	StageReport        Stage = "report"
)

// Stages is the canonical stage ordering.
var Stages = []Stage{
	StageIntake,
	StagePreprocess,
	StageRag,
	StageVisualization,
	StageMerge,
	StageReport,
}

// stageLabels maps stages to display labels.
var stageLabels = map[Stage]string{
	StageIntake:        "Intake",
	StagePreprocess:    "Preprocess",
	StageRag:           "RAG",
	StageVisualization: "Visualization",
	StageMerge:         "Merge",
	StageReport:        "Report",
}

// Label returns the human-readable stage label.
func (s Stage) Label() string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return string(s)
}

// Index returns the stage position in the canonical ordering, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// StageStatus is the derived status of a stage within a run.
// It is computed from the completed-stage set, the current stage pointer
// and the run state; it is never stored.
type StageStatus string

const (
	StageQueued    StageStatus = "queued"
	StageRunning   StageStatus = "running"
	StageSuccess   StageStatus = "success"
	StageFailed    StageStatus = "failed"
	StageNeedsUser StageStatus = "needs_user"
)

// HitlProposal is a structured, best-effort remediation proposal extracted
// from free-text model output. It exists iff the run state is NeedsUser.
type HitlProposal struct {
	// Column is the target field, "unknown" when extraction failed.
	Column string `json:"column"`
	// Strategy is the imputation strategy (mode, median, mean, ...).
	Strategy string `json:"strategy"`
	// FillValue is the replacement value, "auto" unless overridden.
	FillValue string `json:"fill_value"`
	// MissingCount is the affected row count, 0 when unresolved.
	MissingCount int `json:"missing_count"`
	// MissingPercent is the affected row percentage, 0 when unresolved.
	MissingPercent float64 `json:"missing_percent"`
}
