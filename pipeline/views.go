package pipeline

import (
	"fmt"
	"time"

	"github.com/pithecene-io/assay/types"
)

// computeTag identifies the analysis backend generation in the evidence
// footer. Matches the workbench display format.
const computeTag = "v3"

// Snapshot is an immutable copy of the run state, delivered to
// subscribers after every mutation. View-models are pure functions of a
// snapshot; recomputing them from the same snapshot yields identical
// output.
type Snapshot struct {
	RunID          string
	State          types.RunState
	FileName       string
	UploadProgress int
	DatasetID      int64
	SourceID       string
	SessionID      int64

	Columns    []string
	SampleRows int

	Answer     string
	StreamText string
	Proposal   *types.HitlProposal

	Completed     map[types.Stage]bool
	Current       types.Stage
	FailedStage   types.Stage
	FailedMessage string
	// Err is the typed stage failure, nil unless State is Error.
	// types.AsStageError recovers the failing tool and underlying cause.
	Err error

	StartedAt time.Time
	EndedAt   time.Time

	RagChunks int
	RagActive bool

	ReportID      string
	ReportSummary string

	Messages   []types.ChatMessage
	ToolCalls  []types.ToolCallEntry
	Milestones []types.Milestone
	RawLogs    []types.RawLogEntry

	CompletedCalls int
	LastTool       string

	// Now is the snapshot capture time, the reference point for Elapsed.
	Now time.Time
}

// snapshotLocked builds a snapshot and copies the subscriber list.
// Caller holds the lock.
func (o *Orchestrator) snapshotLocked() (Snapshot, []func(Snapshot)) {
	snap := Snapshot{
		RunID:          o.runID,
		State:          o.state,
		FileName:       o.fileName,
		UploadProgress: o.uploadProgress,
		DatasetID:      o.datasetID,
		SourceID:       o.sourceID,
		SessionID:      o.sessionID,
		Answer:         o.answer,
		StreamText:     o.streamText,
		Current:        o.current,
		FailedStage:    o.failedStage,
		FailedMessage:  o.failedMessage,
		StartedAt:      o.startedAt,
		EndedAt:        o.endedAt,
		Messages:       append([]types.ChatMessage(nil), o.messages...),
		ToolCalls:      o.ledger.ToolCalls(),
		Milestones:     o.ledger.Milestones(),
		RawLogs:        o.ledger.RawLogs(),
		CompletedCalls: o.ledger.CompletedCount(),
		LastTool:       o.ledger.LastToolName(),
		Now:            o.now(),
	}
	if o.sample != nil {
		snap.Columns = append([]string(nil), o.sample.Columns...)
		snap.SampleRows = len(o.sample.Rows)
	}
	if o.proposal != nil {
		prop := *o.proposal
		snap.Proposal = &prop
	}
	snap.Completed = make(map[types.Stage]bool, len(o.completed))
	for stage, done := range o.completed {
		snap.Completed[stage] = done
	}
	if o.ragAttempted {
		snap.RagActive = true
		if o.ragResult != nil {
			snap.RagChunks = len(o.ragResult.RetrievedChunks)
		}
	}
	if o.report != nil {
		snap.ReportID = o.report.ReportID
		snap.ReportSummary = o.report.SummaryText
	}
	if o.failedErr != nil {
		snap.Err = o.failedErr
	}

	subs := make([]func(Snapshot), len(o.subs))
	copy(subs, o.subs)
	return snap, subs
}

// Snapshot returns the current snapshot on demand.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap, _ := o.snapshotLocked()
	o.mu.Unlock()
	return snap
}

// phaseLabels are the localized phase names shown in the run status.
var phaseLabels = map[types.Stage]string{
	types.StageIntake:        "데이터 수집",
	types.StagePreprocess:    "자동 전처리",
	types.StageRag:           "RAG 분석",
	types.StageVisualization: "시각화",
	types.StageMerge:         "병합",
	types.StageReport:        "리포트 생성",
}

// stageForTool attributes ledger entries to their stage.
var stageForTool = map[string]types.Stage{
	"fetch_sample":     types.StageIntake,
	"chat_analysis":    types.StagePreprocess,
	"preprocess_apply": types.StagePreprocess,
	"rag_query":        types.StageRag,
	"create_report":    types.StageReport,
}

// Status derives the run-status summary.
func (s Snapshot) Status() types.RunStatus {
	status := types.RunStatus{
		Phase:    s.phaseLabel(),
		Progress: s.progress(),
		LastTool: s.LastTool,
		Elapsed:  s.elapsed(),
	}
	return status
}

func (s Snapshot) phaseLabel() string {
	switch s.State {
	case types.RunStateEmpty:
		return "대기"
	case types.RunStateUploading:
		return "업로드"
	case types.RunStateNeedsUser:
		return "승인 대기"
	case types.RunStateError:
		return "오류"
	case types.RunStateSuccess:
		return "완료"
	default:
		if label, ok := phaseLabels[s.Current]; ok {
			return label
		}
		return "실행 중"
	}
}

func (s Snapshot) progress() int {
	progress := s.CompletedCalls * 100 / totalExpectedToolCalls
	if progress > 100 {
		progress = 100
	}
	return progress
}

func (s Snapshot) elapsed() string {
	if s.StartedAt.IsZero() {
		return "00:00"
	}
	end := s.EndedAt
	if end.IsZero() {
		end = s.Now
	}
	return formatElapsed(end.Sub(s.StartedAt))
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// StageStatus derives one stage's status from the completed-stage set,
// the stage pointer and the run state.
func (s Snapshot) StageStatus(stage types.Stage) types.StageStatus {
	switch {
	case s.Completed[stage]:
		return types.StageSuccess
	case s.State == types.RunStateError && stage == s.FailedStage:
		return types.StageFailed
	case s.State == types.RunStateNeedsUser && stage == types.StagePreprocess:
		return types.StageNeedsUser
	case s.State == types.RunStateRunning && stage == s.Current:
		return types.StageRunning
	case s.State == types.RunStateSuccess:
		// A successful run resolves every stage, including stages skipped
		// by a rejected remediation.
		return types.StageSuccess
	default:
		return types.StageQueued
	}
}

// StageViews derives the per-stage status list in canonical order.
func (s Snapshot) StageViews() []types.StageView {
	views := make([]types.StageView, 0, len(types.Stages))
	for _, stage := range types.Stages {
		view := types.StageView{
			Stage:  stage,
			Label:  stage.Label(),
			Status: s.StageStatus(stage),
		}
		switch view.Status {
		case types.StageFailed:
			view.Sublabel = s.FailedMessage
		case types.StageNeedsUser:
			if s.Proposal != nil {
				view.Sublabel = fmt.Sprintf("%s: %s", s.Proposal.Column, s.Proposal.Strategy)
			}
		case types.StageRunning, types.StageSuccess:
			view.ToolCount = s.toolCount(stage)
			if stage == types.StageRag && s.RagActive {
				view.Sublabel = fmt.Sprintf("%d chunks", s.RagChunks)
			}
		}
		views = append(views, view)
	}
	return views
}

func (s Snapshot) toolCount(stage types.Stage) int {
	count := 0
	for _, call := range s.ToolCalls {
		if stageForTool[call.Name] == stage {
			count++
		}
	}
	return count
}

// chipStages are the stages summarized as decision chips.
var chipStages = []struct {
	name  string
	stage types.Stage
}{
	{"Preprocess", types.StagePreprocess},
	{"RAG", types.StageRag},
	{"Viz", types.StageVisualization},
	{"Report", types.StageReport},
}

// DecisionChips derives the fixed chip row: one chip per summarized stage
// plus one for the run mode.
func (s Snapshot) DecisionChips() []types.DecisionChip {
	chips := make([]types.DecisionChip, 0, len(chipStages)+1)
	for _, c := range chipStages {
		chips = append(chips, types.DecisionChip{
			Stage: c.name,
			Value: chipValue(s.StageStatus(c.stage)),
		})
	}
	chips = append(chips, types.DecisionChip{Stage: "Mode", Value: types.ChipFull})
	return chips
}

func chipValue(status types.StageStatus) types.ChipValue {
	switch status {
	case types.StageSuccess:
		return types.ChipDone
	case types.StageFailed:
		return types.ChipFailed
	case types.StageNeedsUser:
		return types.ChipBlocked
	case types.StageRunning:
		return types.ChipRunning
	default:
		return types.ChipOn
	}
}

// Evidence derives the evidence footer summary.
func (s Snapshot) Evidence() types.EvidenceSummary {
	ev := types.EvidenceSummary{
		Data:    "-",
		Scope:   "-",
		Compute: fmt.Sprintf("%s · %s", computeTag, s.elapsed()),
		Rag:     "OFF",
	}
	if s.FileName != "" {
		ev.Data = s.FileName
	}
	if len(s.Columns) > 0 {
		ev.Scope = fmt.Sprintf("%d rows x %d cols", s.SampleRows, len(s.Columns))
	}
	if s.RagActive {
		ev.Rag = fmt.Sprintf("%d chunks", s.RagChunks)
	}
	return ev
}
