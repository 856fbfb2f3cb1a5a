package pipeline

import (
	"reflect"
	"testing"
	"time"

	"github.com/pithecene-io/assay/types"
)

func runningSnapshot() Snapshot {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return Snapshot{
		State:          types.RunStateRunning,
		FileName:       "sales.csv",
		Completed:      map[types.Stage]bool{types.StageIntake: true},
		Current:        types.StageRag,
		Columns:        []string{"id", "name", "region"},
		SampleRows:     20,
		RagActive:      true,
		RagChunks:      3,
		CompletedCalls: 2,
		LastTool:       "rag_query",
		StartedAt:      start,
		Now:            start.Add(95 * time.Second),
		ToolCalls: []types.ToolCallEntry{
			{Name: "fetch_sample", Status: types.ToolCallCompleted},
			{Name: "chat_analysis", Status: types.ToolCallCompleted},
			{Name: "rag_query", Status: types.ToolCallRunning},
		},
	}
}

func TestStatus_RunningPhase(t *testing.T) {
	status := runningSnapshot().Status()
	if status.Phase != "RAG 분석" {
		t.Errorf("expected RAG phase label, got %q", status.Phase)
	}
	if status.Progress != 40 {
		t.Errorf("2 of 5 calls should be 40%%, got %d", status.Progress)
	}
	if status.LastTool != "rag_query" {
		t.Errorf("unexpected last tool %q", status.LastTool)
	}
	if status.Elapsed != "01:35" {
		t.Errorf("expected 01:35, got %q", status.Elapsed)
	}
}

func TestStatus_StateLabels(t *testing.T) {
	cases := []struct {
		state types.RunState
		want  string
	}{
		{types.RunStateEmpty, "대기"},
		{types.RunStateUploading, "업로드"},
		{types.RunStateNeedsUser, "승인 대기"},
		{types.RunStateError, "오류"},
		{types.RunStateSuccess, "완료"},
	}
	for _, c := range cases {
		s := Snapshot{State: c.state}
		if got := s.Status().Phase; got != c.want {
			t.Errorf("state %s: expected %q, got %q", c.state, c.want, got)
		}
	}
}

func TestStatus_ProgressCapped(t *testing.T) {
	s := Snapshot{State: types.RunStateSuccess, CompletedCalls: 9}
	if got := s.Status().Progress; got != 100 {
		t.Errorf("progress should cap at 100, got %d", got)
	}
}

func TestStageStatus_Derivation(t *testing.T) {
	s := runningSnapshot()
	if got := s.StageStatus(types.StageIntake); got != types.StageSuccess {
		t.Errorf("completed stage should be Success, got %s", got)
	}
	if got := s.StageStatus(types.StageRag); got != types.StageRunning {
		t.Errorf("current stage should be Running, got %s", got)
	}
	if got := s.StageStatus(types.StageReport); got != types.StageQueued {
		t.Errorf("future stage should be Queued, got %s", got)
	}
}

func TestStageStatus_SuccessResolvesAllStages(t *testing.T) {
	s := Snapshot{
		State:     types.RunStateSuccess,
		Completed: map[types.Stage]bool{types.StageIntake: true},
	}
	// Stages skipped by a rejected remediation still resolve on Success.
	for _, stage := range types.Stages {
		if got := s.StageStatus(stage); got != types.StageSuccess {
			t.Errorf("stage %s: expected Success, got %s", stage, got)
		}
	}
}

func TestStageViews_SublabelsAndOrder(t *testing.T) {
	s := runningSnapshot()
	views := s.StageViews()
	if len(views) != len(types.Stages) {
		t.Fatalf("expected %d views, got %d", len(types.Stages), len(views))
	}
	for i, v := range views {
		if v.Stage != types.Stages[i] {
			t.Errorf("views must follow canonical order, position %d is %s", i, v.Stage)
		}
	}
	rag := views[types.StageRag.Index()]
	if rag.Sublabel != "3 chunks" {
		t.Errorf("rag sublabel should show chunk count, got %q", rag.Sublabel)
	}
	if rag.ToolCount != 1 {
		t.Errorf("rag should count its ledger entries, got %d", rag.ToolCount)
	}
}

func TestStageViews_NeedsUserShowsProposal(t *testing.T) {
	s := Snapshot{
		State:    types.RunStateNeedsUser,
		Proposal: &types.HitlProposal{Column: "Region", Strategy: "mode"},
	}
	views := s.StageViews()
	pre := views[types.StagePreprocess.Index()]
	if pre.Status != types.StageNeedsUser {
		t.Errorf("expected NeedsUser, got %s", pre.Status)
	}
	if pre.Sublabel != "Region: mode" {
		t.Errorf("expected proposal sublabel, got %q", pre.Sublabel)
	}
}

func TestStageViews_FailedShowsMessage(t *testing.T) {
	s := Snapshot{
		State:         types.RunStateError,
		FailedStage:   types.StageRag,
		FailedMessage: "retrieval timed out",
	}
	views := s.StageViews()
	rag := views[types.StageRag.Index()]
	if rag.Status != types.StageFailed || rag.Sublabel != "retrieval timed out" {
		t.Errorf("unexpected failed view: %+v", rag)
	}
}

func TestDecisionChips(t *testing.T) {
	s := runningSnapshot()
	chips := s.DecisionChips()
	if len(chips) != 5 {
		t.Fatalf("expected 5 chips, got %d", len(chips))
	}
	byStage := map[string]types.ChipValue{}
	for _, c := range chips {
		byStage[c.Stage] = c.Value
	}
	if byStage["RAG"] != types.ChipRunning {
		t.Errorf("RAG chip should be RUNNING, got %s", byStage["RAG"])
	}
	if byStage["Report"] != types.ChipOn {
		t.Errorf("queued Report chip should be ON, got %s", byStage["Report"])
	}
	if byStage["Mode"] != types.ChipFull {
		t.Errorf("mode chip is fixed to FULL, got %s", byStage["Mode"])
	}
}

func TestEvidence(t *testing.T) {
	s := runningSnapshot()
	ev := s.Evidence()
	if ev.Data != "sales.csv" {
		t.Errorf("unexpected data %q", ev.Data)
	}
	if ev.Scope != "20 rows x 3 cols" {
		t.Errorf("unexpected scope %q", ev.Scope)
	}
	if ev.Rag != "3 chunks" {
		t.Errorf("unexpected rag %q", ev.Rag)
	}
	if ev.Compute != "v3 · 01:35" {
		t.Errorf("unexpected compute %q", ev.Compute)
	}
}

func TestEvidence_EmptyState(t *testing.T) {
	ev := Snapshot{State: types.RunStateEmpty}.Evidence()
	if ev.Data != "-" || ev.Scope != "-" || ev.Rag != "OFF" {
		t.Errorf("empty state should render placeholders, got %+v", ev)
	}
}

func TestViews_PureFunctionsOfSnapshot(t *testing.T) {
	s := runningSnapshot()
	if !reflect.DeepEqual(s.StageViews(), s.StageViews()) {
		t.Error("StageViews must be deterministic for one snapshot")
	}
	if !reflect.DeepEqual(s.DecisionChips(), s.DecisionChips()) {
		t.Error("DecisionChips must be deterministic for one snapshot")
	}
	if s.Status() != s.Status() {
		t.Error("Status must be deterministic for one snapshot")
	}
}
