package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/assay/api"
	"github.com/pithecene-io/assay/metrics"
	"github.com/pithecene-io/assay/types"
)

const cleanAnswer = "The dataset is clean. No quality issues were found."

const remediationAnswer = "The 'Region' column has 142 missing values (7.1%). " +
	"Imputation with the mode is recommended before further analysis."

// fakeBackend is a scriptable in-memory Backend.
type fakeBackend struct {
	mu sync.Mutex

	analysisAnswer string
	schemaErr      error
	chatErr        error
	ragErr         error
	remediationErr error
	reportErr      error
	ragResult      *api.RetrieveResult
	streamBody     string

	// chatGate, when non-nil, blocks Chat until closed or the call context
	// is canceled.
	chatGate chan struct{}

	uploads, schemas, chats, retrieves, remediations, reports atomic.Int32

	lastRemediation api.RemediationRequest
	lastChat        api.ChatRequest
}

func newFakeBackend(answer string) *fakeBackend {
	return &fakeBackend{
		analysisAnswer: answer,
		ragResult: &api.RetrieveResult{
			Answer: "patterns found",
			RetrievedChunks: []api.RagChunk{
				{SourceID: "src-1", ChunkID: 1, Score: 0.9, Snippet: "north region sales"},
				{SourceID: "src-1", ChunkID: 2, Score: 0.7, Snippet: "price outliers"},
			},
		},
	}
}

func (f *fakeBackend) Upload(ctx context.Context, filename string, data []byte, progress func(int)) (*api.Dataset, error) {
	f.uploads.Add(1)
	if progress != nil {
		progress(40)
		progress(100)
	}
	return &api.Dataset{ID: 7, SourceID: "src-1", Filename: filename}, nil
}

func (f *fakeBackend) FetchSchema(ctx context.Context, sourceID string) (*api.Sample, error) {
	f.schemas.Add(1)
	f.mu.Lock()
	err := f.schemaErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &api.Sample{
		SourceID: sourceID,
		Columns:  []string{"id", "name", "region", "price", "date"},
		Rows: []map[string]any{
			{"id": 1, "name": "Product A"},
			{"id": 2, "name": "Product B"},
		},
	}, nil
}

func (f *fakeBackend) Chat(ctx context.Context, req api.ChatRequest) (*api.ChatResult, error) {
	f.chats.Add(1)
	f.mu.Lock()
	f.lastChat = req
	gate := f.chatGate
	err := f.chatErr
	answer := f.analysisAnswer
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &api.ChatResult{Answer: answer, SessionID: 99}, nil
}

func (f *fakeBackend) ChatStream(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.lastChat = req
	body := f.streamBody
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeBackend) Retrieve(ctx context.Context, req api.RetrieveRequest) (*api.RetrieveResult, error) {
	f.retrieves.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ragErr != nil {
		return nil, f.ragErr
	}
	return f.ragResult, nil
}

func (f *fakeBackend) ApplyRemediation(ctx context.Context, req api.RemediationRequest) (*api.RemediationResult, error) {
	f.remediations.Add(1)
	f.mu.Lock()
	f.lastRemediation = req
	err := f.remediationErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &api.RemediationResult{DatasetID: req.DatasetID}, nil
}

func (f *fakeBackend) BuildReport(ctx context.Context, req api.ReportRequest) (*api.Report, error) {
	f.reports.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return &api.Report{ReportID: "rpt-1", SessionID: req.SessionID, SummaryText: "Summary of findings."}, nil
}

func (f *fakeBackend) setSchemaErr(err error) {
	f.mu.Lock()
	f.schemaErr = err
	f.mu.Unlock()
}

var _ api.Backend = (*fakeBackend)(nil)

func waitState(t *testing.T, o *Orchestrator, want types.RunState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %q, still %q", want, o.State())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestrator_FullSuccessPath(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	o := New(Config{Backend: backend})

	var mu sync.Mutex
	var snaps []Snapshot
	o.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	snap := o.Snapshot()
	if snap.FileName != SampleFileName {
		t.Errorf("expected sample file name, got %q", snap.FileName)
	}
	if snap.SessionID != 99 {
		t.Errorf("session id should come from analysis, got %d", snap.SessionID)
	}
	if snap.ReportID != "rpt-1" {
		t.Errorf("expected report id, got %q", snap.ReportID)
	}
	if snap.Proposal != nil {
		t.Error("a clean run must never carry a proposal")
	}
	for _, stage := range types.Stages {
		if got := snap.StageStatus(stage); got != types.StageSuccess {
			t.Errorf("stage %s should resolve Success, got %s", stage, got)
		}
	}
	// fetch_sample, chat_analysis, rag_query, create_report
	if len(snap.ToolCalls) != 4 {
		t.Errorf("expected 4 tool calls, got %d", len(snap.ToolCalls))
	}
	for _, call := range snap.ToolCalls {
		if call.Status != types.ToolCallCompleted {
			t.Errorf("tool %s should be Completed, got %s", call.Name, call.Status)
		}
	}

	// Completed stages only ever grow within one run.
	mu.Lock()
	defer mu.Unlock()
	prev := map[types.Stage]bool{}
	for i, s := range snaps {
		for stage := range prev {
			if !s.Completed[stage] {
				t.Errorf("snapshot %d: completed stage %s regressed", i, stage)
			}
		}
		prev = s.Completed
	}
}

func TestOrchestrator_NeedsUserSuspendsWithProposal(t *testing.T) {
	backend := newFakeBackend(remediationAnswer)
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateNeedsUser)

	snap := o.Snapshot()
	if snap.Proposal == nil {
		t.Fatal("NeedsUser must carry a proposal")
	}
	if snap.Proposal.Column != "Region" {
		t.Errorf("expected column Region, got %q", snap.Proposal.Column)
	}
	if snap.Proposal.MissingCount != 142 {
		t.Errorf("expected 142 missing, got %d", snap.Proposal.MissingCount)
	}
	if got := snap.StageStatus(types.StagePreprocess); got != types.StageNeedsUser {
		t.Errorf("preprocess should be NeedsUser, got %s", got)
	}

	// The pipeline is suspended: no enrichment or report calls yet.
	if backend.retrieves.Load() != 0 || backend.reports.Load() != 0 {
		t.Error("suspended run must not call later stages")
	}
}

func TestOrchestrator_ApproveAppliesRemediation(t *testing.T) {
	backend := newFakeBackend(remediationAnswer)
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateNeedsUser)

	if err := o.Approve(); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if o.Snapshot().Proposal != nil {
		t.Error("proposal must be cleared at decision time")
	}
	waitState(t, o, types.RunStateSuccess)

	if backend.remediations.Load() != 1 {
		t.Fatalf("expected 1 remediation call, got %d", backend.remediations.Load())
	}
	backend.mu.Lock()
	req := backend.lastRemediation
	backend.mu.Unlock()
	if req.DatasetID != 7 {
		t.Errorf("expected dataset 7, got %d", req.DatasetID)
	}
	if len(req.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(req.Operations))
	}
	op := req.Operations[0]
	if op.Op != "impute" {
		t.Errorf("expected impute op, got %q", op.Op)
	}
	if op.Params["column"] != "Region" || op.Params["strategy"] != "mode" {
		t.Errorf("unexpected params: %+v", op.Params)
	}
	if op.Params["fill_value"] != "auto" {
		t.Errorf("approve without edit should use the proposed fill value, got %v", op.Params["fill_value"])
	}
}

func TestOrchestrator_EditOverridesFillValue(t *testing.T) {
	backend := newFakeBackend(remediationAnswer)
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateNeedsUser)

	if err := o.EditAndResume("Unknown"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	backend.mu.Lock()
	op := backend.lastRemediation.Operations[0]
	backend.mu.Unlock()
	if op.Params["fill_value"] != "Unknown" {
		t.Errorf("edited fill value should override the proposal, got %v", op.Params["fill_value"])
	}
}

func TestOrchestrator_EditWithEmptyValueImputesEmptyString(t *testing.T) {
	backend := newFakeBackend(remediationAnswer)
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateNeedsUser)

	if err := o.EditAndResume(""); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	backend.mu.Lock()
	op := backend.lastRemediation.Operations[0]
	backend.mu.Unlock()
	if op.Params["fill_value"] != "" {
		t.Errorf("an explicit empty edit overrides the proposal, got %v", op.Params["fill_value"])
	}
}

func TestOrchestrator_RejectSkipsRemediation(t *testing.T) {
	backend := newFakeBackend(remediationAnswer)
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateNeedsUser)

	if err := o.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	if backend.remediations.Load() != 0 {
		t.Error("reject must not apply remediation")
	}
	if backend.retrieves.Load() != 1 || backend.reports.Load() != 1 {
		t.Error("rejected remediation must still run enrichment and report")
	}
	snap := o.Snapshot()
	if snap.Proposal != nil {
		t.Error("proposal must be gone after the decision")
	}
	if got := snap.StageStatus(types.StagePreprocess); got != types.StageSuccess {
		t.Errorf("a successful run resolves the preprocess stage, got %s", got)
	}
}

func TestOrchestrator_ResumeFromWrongStateFails(t *testing.T) {
	o := New(Config{Backend: newFakeBackend(cleanAnswer)})
	if err := o.Approve(); err == nil {
		t.Error("Approve from Empty should fail")
	}
	if err := o.Reject(); err == nil {
		t.Error("Reject from Empty should fail")
	}
}

func TestOrchestrator_StageFailureEntersError(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	backend.setSchemaErr(errors.New("schema service unavailable"))
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateError)

	snap := o.Snapshot()
	if snap.FailedStage != types.StageIntake {
		t.Errorf("expected intake failure, got %s", snap.FailedStage)
	}
	if !strings.Contains(snap.FailedMessage, "schema service unavailable") {
		t.Errorf("failed message should carry the cause, got %q", snap.FailedMessage)
	}
	if got := snap.StageStatus(types.StageIntake); got != types.StageFailed {
		t.Errorf("intake should derive Failed, got %s", got)
	}
	se, ok := types.AsStageError(snap.Err)
	if !ok {
		t.Fatalf("error snapshot should carry a StageError, got %v", snap.Err)
	}
	if se.Stage != "fetch_sample" {
		t.Errorf("expected failing tool fetch_sample, got %q", se.Stage)
	}
	if !strings.Contains(se.Error(), "schema service unavailable") {
		t.Errorf("stage error should carry the cause, got %q", se.Error())
	}

	failed := 0
	for _, call := range snap.ToolCalls {
		if call.Status == types.ToolCallFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected exactly one failed entry, got %d", failed)
	}

	// The failure halts the pipeline.
	time.Sleep(20 * time.Millisecond)
	if backend.chats.Load() != 0 {
		t.Error("no stage may run after a failure")
	}

	var isErr bool
	for _, rl := range snap.RawLogs {
		if rl.IsError {
			isErr = true
		}
	}
	if !isErr {
		t.Error("a failed stage should leave an error raw log")
	}
}

func TestOrchestrator_RetryRestartsFromIntake(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	backend.setSchemaErr(errors.New("transient"))
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateError)
	runID := o.RunID()

	backend.setSchemaErr(nil)
	if err := o.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	if o.RunID() != runID {
		t.Error("retry continues the same run")
	}
	if backend.uploads.Load() != 1 {
		t.Error("retry must reuse the uploaded source, not re-upload")
	}
	if backend.schemas.Load() != 2 {
		t.Errorf("retry should restart from intake, got %d schema calls", backend.schemas.Load())
	}

	// The failed attempt's ledger entries survive the retry.
	snap := o.Snapshot()
	var sawFailed bool
	for _, call := range snap.ToolCalls {
		if call.Status == types.ToolCallFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("retry should preserve the failed attempt's audit entries")
	}
}

func TestOrchestrator_RetryOnlyFromError(t *testing.T) {
	o := New(Config{Backend: newFakeBackend(cleanAnswer)})
	if err := o.Retry(); err == nil {
		t.Error("Retry from Empty should fail")
	}
}

func TestOrchestrator_CancelDiscardsInFlightRun(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	backend.chatGate = make(chan struct{})
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "analysis call", func() bool { return backend.chats.Load() == 1 })

	o.Cancel()
	if o.State() != types.RunStateEmpty {
		t.Fatalf("cancel should return to Empty, got %s", o.State())
	}

	// Release the in-flight call; its late result must be discarded.
	close(backend.chatGate)
	time.Sleep(20 * time.Millisecond)

	snap := o.Snapshot()
	if snap.State != types.RunStateEmpty {
		t.Errorf("late result must not resurrect the run, state %s", snap.State)
	}
	if len(snap.ToolCalls) != 0 || len(snap.Milestones) != 0 {
		t.Error("no audit entries may survive cancellation")
	}
	if backend.retrieves.Load() != 0 {
		t.Error("no stage may run after cancellation")
	}
	if snap.RunID != "" || snap.FileName != "" {
		t.Error("cancel should clear run identity")
	}
}

func TestOrchestrator_CancelFromTerminalIsNoOp(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	o.Cancel()
	if o.State() != types.RunStateSuccess {
		t.Errorf("cancel from Success should be a no-op, got %s", o.State())
	}
}

func TestOrchestrator_ResetFromAnyState(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	o.Reset()
	if o.State() != types.RunStateEmpty {
		t.Errorf("reset should return to Empty, got %s", o.State())
	}
	snap := o.Snapshot()
	if len(snap.Messages) != 0 || snap.ReportID != "" {
		t.Error("reset should clear derived data")
	}
}

func TestOrchestrator_RestartSupersedesActiveRun(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	backend.chatGate = make(chan struct{})
	o := New(Config{Backend: backend})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitFor(t, "first analysis call", func() bool { return backend.chats.Load() == 1 })
	firstRun := o.RunID()

	if err := o.StartUpload("other.csv", []byte("a,b\n1,2\n")); err != nil {
		t.Fatalf("second start: %v", err)
	}
	close(backend.chatGate)
	waitState(t, o, types.RunStateSuccess)

	snap := o.Snapshot()
	if snap.RunID == firstRun {
		t.Error("a new start should mint a new run id")
	}
	if snap.FileName != "other.csv" {
		t.Errorf("the superseding run should own the state, got %q", snap.FileName)
	}
}

func TestOrchestrator_FollowUpStreamsIntoConversation(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	backend.streamBody = "event: chunk\ndata: {\"delta\":\"It means \"}\n\n" +
		"event: done\ndata: {\"answer\":\"It means the data is reliable.\",\"session_id\":99}\n\n"
	o := New(Config{Backend: backend, PaceInterval: time.Millisecond})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)
	before := len(o.Snapshot().Messages)

	if err := o.SendFollowUp("What does that mean?"); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	waitFor(t, "assistant reply", func() bool {
		msgs := o.Snapshot().Messages
		return len(msgs) == before+2 && msgs[len(msgs)-1].Role == "assistant"
	})

	snap := o.Snapshot()
	last := snap.Messages[len(snap.Messages)-1]
	if last.Content != "It means the data is reliable." {
		t.Errorf("unexpected reply %q", last.Content)
	}
	if snap.State != types.RunStateSuccess {
		t.Errorf("follow-up must not change the run state, got %s", snap.State)
	}
	if snap.LastTool != "chat_followup" {
		t.Errorf("follow-up should be audited, last tool %q", snap.LastTool)
	}

	backend.mu.Lock()
	req := backend.lastChat
	backend.mu.Unlock()
	if req.SessionID == nil || *req.SessionID != 99 {
		t.Error("follow-up should continue the analysis session")
	}
}

func TestOrchestrator_FollowUpFailsWhenStreamDropsDone(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	backend.streamBody = "event: chunk\ndata: {\"delta\":\"Hel\"}\n\n" +
		"event: done\ndata: {broken\n\n"
	collector := metrics.NewCollector("", "sample.csv", "http://backend")
	// A long pace interval keeps the display untouched: the turn fails
	// on stream end before the first tick fires.
	o := New(Config{Backend: backend, Metrics: collector, PaceInterval: time.Second})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)
	before := len(o.Snapshot().Messages)

	if err := o.SendFollowUp("What does that mean?"); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	waitFor(t, "failed follow-up entry", func() bool {
		for _, call := range o.Snapshot().ToolCalls {
			if call.Name == "chat_followup" && call.Status == types.ToolCallFailed {
				return true
			}
		}
		return false
	})

	snap := o.Snapshot()
	if snap.State != types.RunStateSuccess {
		t.Errorf("a failed follow-up must not leave Success, got %s", snap.State)
	}
	if len(snap.Messages) != before+1 {
		t.Errorf("no assistant reply may be committed, got %d messages", len(snap.Messages))
	}
	if snap.StreamText != "" {
		t.Errorf("partial stream text should be cleared, got %q", snap.StreamText)
	}
	if got := collector.Snapshot().DecodeErrors; got != 1 {
		t.Errorf("the broken done payload should count as a decode error, got %d", got)
	}
}

func TestOrchestrator_FollowUpOnlyFromSuccess(t *testing.T) {
	o := New(Config{Backend: newFakeBackend(cleanAnswer)})
	if err := o.SendFollowUp("hello"); err == nil {
		t.Error("follow-up from Empty should fail")
	}
}

func TestOrchestrator_ProposalOnlyInNeedsUser(t *testing.T) {
	backend := newFakeBackend(remediationAnswer)
	o := New(Config{Backend: backend})

	var mu sync.Mutex
	violations := []string{}
	o.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		hasProp := s.Proposal != nil
		if hasProp != (s.State == types.RunStateNeedsUser) {
			violations = append(violations, fmt.Sprintf("state=%s proposal=%v", s.State, hasProp))
		}
	})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateNeedsUser)
	if err := o.Approve(); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	mu.Lock()
	defer mu.Unlock()
	if len(violations) > 0 {
		t.Errorf("proposal must exist iff NeedsUser, violations: %v", violations)
	}
}

func TestOrchestrator_UploadProgressReachesCompletion(t *testing.T) {
	backend := newFakeBackend(cleanAnswer)
	o := New(Config{Backend: backend})

	var mu sync.Mutex
	var progress []int
	o.Subscribe(func(s Snapshot) {
		mu.Lock()
		progress = append(progress, s.UploadProgress)
		mu.Unlock()
	})

	if err := o.StartWithSample(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, types.RunStateSuccess)

	mu.Lock()
	defer mu.Unlock()
	var saw40, saw100 bool
	for _, p := range progress {
		if p == 40 {
			saw40 = true
		}
		if p == 100 {
			saw100 = true
		}
	}
	if !saw40 || !saw100 {
		t.Errorf("upload progress should surface on snapshots, saw %v", progress)
	}
}
