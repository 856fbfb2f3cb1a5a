// Package pipeline implements the analysis-run state machine.
//
// The orchestrator owns all mutable run state and mutates it only through
// the documented operations. Remote stages execute strictly sequentially;
// each stage's call is awaited before the next decision is made, because
// later stages depend on the previous stage's output (schema, session id,
// retrieved evidence). The presentation layer reads immutable snapshots
// delivered through Subscribe and never mutates core state directly.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/assay/adapter"
	"github.com/pithecene-io/assay/api"
	"github.com/pithecene-io/assay/ledger"
	"github.com/pithecene-io/assay/log"
	"github.com/pithecene-io/assay/metrics"
	"github.com/pithecene-io/assay/proposal"
	"github.com/pithecene-io/assay/sse"
	"github.com/pithecene-io/assay/stream"
	"github.com/pithecene-io/assay/types"
)

// totalExpectedToolCalls is the number of tool calls a full run issues,
// used as the denominator of the progress percentage.
const totalExpectedToolCalls = 5

// analysisQuestion is the fixed question driving the analysis stage.
const analysisQuestion = "Analyze this dataset. Identify any missing values, " +
	"data quality issues, and recommend preprocessing steps."

// ragQuery is the fixed retrieval query for the enrichment stage.
const ragQuery = "Analyze patterns and anomalies in the dataset"

// SampleCSV is the built-in dataset used by StartWithSample.
const SampleCSV = "id,name,region,price,date\n" +
	"1,Product A,North,100,2024-01-01\n" +
	"2,Product B,South,200,2024-01-02\n"

// SampleFileName is the file name reported for the built-in dataset.
const SampleFileName = "sample.csv"

// Config configures an Orchestrator.
type Config struct {
	// Backend executes the remote stages (required).
	Backend api.Backend
	// Extractor decides whether analysis output needs a human decision.
	// Defaults to the built-in heuristic.
	Extractor proposal.Extractor
	// Adapter, when set, receives a RunCompletedEvent on Success and Error.
	Adapter adapter.Adapter
	// Metrics receives run counters. Nil is safe.
	Metrics *metrics.Collector
	// Observer, when set, is attached to every run's ledger. Used for
	// trace capture.
	Observer ledger.RecordObserver
	// Logger receives orchestration logs. Defaults to a no-op logger.
	Logger *log.Logger
	// PaceInterval and PaceSlice configure follow-up stream pacing.
	// Zero values use the stream package defaults.
	PaceInterval time.Duration
	PaceSlice    int
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Orchestrator drives one analysis run at a time.
type Orchestrator struct {
	cfg       Config
	extractor proposal.Extractor
	logger    *log.Logger
	now       func() time.Time

	mu      sync.Mutex
	ledger  *ledger.Ledger
	state   types.RunState
	runID   string
	gen     int
	runCtx  context.Context
	cancel  context.CancelFunc
	subs    []func(Snapshot)
	turn    *stream.Reconciler
	current types.Stage

	fileName       string
	uploadProgress int
	datasetID      int64
	sourceID       string
	sessionID      int64
	sample         *api.Sample
	answer         string
	ragResult      *api.RetrieveResult
	ragAttempted   bool
	report         *api.Report
	proposal       *types.HitlProposal
	completed      map[types.Stage]bool
	failedStage    types.Stage
	failedMessage  string
	failedErr      *types.StageError
	startedAt      time.Time
	endedAt        time.Time
	messages       []types.ChatMessage
	streamText     string
}

// New creates an orchestrator in the Empty state.
func New(cfg Config) *Orchestrator {
	ext := cfg.Extractor
	if ext == nil {
		ext = proposal.NewHeuristic()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:       cfg,
		extractor: ext,
		logger:    logger,
		now:       now,
		ledger:    ledger.New(""),
		state:     types.RunStateEmpty,
		completed: make(map[types.Stage]bool),
	}
}

// Ledger exposes the run's audit ledger for trace capture wiring.
// The returned ledger is shared; callers must only attach observers
// and read snapshots.
func (o *Orchestrator) Ledger() *ledger.Ledger {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger
}

// Subscribe registers fn to receive a snapshot after every state change.
// Callbacks run outside the orchestrator lock, in mutation order.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

// State returns the current run state.
func (o *Orchestrator) State() types.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// RunID returns the active run identifier, empty when no run is active.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// runInfo returns the identifiers stage runners need, read under the lock.
func (o *Orchestrator) runInfo() (sourceID string, datasetID, sessionID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sourceID, o.datasetID, o.sessionID
}

// StartUpload begins a new run from a source file. Any active run is
// discarded. The upload and subsequent stages execute asynchronously;
// progress and state arrive through Subscribe.
func (o *Orchestrator) StartUpload(fileName string, data []byte) error {
	if fileName == "" {
		return fmt.Errorf("start upload: file name required")
	}
	gen, ctx := o.beginRun(fileName)
	go o.uploadAndRun(ctx, gen, fileName, data)
	return nil
}

// StartWithSample begins a new run from the built-in sample dataset.
func (o *Orchestrator) StartWithSample() error {
	return o.StartUpload(SampleFileName, []byte(SampleCSV))
}

// beginRun resets run state and transitions to Uploading. A superseded
// run's context is canceled so its in-flight calls abort.
func (o *Orchestrator) beginRun(fileName string) (int, context.Context) {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.resetLocked()
	o.gen++
	gen := o.gen
	o.runID = uuid.NewString()
	o.ledger = ledger.NewWithClock(o.runID, o.now)
	if o.cfg.Observer != nil {
		o.ledger.Observe(o.cfg.Observer)
	}
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	ctx := o.runCtx
	o.state = types.RunStateUploading
	o.fileName = fileName
	o.startedAt = o.now()
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Metrics.IncRunStarted()
	o.logger.Info("run started", map[string]any{"run_id": snap.RunID, "file": fileName})
	dispatch(subs, snap)
	return gen, ctx
}

func (o *Orchestrator) uploadAndRun(ctx context.Context, gen int, fileName string, data []byte) {
	dataset, err := o.cfg.Backend.Upload(ctx, fileName, data, func(percent int) {
		o.commit(gen, func() { o.uploadProgress = percent })
	})
	if o.stale(ctx, gen) {
		return
	}
	if err != nil {
		o.logger.Error("upload failed", map[string]any{"error": err.Error()})
		o.commit(gen, func() {
			o.failLocked(types.StageIntake, &types.StageError{
				Stage:   "upload",
				Message: fmt.Sprintf("upload failed: %v", err),
				Err:     err,
			})
		})
		o.publishTerminal(adapter.OutcomeError)
		return
	}

	o.commit(gen, func() {
		o.state = types.RunStateRunning
		o.uploadProgress = 100
		o.datasetID = dataset.ID
		o.sourceID = dataset.SourceID
		o.ledger.Note(types.Milestone{
			Status:  types.MilestoneCompleted,
			Title:   "업로드 완료",
			Subtext: fileName,
		})
	})

	o.runStages(ctx, gen)
}

// runStages executes Intake and the analysis stage, then either suspends
// for a human decision or finishes the run.
func (o *Orchestrator) runStages(ctx context.Context, gen int) {
	if err := o.runIntake(ctx, gen); err != nil {
		return
	}
	needsUser, err := o.runAnalysis(ctx, gen)
	if err != nil || needsUser {
		return
	}
	o.finishRun(ctx, gen)
}

// finishRun executes the enrichment and report stages and commits Success.
func (o *Orchestrator) finishRun(ctx context.Context, gen int) {
	if err := o.runRag(ctx, gen); err != nil {
		return
	}
	if err := o.runReport(ctx, gen); err != nil {
		return
	}
	o.commit(gen, func() {
		o.state = types.RunStateSuccess
		o.endedAt = o.now()
		o.current = ""
	})
	o.cfg.Metrics.IncRunSucceeded()
	o.logger.Info("run succeeded", map[string]any{"run_id": o.RunID()})
	o.publishTerminal(adapter.OutcomeSuccess)
}

func (o *Orchestrator) runIntake(ctx context.Context, gen int) error {
	sourceID, _, _ := o.runInfo()
	args := map[string]any{"source_id": sourceID}
	id := o.beginTool(gen, types.StageIntake, "fetch_sample", args)

	sample, err := o.cfg.Backend.FetchSchema(ctx, sourceID)
	if o.stale(ctx, gen) {
		return types.ErrCanceled
	}
	if err != nil {
		o.failTool(gen, id, types.StageIntake, "fetch_sample", err)
		return err
	}

	result := fmt.Sprintf("%d columns, %d rows", len(sample.Columns), len(sample.Rows))
	o.completeTool(gen, id, types.StageIntake, "fetch_sample", result, func() {
		o.sample = sample
		o.ledger.Note(types.Milestone{
			Status:  types.MilestoneCompleted,
			Title:   "데이터 수집",
			Subtext: result,
		})
	})
	return nil
}

// runAnalysis runs the analysis chat turn, then consults the extractor.
// Returns needsUser=true when the run suspended for a decision.
func (o *Orchestrator) runAnalysis(ctx context.Context, gen int) (bool, error) {
	sourceID, _, _ := o.runInfo()
	req := api.ChatRequest{Question: analysisQuestion, SourceID: &sourceID}
	args := map[string]any{"question": analysisQuestion, "source_id": sourceID}
	id := o.beginTool(gen, types.StagePreprocess, "chat_analysis", args)

	result, err := o.cfg.Backend.Chat(ctx, req)
	if o.stale(ctx, gen) {
		return false, types.ErrCanceled
	}
	if err != nil {
		o.failTool(gen, id, types.StagePreprocess, "chat_analysis", err)
		return false, err
	}

	prop := o.extractor.Analyze(result.Answer)

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false, types.ErrCanceled
	}
	o.sessionID = result.SessionID
	o.answer = result.Answer
	o.messages = append(o.messages,
		types.ChatMessage{Role: "user", Content: analysisQuestion},
		types.ChatMessage{Role: "assistant", Content: result.Answer},
	)
	o.ledger.Complete(id, summarize(result.Answer))
	o.rawLog("tool_result: chat_analysis", map[string]any{"answer": result.Answer, "session_id": result.SessionID}, false)
	if prop != nil {
		o.state = types.RunStateNeedsUser
		o.proposal = prop
		o.current = types.StagePreprocess
		o.ledger.Note(types.Milestone{
			Status:   types.MilestoneNeedsUser,
			Title:    "자동 전처리",
			Subtext:  fmt.Sprintf("승인 대기: %s (%s)", prop.Column, prop.Strategy),
			Selected: true,
		})
	} else {
		o.completed[types.StagePreprocess] = true
		o.ledger.Note(types.Milestone{
			Status:  types.MilestoneCompleted,
			Title:   "자동 전처리",
			Subtext: "조치 불필요",
		})
	}
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Metrics.IncStageSuccess("chat_analysis")
	dispatch(subs, snap)
	return prop != nil, nil
}

func (o *Orchestrator) runRag(ctx context.Context, gen int) error {
	sourceID, _, _ := o.runInfo()
	req := api.RetrieveRequest{Query: ragQuery, TopK: 5, SourceFilter: []string{sourceID}}
	args := map[string]any{"query": ragQuery, "top_k": 5}
	id := o.beginTool(gen, types.StageRag, "rag_query", args)

	result, err := o.cfg.Backend.Retrieve(ctx, req)
	if o.stale(ctx, gen) {
		return types.ErrCanceled
	}
	if err != nil {
		o.failTool(gen, id, types.StageRag, "rag_query", err)
		return err
	}

	chunks := 0
	if result != nil {
		chunks = len(result.RetrievedChunks)
	}
	summary := fmt.Sprintf("%d chunks", chunks)
	o.completeTool(gen, id, types.StageRag, "rag_query", summary, func() {
		o.ragResult = result
		o.ragAttempted = true
		o.ledger.Note(types.Milestone{
			Status:  types.MilestoneCompleted,
			Title:   "RAG 분석",
			Subtext: summary,
		})
	})
	return nil
}

// runReport builds the report. Visualization and Merge resolve with it;
// the backend renders charts and merges results inside report generation.
func (o *Orchestrator) runReport(ctx context.Context, gen int) error {
	_, _, sessionID := o.runInfo()
	args := map[string]any{"session_id": sessionID}
	id := o.beginTool(gen, types.StageReport, "create_report", args)

	report, err := o.cfg.Backend.BuildReport(ctx, api.ReportRequest{SessionID: sessionID})
	if o.stale(ctx, gen) {
		return types.ErrCanceled
	}
	if err != nil {
		o.failTool(gen, id, types.StageReport, "create_report", err)
		return err
	}

	o.completeTool(gen, id, types.StageReport, "create_report", summarize(report.SummaryText), func() {
		o.report = report
		o.completed[types.StageVisualization] = true
		o.completed[types.StageMerge] = true
		o.ledger.Note(types.Milestone{
			Status:  types.MilestoneCompleted,
			Title:   "리포트 생성",
			Subtext: report.ReportID,
		})
	})
	return nil
}

// Approve resumes a suspended run, applying the proposed remediation.
func (o *Orchestrator) Approve() error {
	return o.resume(true, nil)
}

// Reject resumes a suspended run, skipping remediation.
func (o *Orchestrator) Reject() error {
	return o.resume(false, nil)
}

// EditAndResume resumes a suspended run, applying remediation with a
// user-supplied replacement value. An empty overrideText is a real
// override: the remediation imputes with the empty string, not the
// proposed fill value.
func (o *Orchestrator) EditAndResume(overrideText string) error {
	return o.resume(true, &overrideText)
}

// resume leaves NeedsUser. The proposal is cleared at decision time, not
// when remediation completes, so a concurrent cancellation cannot
// resurrect it. The cancellation context is replaced on every resume.
// A nil override falls back to the proposal's fill value.
func (o *Orchestrator) resume(applyRemediation bool, override *string) error {
	o.mu.Lock()
	if o.state != types.RunStateNeedsUser {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("cannot resume from state %q", state)
	}
	prop := o.proposal
	o.proposal = nil
	o.state = types.RunStateRunning
	if o.cancel != nil {
		o.cancel()
	}
	o.gen++
	gen := o.gen
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	ctx := o.runCtx
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	dispatch(subs, snap)
	go o.resumeAfterApproval(ctx, gen, applyRemediation, override, prop)
	return nil
}

func (o *Orchestrator) resumeAfterApproval(ctx context.Context, gen int, applyRemediation bool, override *string, prop *types.HitlProposal) {
	if applyRemediation && prop != nil {
		if err := o.runRemediation(ctx, gen, override, prop); err != nil {
			return
		}
	}
	o.finishRun(ctx, gen)
}

func (o *Orchestrator) runRemediation(ctx context.Context, gen int, override *string, prop *types.HitlProposal) error {
	fillValue := prop.FillValue
	if override != nil {
		fillValue = *override
	}
	op := api.RemediationOperation{
		Op: "impute",
		Params: map[string]any{
			"column":     prop.Column,
			"strategy":   prop.Strategy,
			"fill_value": fillValue,
		},
	}
	_, datasetID, _ := o.runInfo()
	args := map[string]any{"dataset_id": datasetID, "op": "impute", "column": prop.Column}
	id := o.beginTool(gen, types.StagePreprocess, "preprocess_apply", args)

	_, err := o.cfg.Backend.ApplyRemediation(ctx, api.RemediationRequest{
		DatasetID:  datasetID,
		Operations: []api.RemediationOperation{op},
	})
	if o.stale(ctx, gen) {
		return types.ErrCanceled
	}
	if err != nil {
		o.failTool(gen, id, types.StagePreprocess, "preprocess_apply", err)
		return err
	}

	summary := fmt.Sprintf("%s imputed (%s)", prop.Column, prop.Strategy)
	o.completeTool(gen, id, types.StagePreprocess, "preprocess_apply", summary, func() {
		o.ledger.Note(types.Milestone{
			Status:  types.MilestoneCompleted,
			Title:   "자동 전처리",
			Subtext: summary,
		})
	})
	return nil
}

// Retry restarts a failed run from Intake using the same uploaded source.
// Ledger entries from the failed attempt are preserved.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	if o.state != types.RunStateError {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("cannot retry from state %q", state)
	}
	o.state = types.RunStateRunning
	o.failedStage = ""
	o.failedMessage = ""
	o.failedErr = nil
	o.endedAt = time.Time{}
	o.completed = make(map[types.Stage]bool)
	o.proposal = nil
	if o.cancel != nil {
		o.cancel()
	}
	o.gen++
	gen := o.gen
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	ctx := o.runCtx
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Info("run retrying", map[string]any{"run_id": snap.RunID})
	dispatch(subs, snap)
	go o.runStages(ctx, gen)
	return nil
}

// Cancel aborts the active run and returns to Empty. Valid from any
// non-terminal state; safe to call from any state. In-flight calls are
// aborted through the run context and their late results are discarded.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if o.state.IsTerminal() || o.state == types.RunStateEmpty {
		o.mu.Unlock()
		return
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.gen++
	o.resetLocked()
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Metrics.IncRunCanceled()
	o.logger.Info("run canceled", nil)
	dispatch(subs, snap)
}

// Reset returns to Empty from any state, clearing all derived data.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	if o.turn != nil {
		o.turn.Cancel()
	}
	o.gen++
	o.resetLocked()
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	dispatch(subs, snap)
}

// resetLocked clears all run state. Caller holds the lock.
func (o *Orchestrator) resetLocked() {
	o.state = types.RunStateEmpty
	o.runID = ""
	o.ledger = ledger.NewWithClock("", o.now)
	o.runCtx, o.cancel = nil, nil
	o.turn = nil
	o.current = ""
	o.fileName = ""
	o.uploadProgress = 0
	o.datasetID = 0
	o.sourceID = ""
	o.sessionID = 0
	o.sample = nil
	o.answer = ""
	o.ragResult = nil
	o.ragAttempted = false
	o.report = nil
	o.proposal = nil
	o.completed = make(map[types.Stage]bool)
	o.failedStage = ""
	o.failedMessage = ""
	o.failedErr = nil
	o.startedAt = time.Time{}
	o.endedAt = time.Time{}
	o.messages = nil
	o.streamText = ""
}

// SendFollowUp streams one follow-up chat turn against the completed
// session. Valid only from Success. A failed turn marks its tool call
// failed but never changes the run state.
func (o *Orchestrator) SendFollowUp(text string) error {
	o.mu.Lock()
	if o.state != types.RunStateSuccess {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("cannot send follow-up from state %q", state)
	}
	if text == "" {
		o.mu.Unlock()
		return fmt.Errorf("follow-up text required")
	}
	gen := o.gen
	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID := o.sessionID
	sourceID := o.sourceID
	o.messages = append(o.messages, types.ChatMessage{Role: "user", Content: text})
	id := o.ledger.Begin("chat_followup", map[string]any{"question": text, "session_id": sessionID})
	o.rawLog("tool_call: chat_followup", map[string]any{"question": text}, false)
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	dispatch(subs, snap)
	go o.streamFollowUp(ctx, gen, id, text, sessionID, sourceID)
	return nil
}

func (o *Orchestrator) streamFollowUp(ctx context.Context, gen int, id, text string, sessionID int64, sourceID string) {
	req := api.ChatRequest{Question: text, SessionID: &sessionID}
	if sourceID != "" {
		req.SourceID = &sourceID
	}
	body, err := o.cfg.Backend.ChatStream(ctx, req)
	if err != nil {
		o.followUpFailed(gen, id, err)
		return
	}
	defer func() { _ = body.Close() }()

	rec := stream.New(stream.Config{
		Interval:  o.cfg.PaceInterval,
		SliceSize: o.cfg.PaceSlice,
		Logger:    o.logger,
		OnDisplay: func(display string) {
			o.commit(gen, func() { o.streamText = display })
		},
		OnFrame: func(frame sse.Frame) {
			o.cfg.Metrics.IncFramesDecoded()
			if frame.Event == types.EventChunk {
				o.cfg.Metrics.IncChunksReceived()
			}
		},
		OnDecodeError: func(error) {
			o.cfg.Metrics.IncDecodeErrors()
		},
		OnSession: func(sid int64) {
			o.commit(gen, func() { o.sessionID = sid })
		},
		OnFinal: func(final stream.Final) {
			o.commit(gen, func() {
				o.messages = append(o.messages, types.ChatMessage{Role: "assistant", Content: final.Answer})
				o.streamText = ""
				o.turn = nil
				o.ledger.Complete(id, summarize(final.Answer))
				o.rawLog("tool_result: chat_followup", map[string]any{"answer": final.Answer}, false)
			})
			o.cfg.Metrics.IncFinalizations()
			o.cfg.Metrics.IncStageSuccess("chat_followup")
		},
	})

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		rec.Cancel()
		return
	}
	o.turn = rec
	o.mu.Unlock()

	if err := rec.Consume(ctx, body); err != nil && !types.IsCanceled(err) {
		o.followUpFailed(gen, id, err)
	}
}

// followUpFailed records a failed follow-up turn without leaving Success.
func (o *Orchestrator) followUpFailed(gen int, id string, err error) {
	o.commit(gen, func() {
		o.ledger.Fail(id, err.Error())
		o.rawLog("tool_error: chat_followup", map[string]any{"error": err.Error()}, true)
		o.streamText = ""
		o.turn = nil
	})
	o.cfg.Metrics.IncStageFailure("chat_followup")
	o.logger.Warn("follow-up failed", map[string]any{"error": err.Error()})
}

// beginTool records the stage entry and raw-log call record, sets the
// stage pointer and notifies subscribers.
func (o *Orchestrator) beginTool(gen int, stage types.Stage, tool string, args map[string]any) string {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return ""
	}
	id := o.ledger.Begin(tool, args)
	o.rawLog("tool_call: "+tool, args, false)
	o.current = stage
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	dispatch(subs, snap)
	return id
}

// completeTool patches the entry to Completed, marks the stage completed,
// applies extra locked mutation and notifies subscribers.
func (o *Orchestrator) completeTool(gen int, id string, stage types.Stage, tool, result string, extra func()) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.ledger.Complete(id, result)
	o.rawLog("tool_result: "+tool, map[string]any{"result": result}, false)
	o.completed[stage] = true
	if extra != nil {
		extra()
	}
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Metrics.IncStageSuccess(tool)
	dispatch(subs, snap)
}

// failTool patches the entry to Failed and drives the machine to Error.
func (o *Orchestrator) failTool(gen int, id string, stage types.Stage, tool string, err error) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.ledger.Fail(id, err.Error())
	o.rawLog("tool_error: "+tool, map[string]any{"error": err.Error()}, true)
	o.failLocked(stage, &types.StageError{Stage: tool, Message: err.Error(), Err: err})
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Metrics.IncStageFailure(tool)
	o.logger.Error("stage failed", map[string]any{"stage": string(stage), "error": err.Error()})
	dispatch(subs, snap)
	o.publishTerminal(adapter.OutcomeError)
}

// failLocked transitions to Error with the failing stage and cause.
// Caller holds the lock.
func (o *Orchestrator) failLocked(stage types.Stage, cause *types.StageError) {
	o.state = types.RunStateError
	o.failedStage = stage
	o.failedMessage = cause.Message
	o.failedErr = cause
	o.endedAt = o.now()
	o.current = ""
	o.proposal = nil
	o.ledger.Note(types.Milestone{
		Status:   types.MilestoneFailed,
		Title:    stage.Label() + " 실패",
		Subtext:  cause.Message,
		Selected: true,
	})
	o.cfg.Metrics.IncRunFailed()
}

// rawLog appends a raw-log record with the payload JSON-encoded.
// Caller holds the lock.
func (o *Orchestrator) rawLog(label string, payload map[string]any, isError bool) {
	o.ledger.Log(label, payload, isError)
}

// commit applies a locked mutation and notifies subscribers, unless the
// run generation has moved on.
func (o *Orchestrator) commit(gen int, mutate func()) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	mutate()
	snap, subs := o.snapshotLocked()
	o.mu.Unlock()

	dispatch(subs, snap)
}

// stale reports whether a resolved remote call belongs to a superseded
// run. Checked immediately after every suspension point; stale results
// are discarded without mutating ledger or state.
func (o *Orchestrator) stale(ctx context.Context, gen int) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen != gen
}

// publishTerminal sends a RunCompletedEvent to the configured adapter.
func (o *Orchestrator) publishTerminal(outcome string) {
	if o.cfg.Adapter == nil {
		return
	}

	o.mu.Lock()
	event := &adapter.RunCompletedEvent{
		EventType:   "run_completed",
		RunID:       o.runID,
		Source:      o.fileName,
		SourceID:    o.sourceID,
		Outcome:     outcome,
		FailedStage: string(o.failedStage),
		Message:     o.failedMessage,
		SessionID:   o.sessionID,
		Timestamp:   o.now().UTC().Format(time.RFC3339),
		ToolCalls:   len(o.ledger.ToolCalls()),
	}
	if o.report != nil {
		event.ReportID = o.report.ReportID
	}
	if !o.startedAt.IsZero() && !o.endedAt.IsZero() {
		event.DurationMs = o.endedAt.Sub(o.startedAt).Milliseconds()
	}
	o.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.cfg.Adapter.Publish(ctx, event); err != nil {
			o.cfg.Metrics.IncPublishFailure()
			o.logger.Warn("adapter publish failed", map[string]any{"error": err.Error()})
			return
		}
		o.cfg.Metrics.IncPublishSuccess()
	}()
}

// dispatch invokes subscriber callbacks outside the lock.
func dispatch(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}

// summarize shortens free text to a one-line ledger result summary.
// Truncation is rune-aware so multibyte text never splits mid-character.
func summarize(text string) string {
	const max = 120
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}
