package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/assay/types"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLedger_BeginRecordsRunningEntry(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewWithClock("run-1", fixedClock(start))

	id := l.Begin("fetch_sample", map[string]any{"source_id": "src-1"})
	if id == "" {
		t.Fatal("Begin should return a non-empty id")
	}

	calls := l.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(calls))
	}
	entry := calls[0]
	if entry.Name != "fetch_sample" {
		t.Errorf("unexpected name %q", entry.Name)
	}
	if entry.Status != types.ToolCallRunning {
		t.Errorf("new entries should be Running, got %v", entry.Status)
	}
	if !strings.Contains(entry.Args, `"source_id":"src-1"`) {
		t.Errorf("args should be JSON encoded, got %q", entry.Args)
	}
	if !entry.StartedAt.Equal(start) {
		t.Errorf("unexpected start time %v", entry.StartedAt)
	}
}

func TestLedger_InsertionOrderPreserved(t *testing.T) {
	l := New("run-1")
	l.Begin("fetch_sample", nil)
	l.Begin("chat_analysis", nil)
	l.Begin("rag_query", nil)

	calls := l.ToolCalls()
	names := []string{calls[0].Name, calls[1].Name, calls[2].Name}
	want := []string{"fetch_sample", "chat_analysis", "rag_query"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
	if l.LastToolName() != "rag_query" {
		t.Errorf("LastToolName should be the most recently issued, got %s", l.LastToolName())
	}
}

func TestLedger_CompleteIsTerminalOnce(t *testing.T) {
	l := New("run-1")
	id := l.Begin("chat_analysis", nil)

	if !l.Complete(id, "200 OK") {
		t.Fatal("first Complete should succeed")
	}
	if l.Complete(id, "again") {
		t.Error("Complete on a terminal entry should be a no-op")
	}
	if l.Fail(id, "late failure") {
		t.Error("Fail after Complete should be a no-op")
	}

	entry := l.ToolCalls()[0]
	if entry.Status != types.ToolCallCompleted || entry.Result != "200 OK" {
		t.Errorf("terminal entry should keep its first result, got %+v", entry)
	}
}

func TestLedger_FailIsTerminalOnce(t *testing.T) {
	l := New("run-1")
	id := l.Begin("rag_query", nil)

	if !l.Fail(id, "timeout") {
		t.Fatal("first Fail should succeed")
	}
	if l.Complete(id, "late success") {
		t.Error("a late completion callback must not overwrite the failure")
	}

	entry := l.ToolCalls()[0]
	if entry.Status != types.ToolCallFailed || entry.Result != "timeout" {
		t.Errorf("unexpected entry after late callback: %+v", entry)
	}
}

func TestLedger_UnknownIDIsNoOp(t *testing.T) {
	l := New("run-1")
	if l.Complete("nope", "x") {
		t.Error("Complete on unknown id should return false")
	}
	if l.Fail("nope", "x") {
		t.Error("Fail on unknown id should return false")
	}
}

func TestLedger_DurationUsesClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewWithClock("run-1", func() time.Time { return now })

	id := l.Begin("create_report", nil)
	now = now.Add(1500 * time.Millisecond)
	l.Complete(id, "done")

	entry := l.ToolCalls()[0]
	if entry.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s duration, got %v", entry.Duration)
	}
}

func TestLedger_NoteFillsZeroTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewWithClock("run-1", fixedClock(now))

	l.Note(types.Milestone{Title: "업로드 완료", Status: types.MilestoneCompleted})
	explicit := now.Add(-time.Minute)
	l.Note(types.Milestone{Title: "데이터 수집", Status: types.MilestoneCompleted, Timestamp: explicit})

	ms := l.Milestones()
	if len(ms) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(ms))
	}
	if !ms[0].Timestamp.Equal(now) {
		t.Errorf("zero timestamp should be filled, got %v", ms[0].Timestamp)
	}
	if !ms[1].Timestamp.Equal(explicit) {
		t.Errorf("explicit timestamp should be preserved, got %v", ms[1].Timestamp)
	}
}

func TestLedger_LogEncodesPayload(t *testing.T) {
	l := New("run-1")
	l.Log("rag_query error", map[string]any{"status": 502, "detail": "bad gateway"}, true)

	logs := l.RawLogs()
	if len(logs) != 1 {
		t.Fatalf("expected 1 raw log, got %d", len(logs))
	}
	if !logs[0].IsError {
		t.Error("error flag should be preserved")
	}
	if !strings.Contains(logs[0].Payload, `"detail": "bad gateway"`) {
		t.Errorf("payload should be indented JSON, got %q", logs[0].Payload)
	}
}

func TestLedger_CompletedCount(t *testing.T) {
	l := New("run-1")
	a := l.Begin("fetch_sample", nil)
	b := l.Begin("chat_analysis", nil)
	l.Begin("rag_query", nil)

	l.Complete(a, "ok")
	l.Fail(b, "boom")

	if got := l.CompletedCount(); got != 1 {
		t.Errorf("only Completed entries count, got %d", got)
	}
}

func TestLedger_ObserverSeesAppendsAndTerminalTransitions(t *testing.T) {
	l := New("run-7")
	var records []types.TraceRecord
	l.Observe(func(rec types.TraceRecord) {
		records = append(records, rec)
	})

	id := l.Begin("preprocess_apply", map[string]any{"op": "impute"})
	l.Complete(id, "ok")
	l.Note(types.Milestone{Title: "조치 불필요", Status: types.MilestoneCompleted})
	l.Log("request", map[string]any{"x": 1}, false)

	if len(records) != 4 {
		t.Fatalf("expected 4 observed records, got %d", len(records))
	}
	kinds := []string{records[0].Kind, records[1].Kind, records[2].Kind, records[3].Kind}
	want := []string{types.TraceKindToolCall, types.TraceKindToolCall, types.TraceKindMilestone, types.TraceKindRawLog}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("record %d: expected kind %s, got %s", i, want[i], kinds[i])
		}
	}
	if records[0].RunID != "run-7" {
		t.Errorf("records should carry the run id, got %q", records[0].RunID)
	}
	if records[0].ToolCall.Status != types.ToolCallRunning {
		t.Errorf("first tool call record should be Running, got %v", records[0].ToolCall.Status)
	}
	if records[1].ToolCall.Status != types.ToolCallCompleted {
		t.Errorf("second tool call record should be Completed, got %v", records[1].ToolCall.Status)
	}
}

func TestLedger_ResetClearsEverything(t *testing.T) {
	l := New("run-1")
	id := l.Begin("fetch_sample", nil)
	l.Complete(id, "ok")
	l.Note(types.Milestone{Title: "업로드 완료", Status: types.MilestoneCompleted})
	l.Log("x", nil, false)

	l.Reset()

	if len(l.ToolCalls()) != 0 || len(l.Milestones()) != 0 || len(l.RawLogs()) != 0 {
		t.Error("Reset should clear all records")
	}
	if l.Complete(id, "late") {
		t.Error("entries from before Reset should be unknown")
	}
}
