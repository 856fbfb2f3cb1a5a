package trace

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/assay/log"
	"github.com/pithecene-io/assay/metrics"
	"github.com/pithecene-io/assay/types"
)

func milestoneRecord(title string) types.TraceRecord {
	return types.TraceRecord{
		Kind:  types.TraceKindMilestone,
		Ts:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RunID: "run-1",
		Milestone: &types.Milestone{
			Status:    types.MilestoneCompleted,
			Title:     title,
			Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	records := []types.TraceRecord{
		sampleRecord(),
		milestoneRecord("업로드 완료"),
		{
			Kind:   types.TraceKindRawLog,
			Ts:     time.Now().UTC(),
			RunID:  "run-1",
			RawLog: &types.RawLogEntry{ID: "rl-1", Label: "tool_call: rag_query", Payload: "{}"},
		},
	}
	for _, rec := range records {
		if err := w.Record(rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Kind != types.TraceKindToolCall || got[1].Kind != types.TraceKindMilestone || got[2].Kind != types.TraceKindRawLog {
		t.Errorf("record kinds out of order: %s %s %s", got[0].Kind, got[1].Kind, got[2].Kind)
	}
	if got[1].Milestone.Title != "업로드 완료" {
		t.Errorf("milestone title mismatch: %q", got[1].Milestone.Title)
	}
}

func TestOpenFile_AppendsAcrossWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trace")

	w1, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w1.Record(milestoneRecord("first")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := w2.Record(milestoneRecord("second")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer func() { _ = r.Close() }()

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records after append, got %d", len(got))
	}
	if got[0].Milestone.Title != "first" || got[1].Milestone.Title != "second" {
		t.Errorf("append order wrong: %q, %q", got[0].Milestone.Title, got[1].Milestone.Title)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestInstrumentedWriter_CountsOutcomes(t *testing.T) {
	collector := metrics.NewCollector("run-1", "test", "")

	var buf bytes.Buffer
	ok := NewInstrumentedWriter(NewWriter(&buf), collector)
	if err := ok.Record(milestoneRecord("x")); err != nil {
		t.Fatalf("record: %v", err)
	}

	bad := NewInstrumentedWriter(NewWriter(failWriter{}), collector)
	if err := bad.Record(milestoneRecord("y")); err == nil {
		t.Error("failing writer should surface the error")
	}

	snap := collector.Snapshot()
	if snap.TraceWriteSuccess != 1 {
		t.Errorf("expected 1 write success, got %d", snap.TraceWriteSuccess)
	}
	if snap.TraceWriteFailure != 1 {
		t.Errorf("expected 1 write failure, got %d", snap.TraceWriteFailure)
	}
}

func TestInstrumentedWriter_ObserverDropsFailures(t *testing.T) {
	collector := metrics.NewCollector("run-1", "test", "")
	bad := NewInstrumentedWriter(NewWriter(failWriter{}), collector)

	// The observer must swallow the error; capture never stalls the run.
	observer := bad.Observer(log.Nop())
	observer(milestoneRecord("dropped"))

	if collector.Snapshot().TraceWriteFailure != 1 {
		t.Error("dropped write should still count as a failure")
	}
}
