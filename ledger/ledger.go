// Package ledger implements the append-only audit ledger.
//
// The ledger records tool invocations, milestone events and raw
// request/response payloads for one run. Entries are append-only; the only
// mutation exposed is the single terminal transition of a tool call, and
// Complete/Fail are idempotent no-ops once an entry is terminal. This
// defends against a canceled-but-still-in-flight completion callback.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/assay/types"
)

// RecordObserver receives every appended or terminally mutated record.
// Called synchronously while the ledger lock is held; observers must not
// call back into the ledger.
type RecordObserver func(rec types.TraceRecord)

// Ledger is the append-only audit record for one run.
type Ledger struct {
	mu       sync.Mutex
	now      func() time.Time
	runID    string
	observer RecordObserver

	toolCalls  []types.ToolCallEntry
	index      map[string]int // tool call id -> slice position
	milestones []types.Milestone
	rawLogs    []types.RawLogEntry
}

// New creates an empty ledger for the given run.
func New(runID string) *Ledger {
	return NewWithClock(runID, time.Now)
}

// NewWithClock creates a ledger with an injected clock. Used for test injection.
func NewWithClock(runID string, now func() time.Time) *Ledger {
	return &Ledger{
		now:   now,
		runID: runID,
		index: make(map[string]int),
	}
}

// Observe registers the capture observer. At most one observer is supported;
// a second call replaces the first.
func (l *Ledger) Observe(fn RecordObserver) {
	l.mu.Lock()
	l.observer = fn
	l.mu.Unlock()
}

// Begin appends a Running tool call entry and returns its id.
func (l *Ledger) Begin(name string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = fmt.Appendf(nil, "%v", args)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := types.ToolCallEntry{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    types.ToolCallRunning,
		Args:      string(encoded),
		StartedAt: l.now(),
	}
	l.index[entry.ID] = len(l.toolCalls)
	l.toolCalls = append(l.toolCalls, entry)
	l.emit(types.TraceKindToolCall, &entry, nil, nil)
	return entry.ID
}

// Complete transitions the entry to Completed with a result summary.
// Returns false without mutating if the entry is unknown or already terminal.
func (l *Ledger) Complete(id, result string) bool {
	return l.finish(id, types.ToolCallCompleted, result)
}

// Fail transitions the entry to Failed with an error summary.
// Returns false without mutating if the entry is unknown or already terminal.
func (l *Ledger) Fail(id, result string) bool {
	return l.finish(id, types.ToolCallFailed, result)
}

func (l *Ledger) finish(id string, status types.ToolCallStatus, result string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return false
	}
	entry := &l.toolCalls[pos]
	if entry.Status.IsTerminal() {
		return false
	}

	entry.Status = status
	entry.Result = result
	entry.Duration = l.now().Sub(entry.StartedAt)
	snapshot := *entry
	l.emit(types.TraceKindToolCall, &snapshot, nil, nil)
	return true
}

// Note appends a milestone. A zero timestamp is filled with the current time.
func (l *Ledger) Note(m types.Milestone) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = l.now()
	}
	l.milestones = append(l.milestones, m)
	l.emit(types.TraceKindMilestone, nil, &m, nil)
}

// Log appends a raw request/response record for developer inspection.
func (l *Ledger) Log(label string, payload map[string]any, isError bool) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		encoded = fmt.Appendf(nil, "%v", payload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := types.RawLogEntry{
		ID:      uuid.NewString(),
		Label:   label,
		Payload: string(encoded),
		IsError: isError,
	}
	l.rawLogs = append(l.rawLogs, entry)
	l.emit(types.TraceKindRawLog, nil, nil, &entry)
}

// emit forwards a record to the observer. Caller holds the lock.
func (l *Ledger) emit(kind string, tc *types.ToolCallEntry, m *types.Milestone, rl *types.RawLogEntry) {
	if l.observer == nil {
		return
	}
	l.observer(types.TraceRecord{
		Kind:      kind,
		Ts:        l.now(),
		RunID:     l.runID,
		ToolCall:  tc,
		Milestone: m,
		RawLog:    rl,
	})
}

// ToolCalls returns a copy of the tool call entries in insertion order.
func (l *Ledger) ToolCalls() []types.ToolCallEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.ToolCallEntry, len(l.toolCalls))
	copy(out, l.toolCalls)
	return out
}

// Milestones returns a copy of the milestones in append order.
func (l *Ledger) Milestones() []types.Milestone {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Milestone, len(l.milestones))
	copy(out, l.milestones)
	return out
}

// RawLogs returns a copy of the raw log entries in append order.
func (l *Ledger) RawLogs() []types.RawLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.RawLogEntry, len(l.rawLogs))
	copy(out, l.rawLogs)
	return out
}

// CompletedCount returns the number of completed tool calls.
func (l *Ledger) CompletedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, tc := range l.toolCalls {
		if tc.Status == types.ToolCallCompleted {
			count++
		}
	}
	return count
}

// LastToolName returns the name of the most recently issued tool call.
func (l *Ledger) LastToolName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.toolCalls) == 0 {
		return ""
	}
	return l.toolCalls[len(l.toolCalls)-1].Name
}

// Reset clears all records. Used when a new run starts.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toolCalls = nil
	l.milestones = nil
	l.rawLogs = nil
	l.index = make(map[string]int)
}
