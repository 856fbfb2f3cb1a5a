// Package metrics provides per-run metrics collection.
//
// The Collector accumulates counters during a single analysis run. It is a
// leaf package with no internal dependencies. All increment methods are
// nil-receiver safe so callers never need to guard against an unconfigured
// collector.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all run metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	RunsCanceled  int64

	// Stage execution, keyed by tool name
	StageSuccess map[string]int64
	StageFailure map[string]int64

	// Chat stream
	FramesDecoded  int64
	DecodeErrors   int64
	ChunksReceived int64
	Finalizations  int64

	// Trace capture (per-record)
	TraceWriteSuccess int64
	TraceWriteFailure int64

	// Integration publish (per-event)
	PublishSuccess int64
	PublishFailure int64

	// Dimensions (informational, set at construction)
	RunID   string
	Source  string
	Backend string
}

// Collector accumulates metrics during a single run.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	runsStarted   int64
	runsSucceeded int64
	runsFailed    int64
	runsCanceled  int64

	stageSuccess map[string]int64
	stageFailure map[string]int64

	framesDecoded  int64
	decodeErrors   int64
	chunksReceived int64
	finalizations  int64

	traceWriteSuccess int64
	traceWriteFailure int64

	publishSuccess int64
	publishFailure int64

	runID   string
	source  string
	backend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(runID, source, backend string) *Collector {
	return &Collector{
		stageSuccess: make(map[string]int64),
		stageFailure: make(map[string]int64),
		runID:        runID,
		source:       source,
		backend:      backend,
	}
}

// --- Run lifecycle ---

// IncRunStarted records a run start (upload success or retry).
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsStarted++
	c.mu.Unlock()
}

// IncRunSucceeded records a run reaching the success state.
func (c *Collector) IncRunSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsSucceeded++
	c.mu.Unlock()
}

// IncRunFailed records a run reaching the error state.
func (c *Collector) IncRunFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsFailed++
	c.mu.Unlock()
}

// IncRunCanceled records a user-initiated cancellation.
func (c *Collector) IncRunCanceled() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsCanceled++
	c.mu.Unlock()
}

// --- Stages ---

// IncStageSuccess records a successful stage call by tool name.
func (c *Collector) IncStageSuccess(tool string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stageSuccess[tool]++
	c.mu.Unlock()
}

// IncStageFailure records a failed stage call by tool name.
func (c *Collector) IncStageFailure(tool string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stageFailure[tool]++
	c.mu.Unlock()
}

// --- Chat stream ---

// IncFramesDecoded records one decoded stream frame.
func (c *Collector) IncFramesDecoded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesDecoded++
	c.mu.Unlock()
}

// IncDecodeErrors records an undecodable stream payload.
func (c *Collector) IncDecodeErrors() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.decodeErrors++
	c.mu.Unlock()
}

// IncChunksReceived records one chunk delta.
func (c *Collector) IncChunksReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksReceived++
	c.mu.Unlock()
}

// IncFinalizations records one turn finalization.
func (c *Collector) IncFinalizations() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.finalizations++
	c.mu.Unlock()
}

// --- Trace capture ---
// Trace counters are per-record. A capture write of one record counts as 1.

// IncTraceWriteSuccess records a successful trace record write.
func (c *Collector) IncTraceWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.traceWriteSuccess++
	c.mu.Unlock()
}

// IncTraceWriteFailure records a failed trace record write.
func (c *Collector) IncTraceWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.traceWriteFailure++
	c.mu.Unlock()
}

// --- Integration publish ---

// IncPublishSuccess records a successful run-completed publish.
func (c *Collector) IncPublishSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.publishSuccess++
	c.mu.Unlock()
}

// IncPublishFailure records a failed run-completed publish.
func (c *Collector) IncPublishFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.publishFailure++
	c.mu.Unlock()
}

// Snapshot returns an immutable copy of all counters.
// Nil-receiver safe: returns a zero snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{StageSuccess: map[string]int64{}, StageFailure: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stageSuccess := make(map[string]int64, len(c.stageSuccess))
	for k, v := range c.stageSuccess {
		stageSuccess[k] = v
	}
	stageFailure := make(map[string]int64, len(c.stageFailure))
	for k, v := range c.stageFailure {
		stageFailure[k] = v
	}

	return Snapshot{
		RunsStarted:       c.runsStarted,
		RunsSucceeded:     c.runsSucceeded,
		RunsFailed:        c.runsFailed,
		RunsCanceled:      c.runsCanceled,
		StageSuccess:      stageSuccess,
		StageFailure:      stageFailure,
		FramesDecoded:     c.framesDecoded,
		DecodeErrors:      c.decodeErrors,
		ChunksReceived:    c.chunksReceived,
		Finalizations:     c.finalizations,
		TraceWriteSuccess: c.traceWriteSuccess,
		TraceWriteFailure: c.traceWriteFailure,
		PublishSuccess:    c.publishSuccess,
		PublishFailure:    c.publishFailure,
		RunID:             c.runID,
		Source:            c.source,
		Backend:           c.backend,
	}
}
