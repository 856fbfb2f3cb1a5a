// Package stream implements the chat stream reconciler.
//
// The reconciler consumes framed server events for one chat turn and
// maintains a display string that advances at a fixed pacing rate,
// independent of when bytes arrive on the wire. A later-arriving
// authoritative final answer is merged with the streamed partial text:
// extensions are appended, divergent answers replace the streamed text
// entirely. Finalization, which commits the turn's text to the conversation
// log, happens exactly once, or not at all if the turn is canceled.
package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/assay/log"
	"github.com/pithecene-io/assay/sse"
	"github.com/pithecene-io/assay/types"
)

// Pacing defaults. The slice size is in runes so multi-byte text (the
// backend answers in Korean) is never split mid-character.
const (
	DefaultInterval  = 30 * time.Millisecond
	DefaultSliceSize = 2
)

// Final is the committed result of one streamed turn.
type Final struct {
	// Answer is the best available text: the final answer, else the
	// accumulated stream, else the displayed text.
	Answer string
	// SessionID is the server-assigned session id, 0 if never received.
	SessionID int64
	// ThoughtSteps is the de-duplicated thought list for the turn.
	ThoughtSteps []types.ThoughtStep
	// SideEffects carries stage results piggybacked on the done event.
	SideEffects map[string]any
}

// TurnError is a fatal error event received on the stream.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("chat turn failed: %s", e.Message)
}

// Config configures a reconciler for one turn.
//
// Callbacks are invoked from the consuming goroutine and from the pacing
// task; they must be fast and safe to call from either.
type Config struct {
	// Interval is the pacing tick interval (default DefaultInterval).
	Interval time.Duration
	// SliceSize is the number of runes released per tick (default
	// DefaultSliceSize).
	SliceSize int
	// Logger receives protocol warnings. Optional.
	Logger *log.Logger

	// OnDisplay is invoked with the full display string whenever it changes.
	OnDisplay func(text string)
	// OnThought is invoked with the full thought list whenever it grows.
	OnThought func(steps []types.ThoughtStep)
	// OnSession is invoked when the server assigns a session id.
	OnSession func(id int64)
	// OnFrame receives every raw frame, for the raw log surface.
	OnFrame func(frame sse.Frame)
	// OnDecodeError is invoked when a frame's payload fails to decode.
	OnDecodeError func(err error)
	// OnFinal is invoked exactly once when the turn finalizes.
	OnFinal func(final Final)
}

// Reconciler reconciles one chat turn. Not reusable across turns.
type Reconciler struct {
	cfg Config

	mu           sync.Mutex
	sessionID    int64
	thoughts     []types.ThoughtStep
	seenThoughts map[string]struct{}
	confirmed    strings.Builder // all streamed deltas, in arrival order
	pending      []rune          // streamed but not yet displayed
	display      []rune
	doneReceived bool
	done         *types.DoneEvent
	finalized    bool
	canceled     bool
	pacing       bool
	stopPacing   chan struct{}
}

// New creates a reconciler for one chat turn.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SliceSize <= 0 {
		cfg.SliceSize = DefaultSliceSize
	}
	return &Reconciler{
		cfg:          cfg,
		seenThoughts: make(map[string]struct{}),
	}
}

// Consume reads the stream to completion and applies every event.
//
// Returns nil on a cleanly finished turn, *TurnError if the server emitted
// an error event, types.ErrCanceled (wrapped) if ctx was canceled,
// types.ErrStreamTruncated if the stream ended without a decoded done
// event, or the stream read error otherwise. Finalization is re-checked
// after the stream
// is fully read, so a done event arriving in the final block still commits
// even if the pacing task has already drained.
func (r *Reconciler) Consume(ctx context.Context, body io.Reader) error {
	decoder := sse.NewDecoder(body)

	for {
		if err := ctx.Err(); err != nil {
			r.Cancel()
			return fmt.Errorf("%w: %v", types.ErrCanceled, err)
		}

		frame, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				r.Cancel()
				return fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
			}
			r.abandon()
			return err
		}

		if r.cfg.OnFrame != nil {
			r.cfg.OnFrame(*frame)
		}

		event, decErr := sse.DecodeEvent(frame)
		if decErr != nil {
			r.warn("undecodable stream event", map[string]any{
				"event": frame.Event,
				"error": decErr.Error(),
			})
			if r.cfg.OnDecodeError != nil {
				r.cfg.OnDecodeError(decErr)
			}
			continue
		}

		switch ev := event.(type) {
		case *types.SessionEvent:
			r.handleSession(ev.SessionID)
		case *types.ThoughtEvent:
			r.handleThought(ev.Step)
		case *types.ChunkEvent:
			r.handleChunk(ev.Delta)
		case *types.DoneEvent:
			r.handleDone(ev)
		case *types.ErrorEvent:
			r.abandon()
			return &TurnError{Message: ev.Message}
		default:
			// Unknown event names are tolerated.
		}
	}

	r.mu.Lock()
	received := r.doneReceived
	r.mu.Unlock()
	if !received {
		// The server closed the stream without committing the turn, either
		// by dropping the connection or by sending an undecodable done
		// payload. The turn must not vanish silently.
		r.abandon()
		return types.ErrStreamTruncated
	}

	r.maybeFinalize()
	return nil
}

// Cancel abandons the turn: the pacing task stops and no finalization will
// occur. Safe to call from any state, any number of times.
func (r *Reconciler) Cancel() {
	r.mu.Lock()
	r.canceled = true
	r.stopPacingLocked()
	r.mu.Unlock()
}

// abandon stops pacing on a failed turn without marking it canceled.
func (r *Reconciler) abandon() {
	r.mu.Lock()
	r.canceled = true
	r.stopPacingLocked()
	r.mu.Unlock()
}

// Display returns the current display string.
func (r *Reconciler) Display() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.display)
}

// SessionID returns the last session id written by the stream, 0 if none.
func (r *Reconciler) SessionID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Thoughts returns a copy of the de-duplicated thought list.
func (r *Reconciler) Thoughts() []types.ThoughtStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ThoughtStep, len(r.thoughts))
	copy(out, r.thoughts)
	return out
}

// Finalized reports whether the turn has committed its message.
func (r *Reconciler) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// --- event handling ---

// handleSession records the server-assigned session id. Last write wins.
func (r *Reconciler) handleSession(id int64) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
	if r.cfg.OnSession != nil {
		r.cfg.OnSession(id)
	}
}

// handleThought appends a thought step, de-duplicated by phase+message.
func (r *Reconciler) handleThought(step types.ThoughtStep) {
	key := step.Phase + "\x00" + step.Message

	r.mu.Lock()
	if _, dup := r.seenThoughts[key]; dup {
		r.mu.Unlock()
		return
	}
	r.seenThoughts[key] = struct{}{}
	r.thoughts = append(r.thoughts, step)
	steps := make([]types.ThoughtStep, len(r.thoughts))
	copy(steps, r.thoughts)
	r.mu.Unlock()

	if r.cfg.OnThought != nil {
		r.cfg.OnThought(steps)
	}
}

// handleChunk appends the delta to the confirmed stream and the pending
// display queue, starting the pacing task if needed.
func (r *Reconciler) handleChunk(delta string) {
	if delta == "" {
		return
	}
	r.mu.Lock()
	r.confirmed.WriteString(delta)
	r.pending = append(r.pending, []rune(delta)...)
	r.startPacingLocked()
	r.mu.Unlock()
}

// handleDone records the authoritative final answer and reconciles it
// against the streamed text:
//   - nothing streamed yet: seed the pending queue with the full answer
//   - answer extends the streamed text: enqueue only the suffix
//   - answer diverges (model revised or retried): discard the streamed
//     text, reset the display and enqueue the full answer
func (r *Reconciler) handleDone(ev *types.DoneEvent) {
	var resetDisplay bool

	r.mu.Lock()
	r.doneReceived = true
	r.done = ev
	if ev.SessionID != 0 {
		r.sessionID = ev.SessionID
	}
	if len(ev.ThoughtSteps) > 0 {
		// The final list overrides the incremental one.
		r.thoughts = nil
		r.seenThoughts = make(map[string]struct{})
		for _, step := range ev.ThoughtSteps {
			key := step.Phase + "\x00" + step.Message
			if _, dup := r.seenThoughts[key]; dup {
				continue
			}
			r.seenThoughts[key] = struct{}{}
			r.thoughts = append(r.thoughts, step)
		}
	}

	streamed := r.confirmed.String()
	if strings.HasPrefix(ev.Answer, streamed) {
		if suffix := ev.Answer[len(streamed):]; suffix != "" {
			r.pending = append(r.pending, []rune(suffix)...)
		}
	} else {
		r.display = nil
		r.pending = []rune(ev.Answer)
		resetDisplay = true
	}
	if len(r.pending) > 0 {
		r.startPacingLocked()
	}
	r.mu.Unlock()

	if resetDisplay && r.cfg.OnDisplay != nil {
		r.cfg.OnDisplay("")
	}
	// An empty pending queue means there is nothing left to pace out; the
	// finalization check after the stream is read will commit the turn.
}

// --- pacing ---

// startPacingLocked launches the pacing task if it is not running.
// Caller holds the lock.
func (r *Reconciler) startPacingLocked() {
	if r.pacing || r.canceled || r.finalized {
		return
	}
	r.pacing = true
	r.stopPacing = make(chan struct{})
	go r.paceLoop(r.stopPacing)
}

// stopPacingLocked signals the pacing task to exit. Caller holds the lock.
func (r *Reconciler) stopPacingLocked() {
	if !r.pacing {
		return
	}
	r.pacing = false
	close(r.stopPacing)
	r.stopPacing = nil
}

// paceLoop releases a fixed slice of pending runes per tick. It stops
// itself once the pending queue is empty and the done event has arrived.
func (r *Reconciler) paceLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if r.tick() {
				return
			}
		}
	}
}

// tick advances the display by one slice and checks the finalization
// condition. Returns true when the loop should stop.
func (r *Reconciler) tick() bool {
	var (
		displayText string
		advanced    bool
		final       *Final
	)

	r.mu.Lock()
	if r.canceled || !r.pacing {
		r.mu.Unlock()
		return true
	}

	if n := min(r.cfg.SliceSize, len(r.pending)); n > 0 {
		r.display = append(r.display, r.pending[:n]...)
		r.pending = r.pending[n:]
		displayText = string(r.display)
		advanced = true
	}

	drained := len(r.pending) == 0 && r.doneReceived
	if drained {
		final = r.finalizeLocked()
		r.pacing = false
		r.stopPacing = nil
	}
	r.mu.Unlock()

	if advanced && r.cfg.OnDisplay != nil {
		r.cfg.OnDisplay(displayText)
	}
	if final != nil && r.cfg.OnFinal != nil {
		r.cfg.OnFinal(*final)
	}
	return drained
}

// maybeFinalize commits the turn if the pending queue is drained and done
// has arrived. Called after the stream is fully read, so finalization is
// guaranteed even when done arrives after the socket closes with no further
// ticks. The finalized flag makes the two call sites race-safe.
func (r *Reconciler) maybeFinalize() {
	r.mu.Lock()
	var final *Final
	if len(r.pending) == 0 && r.doneReceived {
		final = r.finalizeLocked()
		r.stopPacingLocked()
	}
	r.mu.Unlock()

	if final != nil && r.cfg.OnFinal != nil {
		r.cfg.OnFinal(*final)
	}
}

// finalizeLocked marks the turn finalized and builds the committed result.
// Returns nil if finalization already happened or the turn was canceled.
// Caller holds the lock.
func (r *Reconciler) finalizeLocked() *Final {
	if r.finalized || r.canceled {
		return nil
	}
	r.finalized = true

	answer := ""
	var sideEffects map[string]any
	if r.done != nil {
		answer = r.done.Answer
		sideEffects = r.done.SideEffects
	}
	if answer == "" {
		answer = r.confirmed.String()
	}
	if answer == "" {
		answer = string(r.display)
	}

	steps := make([]types.ThoughtStep, len(r.thoughts))
	copy(steps, r.thoughts)

	return &Final{
		Answer:       answer,
		SessionID:    r.sessionID,
		ThoughtSteps: steps,
		SideEffects:  sideEffects,
	}
}

func (r *Reconciler) warn(msg string, fields map[string]any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Warn(msg, fields)
	}
}
