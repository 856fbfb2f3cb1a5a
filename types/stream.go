package types

// Stream event names per the chat stream wire format. These names are a
// compatibility surface with the workbench backend and must not change.
const (
	EventSession = "session"
	EventThought = "thought"
	EventChunk   = "chunk"
	EventDone    = "done"
	EventError   = "error"
)

// ThoughtStep is one visible "thinking" step emitted during a chat turn.
type ThoughtStep struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// SessionEvent records the server-assigned session id. Idempotent; the last
// write wins.
type SessionEvent struct {
	SessionID int64 `json:"session_id"`
}

// ThoughtEvent carries one thought step.
type ThoughtEvent struct {
	Step ThoughtStep
}

// ChunkEvent carries an incremental answer delta.
type ChunkEvent struct {
	Delta string `json:"delta"`
}

// DoneEvent carries the authoritative final answer for the turn. Its
// thought-step list, when present, overrides the incremental one.
type DoneEvent struct {
	Answer       string         `json:"answer"`
	SessionID    int64          `json:"session_id"`
	ThoughtSteps []ThoughtStep  `json:"thought_steps,omitempty"`
	// SideEffects carries stage results piggybacked on the done event
	// (preprocess_result, visualization_result).
	SideEffects map[string]any `json:"-"`
}

// ErrorEvent is a fatal condition for the turn.
type ErrorEvent struct {
	Message string `json:"message"`
}

// ChatMessage is one committed entry in the conversation log.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}
