package types

// RunStatus is the derived run-status summary for the presentation layer.
type RunStatus struct {
	// Phase is the current phase label (localized).
	Phase string `json:"phase"`
	// Progress is percent complete, completed calls over expected calls.
	Progress int `json:"progress"`
	// LastTool is the name of the most recently issued tool call.
	LastTool string `json:"last_tool"`
	// Elapsed is the formatted elapsed run time (mm:ss).
	Elapsed string `json:"elapsed"`
}

// StageView is the derived per-stage status row.
type StageView struct {
	Stage    Stage       `json:"stage"`
	Label    string      `json:"label"`
	Status   StageStatus `json:"status"`
	Sublabel string      `json:"sublabel,omitempty"`
	// ToolCount is the number of tool calls attributed to the stage,
	// only populated for running and successful stages.
	ToolCount int `json:"tool_count,omitempty"`
}

// ChipValue is a decision chip state.
type ChipValue string

const (
	ChipOn      ChipValue = "ON"
	ChipDone    ChipValue = "DONE"
	ChipRunning ChipValue = "RUNNING"
	ChipBlocked ChipValue = "BLOCKED"
	ChipFailed  ChipValue = "FAILED"
	ChipFull    ChipValue = "Full"
)

// DecisionChip summarizes one stage (or the run mode) as a single chip.
type DecisionChip struct {
	Stage string    `json:"stage"`
	Value ChipValue `json:"value"`
}

// EvidenceSummary is the derived evidence footer.
type EvidenceSummary struct {
	// Data is the uploaded source name, "-" when absent.
	Data string `json:"data"`
	// Scope is the sampled shape as "rows x cols", "-" when absent.
	Scope string `json:"scope"`
	// Compute is the compute tag plus elapsed time.
	Compute string `json:"compute"`
	// Rag is the retrieval summary ("N chunks") or "OFF".
	Rag string `json:"rag"`
}
