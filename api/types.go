// Package api implements the workbench backend client.
//
// The backend executes the actual analysis; this client only exposes the
// remote stage operations the pipeline core sequences. Request and response
// shapes mirror the backend's JSON schemas.
package api

import "fmt"

// Dataset is the result of uploading a source file.
type Dataset struct {
	ID          int64  `json:"id"`
	SourceID    string `json:"source_id"`
	Filename    string `json:"filename"`
	StoragePath string `json:"storage_path,omitempty"`
	Filesize    *int64 `json:"filesize,omitempty"`
}

// Sample is the sampled schema of an uploaded dataset.
type Sample struct {
	SourceID string           `json:"source_id"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
}

// ChatRequest asks the backend a question, optionally continuing a session.
type ChatRequest struct {
	Question  string  `json:"question"`
	SessionID *int64  `json:"session_id,omitempty"`
	ModelID   *string `json:"model_id,omitempty"`
	SourceID  *string `json:"source_id,omitempty"`
}

// ChatResult is the non-streaming chat answer.
type ChatResult struct {
	Answer    string `json:"answer"`
	SessionID int64  `json:"session_id"`
}

// RagChunk is one retrieved evidence chunk.
type RagChunk struct {
	SourceID string  `json:"source_id"`
	ChunkID  int64   `json:"chunk_id"`
	Score    float64 `json:"score"`
	Snippet  string  `json:"snippet"`
}

// RetrieveRequest queries the retrieval index.
type RetrieveRequest struct {
	Query        string   `json:"query"`
	TopK         int      `json:"top_k,omitempty"`
	SourceFilter []string `json:"source_filter,omitempty"`
}

// RetrieveResult is the retrieval answer. A no-content response yields a
// nil result, not an error.
type RetrieveResult struct {
	Answer          string     `json:"answer"`
	RetrievedChunks []RagChunk `json:"retrieved_chunks"`
	ExecutedAt      string     `json:"executed_at,omitempty"`
}

// RemediationOperation is one preprocessing operation.
type RemediationOperation struct {
	Op     string         `json:"op"`
	Params map[string]any `json:"params"`
}

// RemediationRequest applies preprocessing operations to a dataset.
type RemediationRequest struct {
	DatasetID  int64                  `json:"dataset_id"`
	Operations []RemediationOperation `json:"operations"`
}

// RemediationResult acknowledges an applied remediation.
type RemediationResult struct {
	DatasetID int64 `json:"dataset_id"`
}

// ReportRequest builds a report over a chat session.
type ReportRequest struct {
	SessionID int64 `json:"session_id"`
}

// Report is the generated report summary.
type Report struct {
	ReportID    string `json:"report_id"`
	SessionID   int64  `json:"session_id"`
	SummaryText string `json:"summary_text"`
}

// Error is a non-2xx backend response. Detail carries the backend's
// "detail" field when present.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
