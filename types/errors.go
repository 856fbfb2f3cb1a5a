package types

import (
	"errors"
	"fmt"
)

// StageError records which stage failed and why. Stage failures are never
// retried automatically; recovery requires an explicit user action.
type StageError struct {
	// Stage is the failing tool name (fetch_sample, chat_analysis, ...).
	Stage string
	// Message is the failure description.
	Message string
	// Err is the underlying error, when available.
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AsStageError extracts a StageError from an error chain.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrStreamTruncated marks a chat stream that ended without a decodable
// done event, so the turn was never committed.
var ErrStreamTruncated = errors.New("stream ended without a done event")

// ErrCanceled marks an operation discarded due to run cancellation.
// Cancellation is distinct from failure: a canceled operation is discarded,
// not reported as an error, and never drives the run to the error state.
var ErrCanceled = errors.New("run canceled")

// IsCanceled returns true if the error chain contains ErrCanceled.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
