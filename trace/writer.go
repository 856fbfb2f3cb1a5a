package trace

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pithecene-io/assay/types"
)

// Writer appends trace records to a stream as length-prefixed frames.
// Safe for concurrent use; ledger observers may fire from multiple
// goroutines.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewWriter creates a writer over w.
func NewWriter(w io.Writer) *Writer {
	writer := &Writer{w: w}
	if c, ok := w.(io.Closer); ok {
		writer.closer = c
	}
	return writer
}

// OpenFile creates a writer appending to the capture file at path.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open capture file: %w", err)
	}
	return NewWriter(f), nil
}

// Record encodes and appends one trace record.
func (w *Writer) Record(rec types.TraceRecord) error {
	frame, err := EncodeRecord(&rec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("trace: write frame: %w", err)
	}
	return nil
}

// Close closes the underlying stream when it is closable.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
