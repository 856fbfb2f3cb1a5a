package trace

import (
	"fmt"
	"io"
	"os"

	"github.com/pithecene-io/assay/types"
)

// Reader decodes trace records from a capture stream.
type Reader struct {
	r      io.Reader
	closer io.Closer
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	reader := &Reader{r: r}
	if c, ok := r.(io.Closer); ok {
		reader.closer = c
	}
	return reader
}

// OpenReader opens the capture file at path for reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open capture file: %w", err)
	}
	return NewReader(f), nil
}

// Next reads and decodes the next record. Returns io.EOF when the
// stream ends cleanly.
func (r *Reader) Next() (*types.TraceRecord, error) {
	payload, err := ReadFrame(r.r)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(payload)
}

// ReadAll decodes all remaining records.
func (r *Reader) ReadAll() ([]types.TraceRecord, error) {
	var records []types.TraceRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, *rec)
	}
}

// Close closes the underlying stream when it is closable.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
