package trace

import (
	"github.com/pithecene-io/assay/ledger"
	"github.com/pithecene-io/assay/log"
	"github.com/pithecene-io/assay/metrics"
	"github.com/pithecene-io/assay/types"
)

// InstrumentedWriter wraps a Writer and records capture metrics.
// Each Record call increments trace_write_success or trace_write_failure
// on the metrics collector.
type InstrumentedWriter struct {
	inner     *Writer
	collector *metrics.Collector
}

// NewInstrumentedWriter wraps a writer with metrics instrumentation.
func NewInstrumentedWriter(inner *Writer, collector *metrics.Collector) *InstrumentedWriter {
	return &InstrumentedWriter{inner: inner, collector: collector}
}

// Record delegates to the inner writer and records success or failure.
func (w *InstrumentedWriter) Record(rec types.TraceRecord) error {
	err := w.inner.Record(rec)
	if err != nil {
		w.collector.IncTraceWriteFailure()
	} else {
		w.collector.IncTraceWriteSuccess()
	}
	return err
}

// Close delegates to the inner writer.
func (w *InstrumentedWriter) Close() error {
	return w.inner.Close()
}

// Observer returns a ledger observer that captures every record.
// Write failures are logged and dropped; trace capture must never stall
// the run.
func (w *InstrumentedWriter) Observer(logger *log.Logger) ledger.RecordObserver {
	return func(rec types.TraceRecord) {
		if err := w.Record(rec); err != nil && logger != nil {
			logger.Warn("trace write failed", map[string]any{"error": err.Error()})
		}
	}
}
