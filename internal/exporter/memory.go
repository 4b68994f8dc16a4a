package exporter

import (
	"context"
	"sync"

	"github.com/szibis/traces-governor/internal/logging"
	"github.com/szibis/traces-governor/internal/trace"
)

// DefaultMemoryBufferSize bounds the in-memory exporter's span storage.
const DefaultMemoryBufferSize = 100

// InMemorySpanExporter keeps received spans in memory, batch by batch.
// It is the recording exporter used by tests and local development.
// When the buffer is full the oldest spans are discarded.
type InMemorySpanExporter struct {
	mu         sync.Mutex
	bufferSize int
	spans      []*trace.SpanData
	batchSizes []int
	isShutdown bool
}

var (
	_ trace.SpanExporter      = (*InMemorySpanExporter)(nil)
	_ trace.AsyncSpanExporter = (*InMemorySpanExporter)(nil)
)

// NewInMemorySpanExporter returns an exporter holding at most
// bufferSize spans; bufferSize <= 0 selects DefaultMemoryBufferSize.
func NewInMemorySpanExporter(bufferSize int) *InMemorySpanExporter {
	if bufferSize <= 0 {
		bufferSize = DefaultMemoryBufferSize
	}
	return &InMemorySpanExporter{bufferSize: bufferSize}
}

// MakeRecordable returns a new empty span payload.
func (e *InMemorySpanExporter) MakeRecordable() trace.Recordable {
	return trace.NewSpanData()
}

// Export stores a batch. It fails once the exporter is shut down.
func (e *InMemorySpanExporter) Export(_ context.Context, batch []trace.Recordable) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isShutdown {
		logging.Error("in-memory exporter rejecting batch, exporter is shut down", logging.F(
			"batch_size", len(batch),
		))
		return ErrShutdown
	}

	stored := 0
	for _, rec := range batch {
		sd, ok := rec.(*trace.SpanData)
		if !ok {
			continue
		}
		e.spans = append(e.spans, sd)
		stored++
	}
	e.batchSizes = append(e.batchSizes, stored)
	if excess := len(e.spans) - e.bufferSize; excess > 0 {
		e.spans = append(e.spans[:0:0], e.spans[excess:]...)
	}
	return nil
}

// ExportAsync stores the batch synchronously and invokes the callback
// before returning.
func (e *InMemorySpanExporter) ExportAsync(batch []trace.Recordable, done func(err error)) {
	done(e.Export(context.Background(), batch))
}

// Shutdown marks the exporter as shut down. Idempotent.
func (e *InMemorySpanExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isShutdown = true
	return nil
}

// Spans returns a copy of the stored spans in arrival order.
func (e *InMemorySpanExporter) Spans() []*trace.SpanData {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*trace.SpanData, len(e.spans))
	copy(out, e.spans)
	return out
}

// BatchSizes returns the size of every batch received so far.
func (e *InMemorySpanExporter) BatchSizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.batchSizes))
	copy(out, e.batchSizes)
	return out
}

// Reset discards stored spans and batch history.
func (e *InMemorySpanExporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = nil
	e.batchSizes = nil
}
