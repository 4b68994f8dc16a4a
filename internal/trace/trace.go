// Package trace defines the core span pipeline contracts: the opaque
// recordable span payload, the exporter that produces and consumes it,
// and the processor sitting between span producers and the exporter.
package trace

import (
	"context"
	"time"

	apitrace "go.opentelemetry.io/otel/trace"
)

// SpanContext identifies a span within a trace.
type SpanContext struct {
	TraceID    apitrace.TraceID
	SpanID     apitrace.SpanID
	TraceFlags apitrace.TraceFlags
}

// IsValid reports whether both the trace ID and span ID are non-zero.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// StatusCode is the span completion status.
type StatusCode int32

const (
	// StatusUnset is the default status.
	StatusUnset StatusCode = iota
	// StatusOK marks the span as successfully completed.
	StatusOK
	// StatusError marks the span as failed.
	StatusError
)

// Recordable is an opaque owned span payload. It is produced by the
// exporter's factory, filled in by the span producer, and handed back to
// the exporter in a batch. Ownership passes exclusively at each step;
// the processor in between never inspects it.
type Recordable interface {
	// SetName sets the span name.
	SetName(name string)
	// SetSpanContext sets the span's identity.
	SetSpanContext(sc SpanContext)
	// SetParentSpanID sets the parent span ID, if any.
	SetParentSpanID(id apitrace.SpanID)
	// SetStartTime sets the span start timestamp.
	SetStartTime(t time.Time)
	// SetDuration sets the span duration relative to its start time.
	SetDuration(d time.Duration)
	// SetAttribute records a key/value attribute on the span.
	SetAttribute(key string, value interface{})
	// SetStatus sets the span completion status.
	SetStatus(code StatusCode, description string)
}

// SpanExporter sends batches of completed recordables to a backend.
type SpanExporter interface {
	// MakeRecordable returns a new empty recordable owned by the caller.
	MakeRecordable() Recordable
	// Export sends a batch synchronously. The exporter takes ownership
	// of the batch regardless of the result.
	Export(ctx context.Context, batch []Recordable) error
	// Shutdown stops the exporter. Idempotent.
	Shutdown(ctx context.Context) error
}

// AsyncSpanExporter is implemented by exporters that can send batches
// without blocking the caller. The callback is invoked exactly once with
// the export result, possibly on an arbitrary goroutine.
type AsyncSpanExporter interface {
	SpanExporter
	ExportAsync(batch []Recordable, done func(err error))
}

// SpanProcessor receives completed spans from producers and is
// responsible for getting them to an exporter.
type SpanProcessor interface {
	// MakeRecordable returns a new empty recordable for a producer to fill.
	MakeRecordable() Recordable
	// OnStart is called when a span starts.
	OnStart(rec Recordable, parent SpanContext)
	// OnEnd takes ownership of a completed recordable. It must not block.
	OnEnd(rec Recordable)
	// ForceFlush drains all buffered spans to the exporter, blocking up
	// to timeout. A timeout <= 0 waits indefinitely.
	ForceFlush(timeout time.Duration) error
	// Shutdown terminates the processor, draining buffered spans.
	// Idempotent. A timeout <= 0 waits indefinitely.
	Shutdown(timeout time.Duration) error
}
