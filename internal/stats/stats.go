// Package stats tracks span pipeline counters and unique-trace
// cardinality. A Collector plugs into the processor's stats hook.
package stats

import (
	"sync"

	"github.com/axiomhq/hyperloglog"

	"github.com/szibis/traces-governor/internal/trace"
)

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	SpansReceived uint64
	SpansDropped  uint64
	SpansExported uint64
	ExportErrors  uint64
	QueueSize     int
	// UniqueTraces is the estimated number of distinct trace IDs seen.
	UniqueTraces int64
	// SpanNames holds per-span-name counts.
	SpanNames map[string]uint64
}

// Collector tracks span counts and trace cardinality. Safe for
// concurrent use; the cardinality sketch is HyperLogLog, so UniqueTraces
// is an estimate with fixed memory.
type Collector struct {
	mu sync.Mutex

	spansReceived uint64
	spansDropped  uint64
	spansExported uint64
	exportErrors  uint64
	queueSize     int

	traces    *hyperloglog.Sketch
	spanNames map[string]uint64
}

// NewCollector creates an empty stats collector.
func NewCollector() *Collector {
	return &Collector{
		traces:    hyperloglog.New(),
		spanNames: make(map[string]uint64),
	}
}

// Process inspects a batch on its way to the exporter, tracking unique
// traces and span name distribution. Recordables that are not SpanData
// are counted only by the plain counters.
func (c *Collector) Process(batch []trace.Recordable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range batch {
		sd, ok := rec.(*trace.SpanData)
		if !ok {
			continue
		}
		id := sd.TraceID()
		c.traces.Insert(id[:])
		if name := sd.Name(); name != "" {
			c.spanNames[name]++
		}
	}
}

// RecordReceived counts spans handed to the processor.
func (c *Collector) RecordReceived(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spansReceived += uint64(count)
}

// RecordDropped counts spans the processor dropped.
func (c *Collector) RecordDropped(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spansDropped += uint64(count)
}

// RecordExported counts spans successfully handed to the exporter.
func (c *Collector) RecordExported(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spansExported += uint64(count)
}

// RecordExportError counts failed export calls.
func (c *Collector) RecordExportError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exportErrors++
}

// SetQueueSize records the current processor queue size.
func (c *Collector) SetQueueSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueSize = size
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make(map[string]uint64, len(c.spanNames))
	for k, v := range c.spanNames {
		names[k] = v
	}
	return Snapshot{
		SpansReceived: c.spansReceived,
		SpansDropped:  c.spansDropped,
		SpansExported: c.spansExported,
		ExportErrors:  c.exportErrors,
		QueueSize:     c.queueSize,
		UniqueTraces:  int64(c.traces.Estimate()),
		SpanNames:     names,
	}
}

// Reset clears all counters and the cardinality sketch.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spansReceived = 0
	c.spansDropped = 0
	c.spansExported = 0
	c.exportErrors = 0
	c.queueSize = 0
	c.traces = hyperloglog.New()
	c.spanNames = make(map[string]uint64)
}
