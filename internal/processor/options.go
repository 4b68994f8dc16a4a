package processor

import (
	"time"

	"github.com/zoobzio/clockz"

	"github.com/szibis/traces-governor/internal/trace"
)

// Default configuration values.
const (
	DefaultMaxQueueSize       = 2048
	DefaultScheduleDelay      = 5 * time.Second
	DefaultMaxExportBatchSize = 512
	DefaultMaxInFlightExports = 8
)

// StatsCollector is an optional hook the host can provide to observe
// the span pipeline.
type StatsCollector interface {
	Process(batch []trace.Recordable)
	RecordReceived(count int)
	RecordDropped(count int)
	RecordExported(count int)
	RecordExportError()
	SetQueueSize(size int)
}

// Options configures a BatchSpanProcessor. All fields are immutable
// after construction.
type Options struct {
	// MaxQueueSize is the capacity of the span queue. Spans arriving
	// while the queue is full are dropped.
	MaxQueueSize int
	// ScheduleDelay is the maximum time between export cycles.
	ScheduleDelay time.Duration
	// MaxExportBatchSize is the upper bound of spans per export call.
	MaxExportBatchSize int
	// AsyncExport dispatches batches through the exporter's
	// asynchronous interface when it provides one.
	AsyncExport bool
	// MaxInFlightExports bounds concurrent asynchronous exports.
	MaxInFlightExports int
	// Clock supplies monotonic time. Defaults to the real clock.
	Clock clockz.Clock
	// Stats is an optional pipeline stats hook.
	Stats StatsCollector
}

// withDefaults returns a copy of o with zero values replaced by defaults.
func (o Options) withDefaults() Options {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.ScheduleDelay <= 0 {
		o.ScheduleDelay = DefaultScheduleDelay
	}
	if o.MaxExportBatchSize <= 0 {
		o.MaxExportBatchSize = DefaultMaxExportBatchSize
	}
	if o.MaxInFlightExports <= 0 {
		o.MaxInFlightExports = DefaultMaxInFlightExports
	}
	if o.Clock == nil {
		o.Clock = clockz.RealClock
	}
	return o
}
