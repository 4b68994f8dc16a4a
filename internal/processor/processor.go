// Package processor implements the batching span processor: a
// lock-minimized multi-producer ingestion path feeding a single
// background worker that exports spans in bounded batches on a periodic
// cadence, with synchronous force-flush and orderly shutdown.
package processor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/szibis/traces-governor/internal/logging"
	"github.com/szibis/traces-governor/internal/ring"
	"github.com/szibis/traces-governor/internal/trace"
)

var (
	// ErrAlreadyShutdown is returned by ForceFlush after Shutdown.
	ErrAlreadyShutdown = errors.New("processor is shut down")
	// ErrFlushTimeout is returned when ForceFlush did not observe a
	// completed flush cycle within its timeout.
	ErrFlushTimeout = errors.New("force flush timed out")
)

// syncState is the synchronization block shared between producers, the
// worker, flushers, and shutdowners. Control flags are atomics with the
// wake channels providing the cross-goroutine wakeups; a buffered
// channel of capacity one gives notify-one semantics without losing a
// wake issued while the waiter is not yet blocked.
type syncState struct {
	isShutdown                    atomic.Bool
	isForceFlushPending           atomic.Bool
	isForceFlushNotified          atomic.Bool
	isForceWakeupBackgroundWorker atomic.Bool

	workerWake  chan struct{}
	flushSignal chan struct{}
	shutdownMu  sync.Mutex
}

func newSyncState() *syncState {
	return &syncState{
		workerWake:  make(chan struct{}, 1),
		flushSignal: make(chan struct{}, 1),
	}
}

// wakeWorker nudges the background worker without blocking.
func (s *syncState) wakeWorker() {
	select {
	case s.workerWake <- struct{}{}:
	default:
	}
}

// signalFlush nudges a waiting flusher without blocking.
func (s *syncState) signalFlush() {
	select {
	case s.flushSignal <- struct{}{}:
	default:
	}
}

// BatchSpanProcessor buffers completed spans in a bounded queue and
// exports them in batches from a dedicated worker goroutine. Producers
// never block: a full queue drops the newest span.
type BatchSpanProcessor struct {
	exporter      trace.SpanExporter
	asyncExporter trace.AsyncSpanExporter
	opts          Options
	clock         clockz.Clock
	stats         StatsCollector

	buffer  *ring.CircularBuffer[trace.Recordable]
	state   *syncState
	permits *permitPool

	workerDone   chan struct{}
	workerJoined bool
}

var _ trace.SpanProcessor = (*BatchSpanProcessor)(nil)

// New creates a BatchSpanProcessor owning exporter and starts its
// worker goroutine. The processor must be shut down to release the
// worker and the exporter.
func New(exporter trace.SpanExporter, opts Options) *BatchSpanProcessor {
	opts = opts.withDefaults()
	p := &BatchSpanProcessor{
		exporter:   exporter,
		opts:       opts,
		clock:      opts.Clock,
		stats:      opts.Stats,
		buffer:     ring.New[trace.Recordable](opts.MaxQueueSize),
		state:      newSyncState(),
		workerDone: make(chan struct{}),
	}
	if opts.AsyncExport {
		if ae, ok := exporter.(trace.AsyncSpanExporter); ok {
			p.asyncExporter = ae
			p.permits = newPermitPool(opts.MaxInFlightExports)
		} else {
			logging.Warn("async export enabled but exporter has no async interface, using sync export")
		}
	}
	go p.worker()
	return p
}

// MakeRecordable returns a new empty recordable from the exporter's
// factory.
func (p *BatchSpanProcessor) MakeRecordable() trace.Recordable {
	return p.exporter.MakeRecordable()
}

// OnStart is a no-op; spans are batched on end.
func (p *BatchSpanProcessor) OnStart(trace.Recordable, trace.SpanContext) {}

// OnEnd takes ownership of a completed recordable and offers it to the
// queue. It never blocks and never fails observably: spans arriving
// after shutdown or against a full queue are dropped.
func (p *BatchSpanProcessor) OnEnd(rec trace.Recordable) {
	if rec == nil {
		return
	}
	if p.state.isShutdown.Load() {
		spansDroppedTotal.WithLabelValues(dropReasonShutdown).Inc()
		if p.stats != nil {
			p.stats.RecordDropped(1)
		}
		return
	}
	spansReceivedTotal.Inc()
	if p.stats != nil {
		p.stats.RecordReceived(1)
	}
	if !p.buffer.Add(rec) {
		spansDroppedTotal.WithLabelValues(dropReasonQueueFull).Inc()
		if p.stats != nil {
			p.stats.RecordDropped(1)
		}
		return
	}

	// A preemptive wakeup once the queue is half full or holds a full
	// batch keeps the worker ahead of the timer under load.
	size := p.buffer.Size()
	queueSize.Set(float64(size))
	if p.stats != nil {
		p.stats.SetQueueSize(size)
	}
	if size >= p.opts.MaxQueueSize/2 || size >= p.opts.MaxExportBatchSize {
		p.state.wakeWorker()
	}
}

// ForceFlush drains every span buffered before the call and blocks
// until the worker acknowledges the flush, up to timeout. A timeout
// <= 0 waits indefinitely in bounded steps of ScheduleDelay.
func (p *BatchSpanProcessor) ForceFlush(timeout time.Duration) error {
	s := p.state
	if s.isShutdown.Load() {
		return ErrAlreadyShutdown
	}
	forceFlushTotal.Inc()

	s.isForceFlushPending.Store(true)

	satisfied := func() bool {
		return s.isShutdown.Load() || s.isForceFlushNotified.Load()
	}
	// Keep nudging the worker while our request is outstanding, so it
	// prefers waking over sleeping even if it was mid-wait.
	kick := func() {
		if s.isForceFlushPending.Load() {
			s.isForceWakeupBackgroundWorker.Store(true)
			s.wakeWorker()
		}
	}

	completed := true
	if timeout <= 0 {
		for !satisfied() {
			kick()
			select {
			case <-s.flushSignal:
			case <-p.clock.After(p.opts.ScheduleDelay):
			}
		}
	} else {
		expired := p.clock.After(timeout)
	wait:
		for !satisfied() {
			kick()
			select {
			case <-s.flushSignal:
			case <-expired:
				completed = satisfied()
				break wait
			}
		}
	}

	// If the worker already consumed the pending flag it is about to
	// set the notified flag; spin briefly to close that window.
	if !s.isForceFlushPending.Swap(false) {
		for i := 0; !s.isForceFlushNotified.Load(); i++ {
			if i&127 == 127 {
				runtime.Gosched()
			}
		}
	}
	s.isForceFlushNotified.Store(false)

	if !completed {
		return ErrFlushTimeout
	}
	return nil
}

// Shutdown terminates the processor: it wakes and joins the worker
// (which drains the queue), waits for outstanding asynchronous exports,
// and shuts the exporter down exactly once. Idempotent; repeat calls
// return nil. A timeout <= 0 waits indefinitely.
func (p *BatchSpanProcessor) Shutdown(timeout time.Duration) error {
	start := p.clock.Now()
	p.state.shutdownMu.Lock()
	defer p.state.shutdownMu.Unlock()

	alreadyShutdown := p.state.isShutdown.Swap(true)

	if !p.workerJoined {
		p.state.isForceWakeupBackgroundWorker.Store(true)
		p.state.wakeWorker()
		<-p.workerDone
		p.workerJoined = true
	}

	if p.permits != nil {
		remaining := adjustTimeout(timeout, p.clock.Now().Sub(start))
		if !p.permits.awaitIdle(p.clock, remaining) {
			logging.Warn("shutdown timed out waiting for in-flight async exports")
		}
	}

	if !alreadyShutdown {
		remaining := adjustTimeout(timeout, p.clock.Now().Sub(start))
		ctx := context.Background()
		if remaining > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, remaining)
			defer cancel()
		}
		return p.exporter.Shutdown(ctx)
	}
	return nil
}

// Close shuts the processor down with no time bound. It implements
// io.Closer so the processor can sit in a defer chain.
func (p *BatchSpanProcessor) Close() error {
	return p.Shutdown(0)
}

// adjustTimeout subtracts elapsed from timeout, keeping the "<= 0 means
// indefinite" convention: an exhausted finite timeout becomes one
// microsecond rather than zero.
func adjustTimeout(timeout, elapsed time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if timeout > elapsed {
		return timeout - elapsed
	}
	return time.Microsecond
}

// worker is the single consumer goroutine. It alternates between a
// bounded timed wait and an export pass, compensating the next wait for
// the time the export took so the cadence stays near ScheduleDelay.
func (p *BatchSpanProcessor) worker() {
	defer close(p.workerDone)

	timeout := p.opts.ScheduleDelay
	for {
		p.waitForWake(timeout)

		if p.state.isShutdown.Load() {
			p.drainQueue()
			return
		}

		start := p.clock.Now()
		p.export()
		elapsed := p.clock.Now().Sub(start)

		timeout = p.opts.ScheduleDelay - elapsed
		if timeout < time.Microsecond {
			timeout = time.Microsecond
		}
	}
}

// waitForWake sleeps until a demand wakeup, a non-empty queue, or the
// timeout, then clears the demand-wake flag.
func (p *BatchSpanProcessor) waitForWake(timeout time.Duration) {
	if !p.state.isForceWakeupBackgroundWorker.Load() && p.buffer.Empty() {
		select {
		case <-p.state.workerWake:
		case <-p.clock.After(timeout):
		}
	}
	p.state.isForceWakeupBackgroundWorker.Store(false)
	// Swallow a wake token issued during the export pass so it does not
	// force an extra empty cycle.
	select {
	case <-p.state.workerWake:
	default:
	}
}

// export runs batches until a pass finds the queue empty. A pass that
// honors a force-flush request takes the whole queue at once; any other
// pass takes at most MaxExportBatchSize spans. Each pass decides up
// front whether it is honoring a flush by atomically taking the pending
// flag.
func (p *BatchSpanProcessor) export() {
	for {
		honoringFlush := p.state.isForceFlushPending.Swap(false)

		max := p.buffer.Size()
		if !honoringFlush && max > p.opts.MaxExportBatchSize {
			max = p.opts.MaxExportBatchSize
		}
		if max == 0 {
			p.notifyCompletion(honoringFlush)
			return
		}

		batch := p.buffer.Consume(max)
		queueSize.Set(float64(p.buffer.Size()))
		if p.stats != nil {
			p.stats.SetQueueSize(p.buffer.Size())
			p.stats.Process(batch)
		}

		if p.asyncExporter == nil {
			p.exportSync(batch)
			p.notifyCompletion(honoringFlush)
			continue
		}

		id := p.permits.acquire(p.clock, p.opts.ScheduleDelay)
		if id == 0 {
			// Permit pool exhausted for a full ScheduleDelay. The batch
			// is dropped, and a waiting flusher is still notified so it
			// is not stranded behind a slow exporter.
			spansDroppedTotal.WithLabelValues(dropReasonNoPermit).Add(float64(len(batch)))
			if p.stats != nil {
				p.stats.RecordDropped(len(batch))
			}
			logging.Warn("async export permits exhausted, dropping batch", logging.F(
				"batch_size", len(batch),
				"max_in_flight", p.opts.MaxInFlightExports,
			))
			p.notifyCompletion(honoringFlush)
			continue
		}

		asyncExportsInFlight.Inc()
		state, permits := p.state, p.permits
		size := len(batch)
		p.asyncExporter.ExportAsync(batch, func(err error) {
			// May run on any goroutine, possibly after the processor has
			// been shut down; everything it touches is non-blocking.
			if err != nil {
				spanExportErrorsTotal.Inc()
				logging.Error("async span export failed", logging.F(
					"error", err.Error(),
					"batch_size", size,
				))
			} else {
				spansExportedTotal.Add(float64(size))
				spanBatchesTotal.Inc()
			}
			asyncExportsInFlight.Dec()
			permits.release(id)
			notifyCompletion(state, honoringFlush)
		})
	}
}

// exportSync dispatches one batch through the synchronous exporter path.
func (p *BatchSpanProcessor) exportSync(batch []trace.Recordable) {
	if err := p.exporter.Export(context.Background(), batch); err != nil {
		spanExportErrorsTotal.Inc()
		if p.stats != nil {
			p.stats.RecordExportError()
		}
		logging.Error("span export failed", logging.F(
			"error", err.Error(),
			"batch_size", len(batch),
		))
		return
	}
	spansExportedTotal.Add(float64(len(batch)))
	spanBatchesTotal.Inc()
	if p.stats != nil {
		p.stats.RecordExported(len(batch))
	}
}

func (p *BatchSpanProcessor) notifyCompletion(honoringFlush bool) {
	notifyCompletion(p.state, honoringFlush)
}

// notifyCompletion signals a waiting flusher that a flush-honoring
// batch has completed. Free-standing so async callbacks can capture the
// synchronization block without holding the whole processor alive.
func notifyCompletion(s *syncState, honoringFlush bool) {
	if s == nil {
		return
	}
	if honoringFlush {
		s.isForceFlushNotified.Store(true)
		s.signalFlush()
	}
}

// drainQueue runs on the shutdown path: it keeps exporting until the
// queue is empty and no late flush request is outstanding, so both
// buffered spans and a racing ForceFlush are honored before the worker
// exits.
func (p *BatchSpanProcessor) drainQueue() {
	for !p.buffer.Empty() || p.state.isForceFlushPending.Load() {
		p.export()
	}
}
