package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szibis/traces-governor/internal/trace"
)

// asyncRecordingExporter records batches delivered through ExportAsync
// and tracks how many exports are in flight at once.
type asyncRecordingExporter struct {
	mu      sync.Mutex
	batches [][]trace.Recordable

	inFlight      atomic.Int64
	maxInFlight   atomic.Int64
	exportDelay   time.Duration
	shutdownCalls atomic.Int64
	doubleInvoke  bool
}

func newAsyncRecordingExporter(delay time.Duration) *asyncRecordingExporter {
	return &asyncRecordingExporter{exportDelay: delay}
}

func (e *asyncRecordingExporter) MakeRecordable() trace.Recordable {
	return &testRecordable{}
}

func (e *asyncRecordingExporter) Export(_ context.Context, batch []trace.Recordable) error {
	e.mu.Lock()
	e.batches = append(e.batches, batch)
	e.mu.Unlock()
	return nil
}

func (e *asyncRecordingExporter) ExportAsync(batch []trace.Recordable, done func(err error)) {
	go func() {
		current := e.inFlight.Add(1)
		for {
			prev := e.maxInFlight.Load()
			if current <= prev || e.maxInFlight.CompareAndSwap(prev, current) {
				break
			}
		}
		if e.exportDelay > 0 {
			time.Sleep(e.exportDelay)
		}
		e.mu.Lock()
		e.batches = append(e.batches, batch)
		e.mu.Unlock()
		e.inFlight.Add(-1)
		done(nil)
		if e.doubleInvoke {
			done(nil)
		}
	}()
}

func (e *asyncRecordingExporter) Shutdown(context.Context) error {
	e.shutdownCalls.Add(1)
	return nil
}

func (e *asyncRecordingExporter) spanCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, b := range e.batches {
		total += len(b)
	}
	return total
}

func TestAsyncExportBoundsConcurrency(t *testing.T) {
	exp := newAsyncRecordingExporter(20 * time.Millisecond)
	// ScheduleDelay also bounds the worker's wait for a free permit, so
	// it must comfortably exceed the 20ms export latency.
	p := New(exp, Options{
		MaxQueueSize:       1024,
		ScheduleDelay:      100 * time.Millisecond,
		MaxExportBatchSize: 2,
		AsyncExport:        true,
		MaxInFlightExports: 3,
	})

	submitSpans(p, 40)

	deadline := time.Now().Add(5 * time.Second)
	for exp.spanCount() < 40 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := exp.spanCount(); got != 40 {
		t.Fatalf("expected 40 spans delivered, got %d", got)
	}
	if got := exp.maxInFlight.Load(); got > 3 {
		t.Fatalf("async exports in flight reached %d, limit is 3", got)
	}
}

func TestAsyncForceFlushDeliversBeforeReturn(t *testing.T) {
	exp := newAsyncRecordingExporter(5 * time.Millisecond)
	p := New(exp, Options{
		AsyncExport:        true,
		MaxInFlightExports: 2,
	})
	defer p.Shutdown(5 * time.Second)

	submitSpans(p, 7)
	if err := p.ForceFlush(5 * time.Second); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}
	if got := exp.spanCount(); got != 7 {
		t.Fatalf("expected 7 spans delivered before ForceFlush returned, got %d", got)
	}
}

func TestAsyncShutdownWaitsForInFlightExports(t *testing.T) {
	exp := newAsyncRecordingExporter(100 * time.Millisecond)
	p := New(exp, Options{
		ScheduleDelay:      10 * time.Millisecond,
		AsyncExport:        true,
		MaxInFlightExports: 4,
	})

	submitSpans(p, 10)
	time.Sleep(30 * time.Millisecond)

	if err := p.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := exp.spanCount(); got != 10 {
		t.Fatalf("expected all 10 spans delivered before shutdown returned, got %d", got)
	}
	if got := exp.shutdownCalls.Load(); got != 1 {
		t.Fatalf("expected 1 exporter shutdown call, got %d", got)
	}
}

func TestAsyncDoubleCallbackIsHarmless(t *testing.T) {
	exp := newAsyncRecordingExporter(time.Millisecond)
	exp.doubleInvoke = true
	p := New(exp, Options{
		ScheduleDelay:      10 * time.Millisecond,
		MaxExportBatchSize: 2,
		AsyncExport:        true,
		MaxInFlightExports: 2,
	})

	submitSpans(p, 20)

	deadline := time.Now().Add(5 * time.Second)
	for exp.spanCount() < 20 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := exp.spanCount(); got != 20 {
		t.Fatalf("expected 20 spans delivered, got %d", got)
	}
}

// blackHoleAsyncExporter accepts async batches but never invokes their
// completion callbacks, pinning permits forever.
type blackHoleAsyncExporter struct {
	dispatched atomic.Int64
}

func (e *blackHoleAsyncExporter) MakeRecordable() trace.Recordable {
	return &testRecordable{}
}

func (e *blackHoleAsyncExporter) Export(context.Context, []trace.Recordable) error {
	return nil
}

func (e *blackHoleAsyncExporter) ExportAsync(batch []trace.Recordable, _ func(err error)) {
	e.dispatched.Add(int64(len(batch)))
}

func (e *blackHoleAsyncExporter) Shutdown(context.Context) error {
	return nil
}

func TestAsyncPermitExhaustionDoesNotStrandFlusher(t *testing.T) {
	exp := &blackHoleAsyncExporter{}
	p := New(exp, Options{
		ScheduleDelay:      30 * time.Millisecond,
		MaxExportBatchSize: 2,
		AsyncExport:        true,
		MaxInFlightExports: 1,
	})

	// First batch takes the only permit and never returns it; the next
	// batch times out waiting for a permit and is dropped.
	submitSpans(p, 2)
	time.Sleep(20 * time.Millisecond)
	submitSpans(p, 2)
	time.Sleep(80 * time.Millisecond)

	// The flusher must still be notified even though no permit will
	// ever be available again.
	if err := p.ForceFlush(2 * time.Second); err != nil {
		t.Fatalf("ForceFlush stranded on an exhausted permit pool: %v", err)
	}

	// Shutdown cannot wait out the lost permit; it must time out on the
	// async wait and still complete.
	start := time.Now()
	if err := p.Shutdown(200 * time.Millisecond); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Shutdown took %v, expected it to respect its timeout", elapsed)
	}
	if got := exp.dispatched.Load(); got != 2 {
		t.Fatalf("expected 2 spans dispatched before exhaustion, got %d", got)
	}
}

func TestAsyncFallsBackToSyncWithoutAsyncExporter(t *testing.T) {
	exp := newRecordingExporter()
	p := New(exp, Options{
		AsyncExport: true,
	})
	defer p.Shutdown(time.Second)

	submitSpans(p, 5)
	if err := p.ForceFlush(time.Second); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}
	if got := exp.spanCount(); got != 5 {
		t.Fatalf("expected 5 spans delivered via sync fallback, got %d", got)
	}
}
