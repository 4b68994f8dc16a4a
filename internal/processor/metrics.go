package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	spansReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traces_governor_spans_received_total",
		Help: "Total number of completed spans handed to the processor",
	})

	spansDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traces_governor_spans_dropped_total",
		Help: "Total number of spans dropped by the processor, by reason",
	}, []string{"reason"})

	spansExportedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traces_governor_spans_exported_total",
		Help: "Total number of spans successfully handed to the exporter",
	})

	spanBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traces_governor_span_batches_total",
		Help: "Total number of span batches dispatched to the exporter",
	})

	spanExportErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traces_governor_span_export_errors_total",
		Help: "Total number of failed span export calls",
	})

	forceFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traces_governor_force_flush_total",
		Help: "Total number of force flush requests",
	})

	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traces_governor_span_queue_size",
		Help: "Current number of spans buffered in the processor queue",
	})

	asyncExportsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traces_governor_async_exports_in_flight",
		Help: "Number of asynchronous span exports currently outstanding",
	})
)

const (
	dropReasonQueueFull = "queue_full"
	dropReasonShutdown  = "shutdown"
	dropReasonNoPermit  = "no_export_permit"
)

func init() {
	prometheus.MustRegister(spansReceivedTotal)
	prometheus.MustRegister(spansDroppedTotal)
	prometheus.MustRegister(spansExportedTotal)
	prometheus.MustRegister(spanBatchesTotal)
	prometheus.MustRegister(spanExportErrorsTotal)
	prometheus.MustRegister(forceFlushTotal)
	prometheus.MustRegister(queueSize)
	prometheus.MustRegister(asyncExportsInFlight)

	spansReceivedTotal.Add(0)
	spansDroppedTotal.WithLabelValues(dropReasonQueueFull).Add(0)
	spansDroppedTotal.WithLabelValues(dropReasonShutdown).Add(0)
	spansDroppedTotal.WithLabelValues(dropReasonNoPermit).Add(0)
	spansExportedTotal.Add(0)
	spanBatchesTotal.Add(0)
	spanExportErrorsTotal.Add(0)
	forceFlushTotal.Add(0)
	queueSize.Set(0)
	asyncExportsInFlight.Set(0)
}
