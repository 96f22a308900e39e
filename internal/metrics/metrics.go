// Package metrics provides Prometheus instrumentation for the receipt engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// WorkerTicksTotal counts worker ticks by worker name and outcome.
	WorkerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "worker_ticks_total",
			Help:      "Worker tick executions by worker and outcome (ran, skipped, error).",
		},
		[]string{"worker", "outcome"},
	)

	// WorkerTickDuration observes tick latency by worker.
	WorkerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kassaflow",
			Name:      "worker_tick_duration_seconds",
			Help:      "Worker tick duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	// LedgerWritesTotal counts authoritative ledger writes by operation.
	LedgerWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "ledger_writes_total",
			Help:      "Ledger writes actually performed, by operation.",
		},
		[]string{"op"},
	)

	// LedgerNoopsTotal counts updates suppressed by the no-op check.
	LedgerNoopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "ledger_noops_total",
			Help:      "Ledger updates skipped because the merged record was unchanged.",
		},
		[]string{"op"},
	)

	// LedgerBlockedWritesTotal counts writes rejected by the shrink guard.
	LedgerBlockedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "ledger_blocked_writes_total",
			Help:      "Legacy ledger writes blocked by the shrink guard.",
		},
	)

	// ReceiptAttemptsTotal counts fiscal receipt creation attempts by kind and result.
	ReceiptAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "receipt_attempts_total",
			Help:      "Fiscal receipt creation attempts by invoice kind and result (created, duplicate, error).",
		},
		[]string{"kind", "result"},
	)

	// LeaseAcquisitionsTotal counts lease acquisition outcomes by job name.
	LeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "lease_acquisitions_total",
			Help:      "Leader lease acquisition attempts by job and outcome (acquired, held, denied, error).",
		},
		[]string{"job", "outcome"},
	)

	// OutboxDispatchesTotal counts outbox intent dispatches by kind and result.
	OutboxDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kassaflow",
			Name:      "outbox_dispatches_total",
			Help:      "Outbox intent dispatches by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// OffsetJobsQueued tracks the current number of queued offset jobs.
	OffsetJobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kassaflow",
			Name:      "offset_jobs_queued",
			Help:      "Offset jobs currently waiting in the schedule queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		WorkerTicksTotal,
		WorkerTickDuration,
		LedgerWritesTotal,
		LedgerNoopsTotal,
		LedgerBlockedWritesTotal,
		ReceiptAttemptsTotal,
		LeaseAcquisitionsTotal,
		OutboxDispatchesTotal,
		OffsetJobsQueued,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// GinMiddleware records request counts per route pattern.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// ObserveTick records one worker tick.
func ObserveTick(worker, outcome string, started time.Time) {
	WorkerTicksTotal.WithLabelValues(worker, outcome).Inc()
	WorkerTickDuration.WithLabelValues(worker).Observe(time.Since(started).Seconds())
}
