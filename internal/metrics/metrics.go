// ============================================================================
// Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose job-queue metrics for Prometheus monitoring
//
// Metric Categories:
//
//   1. Job Counters - Cumulative, monotonically increasing:
//      - queue_jobs_enqueued_total: Total enqueued jobs, by type
//      - queue_jobs_started_total: Total jobs claimed by a worker, by type
//      - queue_jobs_completed_total: Total jobs completed, by type
//      - queue_jobs_failed_total: Total jobs terminally failed, by type
//      - queue_jobs_promoted_total: Total delayed jobs promoted to inactive
//      - queue_jobs_salvaged_total: Total jobs recovered from a dead worker
//
//   2. Performance Metrics (Histogram) - Distribution stats:
//      - queue_job_duration_seconds: Handler run time, by type
//
//   3. Status Metrics (Gauge) - Instantaneous values:
//      - queue_jobs_inactive: Current inactive (queued) jobs, by type
//      - queue_jobs_active: Current active (running) jobs, by type
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus (github.com/prometheus/client_golang).
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the job queue core.
type Collector struct {
	jobsEnqueued  *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsPromoted  prometheus.Counter
	jobsSalvaged  prometheus.Counter

	jobDuration *prometheus.HistogramVec

	jobsInactive *prometheus.GaugeVec
	jobsActive   *prometheus.GaugeVec
}

// NewCollector creates and registers a new metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by type",
		}, []string{"type"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_started_total",
			Help: "Total number of jobs claimed by a worker, by type",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully, by type",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs that exhausted their attempts, by type",
		}, []string{"type"}),
		jobsPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_promoted_total",
			Help: "Total number of delayed jobs promoted to inactive",
		}),
		jobsSalvaged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_salvaged_total",
			Help: "Total number of jobs recovered from a dead worker at startup",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Handler run time in seconds, by type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		jobsInactive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs_inactive",
			Help: "Current number of inactive (queued) jobs, by type",
		}, []string{"type"}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs_active",
			Help: "Current number of active (running) jobs, by type",
		}, []string{"type"}),
	}

	prometheus.MustRegister(
		c.jobsEnqueued, c.jobsStarted, c.jobsCompleted, c.jobsFailed,
		c.jobsPromoted, c.jobsSalvaged, c.jobDuration,
		c.jobsInactive, c.jobsActive,
	)

	return c
}

// RecordEnqueue records a job entering the queue.
func (c *Collector) RecordEnqueue(jobType string) {
	c.jobsEnqueued.WithLabelValues(jobType).Inc()
}

// RecordStart records a job claimed by a worker.
func (c *Collector) RecordStart(jobType string) {
	c.jobsStarted.WithLabelValues(jobType).Inc()
}

// RecordCompleted records a successful run and its duration.
func (c *Collector) RecordCompleted(jobType string, durationSeconds float64) {
	c.jobsCompleted.WithLabelValues(jobType).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

// RecordFailed records a job exhausting its attempts.
func (c *Collector) RecordFailed(jobType string) {
	c.jobsFailed.WithLabelValues(jobType).Inc()
}

// RecordPromotion records one delayed->inactive promotion.
func (c *Collector) RecordPromotion() {
	c.jobsPromoted.Inc()
}

// RecordSalvage records one job recovered from a dead worker.
func (c *Collector) RecordSalvage() {
	c.jobsSalvaged.Inc()
}

// SetQueueDepth updates the instantaneous inactive/active gauges for a type.
func (c *Collector) SetQueueDepth(jobType string, inactive, active int64) {
	c.jobsInactive.WithLabelValues(jobType).Set(float64(inactive))
	c.jobsActive.WithLabelValues(jobType).Set(float64(active))
}

// StartServer starts the Prometheus metrics HTTP server on port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
