// ============================================================================
// Zisk Coordinator Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose system metrics for Prometheus monitoring
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation,
//   Errors). Tracks proof jobs through their three-phase lifecycle instead
//   of a generic task queue.
//
// Metric Categories:
//
//   1. Job Counters - Cumulative, monotonically increasing:
//      - zk_jobs_started_total: Total proof jobs started
//      - zk_jobs_completed_total: Total proof jobs that produced a final proof
//      - zk_jobs_failed_total: Total proof jobs that failed in any phase
//
//   2. Phase latency (Histogram) - Distribution stats per phase:
//      - zk_phase_duration_seconds{phase="contributions|prove|aggregate"}
//
//   3. Worker pool gauges (Gauge) - Instantaneous values:
//      - zk_workers_idle, zk_workers_computing, zk_workers_total
//
// HTTP Endpoint:
//   Exposed via /metrics endpoint, scraped by Prometheus. Default port: 9090.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the coordinator and implements
// controller.MetricsSink.
type Collector struct {
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter

	phaseDuration *prometheus.HistogramVec

	workersIdle      prometheus.Gauge
	workersComputing prometheus.Gauge
	workersTotal     prometheus.Gauge
}

// NewCollector creates a new metrics collector and registers its series
// against the default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zk_jobs_started_total",
			Help: "Total number of proof jobs started",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zk_jobs_completed_total",
			Help: "Total number of proof jobs that produced a final proof",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zk_jobs_failed_total",
			Help: "Total number of proof jobs that failed",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zk_phase_duration_seconds",
			Help:    "Per-phase duration of completed proof jobs",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		workersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zk_workers_idle",
			Help: "Current number of idle workers",
		}),
		workersComputing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zk_workers_computing",
			Help: "Current number of workers executing a phase task",
		}),
		workersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zk_workers_total",
			Help: "Current number of registered workers",
		}),
	}

	prometheus.MustRegister(c.jobsStarted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.phaseDuration)
	prometheus.MustRegister(c.workersIdle)
	prometheus.MustRegister(c.workersComputing)
	prometheus.MustRegister(c.workersTotal)

	return c
}

// RecordJobStarted records a new proof job admitted via StartProof.
func (c *Collector) RecordJobStarted() {
	c.jobsStarted.Inc()
}

// RecordJobCompleted records a proof job reaching Completed, along with how
// long each phase took.
func (c *Collector) RecordJobCompleted(phase1, phase2, phase3 time.Duration) {
	c.jobsCompleted.Inc()
	c.phaseDuration.WithLabelValues("contributions").Observe(phase1.Seconds())
	c.phaseDuration.WithLabelValues("prove").Observe(phase2.Seconds())
	c.phaseDuration.WithLabelValues("aggregate").Observe(phase3.Seconds())
}

// RecordJobFailed records a proof job failing in any phase.
func (c *Collector) RecordJobFailed(reason string) {
	c.jobsFailed.Inc()
}

// SetWorkerGauges sets the worker-pool utilisation gauges.
func (c *Collector) SetWorkerGauges(idle, computing, total int) {
	c.workersIdle.Set(float64(idle))
	c.workersComputing.Set(float64(computing))
	c.workersTotal.Set(float64(total))
}

// StartServer starts the Prometheus metrics HTTP server.
func StartServer(port uint16) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
