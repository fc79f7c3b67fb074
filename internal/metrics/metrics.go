// Package metrics collects and exposes Prometheus counters and gauges for
// the scheduling core.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the metrics of one queue service instance.
type Collector struct {
	operationsEnqueued prometheus.Counter
	batchesDispatched  prometheus.Counter
	resultsWritten     prometheus.Counter
	resultsIgnored     prometheus.Counter
	writeFailures      prometheus.Counter
	operationsRequeued prometheus.Counter
	sweeperRuns        prometheus.Counter
	sweeperSkips       prometheus.Counter
	invalidations      prometheus.Counter

	batchLatency prometheus.Histogram

	queueLength    prometheus.Gauge
	resultsPending prometheus.Gauge
	workersTotal   prometheus.Gauge
}

// NewCollector creates and registers the collector on a fresh registry,
// returning both.
func NewCollector() (*Collector, *prometheus.Registry) {
	c := &Collector{
		operationsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_operations_enqueued_total",
			Help: "Total number of operations accepted into the queue",
		}),
		batchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_batches_dispatched_total",
			Help: "Total number of job groups handed to workers",
		}),
		resultsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_results_written_total",
			Help: "Total number of results persisted successfully",
		}),
		resultsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_results_ignored_total",
			Help: "Total number of worker results discarded",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_result_write_failures_total",
			Help: "Total number of failed result writes",
		}),
		operationsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_operations_requeued_total",
			Help: "Total number of operations re-enqueued after worker loss",
		}),
		sweeperRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_sweeper_runs_total",
			Help: "Total number of reconciliation sweeps executed",
		}),
		sweeperSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_sweeper_skips_total",
			Help: "Total number of sweeps skipped while blocked",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_invalidations_total",
			Help: "Total number of invalidation requests processed",
		}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grading_batch_latency_seconds",
			Help:    "Worker round-trip time per job group in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_queue_length",
			Help: "Current number of queued operations",
		}),
		resultsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_results_pending",
			Help: "Current number of staged results awaiting persistence",
		}),
		workersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_workers_total",
			Help: "Current number of workers in the pool",
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c.operationsEnqueued, c.batchesDispatched, c.resultsWritten,
		c.resultsIgnored, c.writeFailures, c.operationsRequeued,
		c.sweeperRuns, c.sweeperSkips, c.invalidations,
		c.batchLatency, c.queueLength, c.resultsPending, c.workersTotal,
	)
	return c, reg
}

// RecordEnqueue records an accepted operation.
func (c *Collector) RecordEnqueue() { c.operationsEnqueued.Inc() }

// RecordDispatch records a job group handed to a worker.
func (c *Collector) RecordDispatch() { c.batchesDispatched.Inc() }

// RecordResultWritten records a persisted result and the worker round trip.
func (c *Collector) RecordResultWritten(latencySeconds float64) {
	c.resultsWritten.Inc()
	c.batchLatency.Observe(latencySeconds)
}

// RecordResultIgnored records a discarded worker result.
func (c *Collector) RecordResultIgnored() { c.resultsIgnored.Inc() }

// RecordWriteFailure records a failed result write.
func (c *Collector) RecordWriteFailure() { c.writeFailures.Inc() }

// RecordRequeue records operations returned to the queue.
func (c *Collector) RecordRequeue(n int) {
	c.operationsRequeued.Add(float64(n))
}

// RecordSweep records one sweeper run; skipped is true when the sweeper
// backed off because an invalidation fan-out was in flight.
func (c *Collector) RecordSweep(skipped bool) {
	if skipped {
		c.sweeperSkips.Inc()
	} else {
		c.sweeperRuns.Inc()
	}
}

// RecordInvalidation records one invalidation request.
func (c *Collector) RecordInvalidation() { c.invalidations.Inc() }

// UpdateQueueStats refreshes the instantaneous gauges.
func (c *Collector) UpdateQueueStats(queueLen, resultsPending, workers int) {
	c.queueLength.Set(float64(queueLen))
	c.resultsPending.Set(float64(resultsPending))
	c.workersTotal.Set(float64(workers))
}

// Handler returns the scrape handler for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// StartServer exposes /metrics on the given port.
func StartServer(reg *prometheus.Registry, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
