package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and count runs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
	batches  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveItem counts one reconciled item.
func (m *Metrics) ObserveItem(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.items.WithLabelValues(result).Inc()
}

// ObserveBatches counts batches created and retired for one item.
func (m *Metrics) ObserveBatches(created, retired int) {
	if m == nil {
		return
	}
	if created > 0 {
		m.batches.WithLabelValues("created").Add(float64(created))
	}
	if retired > 0 {
		m.batches.WithLabelValues("retired").Add(float64(retired))
	}
}

// ObserveRun records the verdict of a run or retry.
func (m *Metrics) ObserveRun(kind string, success bool) {
	if m == nil {
		return
	}
	verdict := "success"
	if !success {
		verdict = "completed_with_errors"
	}
	m.outcomes.WithLabelValues(kind, verdict).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reagentd_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reagentd_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reagentd_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reagentd_count_items_total",
		Help: "Tracked items reconciled during count runs, by result.",
	}, []string{"result"})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reagentd_count_batches_total",
		Help: "Batches created or retired by count reconciliation.",
	}, []string{"action"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reagentd_count_runs_total",
		Help: "Count runs and retries grouped by verdict.",
	}, []string{"kind", "verdict"})
	registerer.MustRegister(runs, failures, duration, items, batches, outcomes)
	return &Metrics{runs: runs, failures: failures, duration: duration, items: items, batches: batches, outcomes: outcomes}
}
