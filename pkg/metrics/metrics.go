package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unilab_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unilab_workers_total",
			Help: "Total number of workers seen by the coordinator",
		},
	)

	ReadyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unilab_ready_queue_depth",
			Help: "Jobs currently believed runnable",
		},
	)

	GrantsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_grants_total",
			Help: "Total number of work grants broadcast",
		},
	)

	JobsGranted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_jobs_granted_total",
			Help: "Total number of jobs handed to workers",
		},
	)

	JobsMemoized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_jobs_memoized_total",
			Help: "Total number of jobs completed from the memoization cache",
		},
	)

	JobsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_jobs_pruned_total",
			Help: "Total number of jobs pruned by logic conditions",
		},
	)

	ExpansionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_generator_expansions_total",
			Help: "Total number of generator expansions applied",
		},
	)

	ExpansionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_generator_expansions_rejected_total",
			Help: "Total number of expansions rejected by the governor",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unilab_scheduling_latency_seconds",
			Help:    "Time taken by one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unilab_checkpoint_duration_seconds",
			Help:    "Time taken to write one checkpoint batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_checkpoint_failures_total",
			Help: "Total number of failed checkpoint writes",
		},
	)

	// Guardian metrics
	JobsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unilab_guardian_jobs_accepted_total",
			Help: "Total number of jobs accepted by this guardian",
		},
	)

	JobsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilab_guardian_jobs_rejected_total",
			Help: "Total number of grant rejections by reason",
		},
		[]string{"reason"},
	)

	JobExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unilab_job_execution_duration_seconds",
			Help:    "Wall time of job execution by engine",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"engine"},
	)

	SandboxCoresInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unilab_sandbox_cores_in_use",
			Help: "Cores currently allocated to sandboxes on this node",
		},
	)

	SandboxGPUsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unilab_sandbox_gpus_in_use",
			Help: "GPUs currently allocated to sandboxes on this node",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ReadyQueueDepth)
	prometheus.MustRegister(GrantsTotal)
	prometheus.MustRegister(JobsGranted)
	prometheus.MustRegister(JobsMemoized)
	prometheus.MustRegister(JobsPruned)
	prometheus.MustRegister(ExpansionsTotal)
	prometheus.MustRegister(ExpansionsRejected)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(CheckpointDuration)
	prometheus.MustRegister(CheckpointFailures)
	prometheus.MustRegister(JobsAccepted)
	prometheus.MustRegister(JobsRejected)
	prometheus.MustRegister(JobExecutionDuration)
	prometheus.MustRegister(SandboxCoresInUse)
	prometheus.MustRegister(SandboxGPUsInUse)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
