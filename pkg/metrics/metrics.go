package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submission metrics
	SubmissionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_submissions_total",
			Help: "Total number of submissions by status",
		},
		[]string{"status"},
	)

	SubmissionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_submissions_accepted_total",
			Help: "Total number of submissions accepted by the admission front-end",
		},
	)

	SubmissionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_submissions_rejected_total",
			Help: "Total number of submissions rejected by the admission front-end, by error kind",
		},
		[]string{"kind"},
	)

	// Executor metrics
	ExecutorTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_executor_transitions_total",
			Help: "Total number of executor state transitions, by target status",
		},
		[]string{"status"},
	)

	ProvisioningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_provisioning_duration_seconds",
			Help:    "Time taken to provision a per-submission resource until its health probe succeeds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	ProvisioningFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_provisioning_failures_total",
			Help: "Total number of provisioning failures, by resource",
		},
		[]string{"resource"},
	)

	JobLifecycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_job_lifecycle_duration_seconds",
			Help:    "Time from job creation to a terminal status, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		},
	)

	// Sidecar metrics
	SidecarCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_sidecar_calls_total",
			Help: "Total number of sidecar HTTP calls, by collaborator and outcome",
		},
		[]string{"collaborator", "outcome"},
	)

	SidecarCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_sidecar_call_duration_seconds",
			Help:    "Sidecar HTTP call duration in seconds, by collaborator",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collaborator"},
	)

	// Cleanup scheduler metrics
	CleanupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_cleanup_queue_depth",
			Help: "Number of nodes currently in the cleanup scheduler's accumulated-sum queue",
		},
	)

	CleanupFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_cleanup_fired_total",
			Help: "Total number of submissions whose job resources were torn down",
		},
	)

	// Registry metrics
	RegistryRehydrateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_registry_rehydrate_duration_seconds",
			Help:    "Time taken for the startup rehydrate pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Admission front-end metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(SubmissionsAccepted)
	prometheus.MustRegister(SubmissionsRejected)
	prometheus.MustRegister(ExecutorTransitionsTotal)
	prometheus.MustRegister(ProvisioningDuration)
	prometheus.MustRegister(ProvisioningFailuresTotal)
	prometheus.MustRegister(JobLifecycleDuration)
	prometheus.MustRegister(SidecarCallsTotal)
	prometheus.MustRegister(SidecarCallDuration)
	prometheus.MustRegister(CleanupQueueDepth)
	prometheus.MustRegister(CleanupFiredTotal)
	prometheus.MustRegister(RegistryRehydrateDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
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
