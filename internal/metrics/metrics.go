package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets, // Default: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Benchmark engine metrics
var (
	// RunsTotal counts completed benchmark runs by backend and outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbench_runs_total",
			Help: "Total number of benchmark runs by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	// RequestLatency tracks per-request generation latency by backend
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmbench_request_latency_seconds",
			Help:    "Latency of individual generation requests by backend",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
		[]string{"backend"},
	)

	// TokensGenerated counts tokens produced across all runs
	TokensGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbench_tokens_generated_total",
			Help: "Total number of tokens generated by backend",
		},
		[]string{"backend"},
	)

	// RequestFailures counts failed generation requests
	RequestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbench_request_failures_total",
			Help: "Total number of failed generation requests by backend",
		},
		[]string{"backend"},
	)

	// RunThroughput tracks the wall-clock tokens-per-second of completed runs
	RunThroughput = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmbench_run_tokens_per_second",
			Help:    "Wall-clock throughput of completed benchmark runs by backend",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 to ~2k tok/s
		},
		[]string{"backend"},
	)

	// TunerTrials counts auto-tune trials by phase and outcome
	TunerTrials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbench_autotune_trials_total",
			Help: "Total number of auto-tune trials by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	// TunerSessionsActive tracks whether an auto-tune session is running
	TunerSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmbench_autotune_active",
			Help: "Whether an auto-tune session is currently running (0 or 1)",
		},
	)

	// GPUUtilization tracks the most recently sampled GPU utilization
	GPUUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmbench_gpu_utilization_percent",
			Help: "Most recently sampled GPU utilization by device index",
		},
		[]string{"gpu"},
	)

	// GPUMemoryUsed tracks the most recently sampled GPU memory usage
	GPUMemoryUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmbench_gpu_memory_used_mib",
			Help: "Most recently sampled GPU memory usage in MiB by device index",
		},
		[]string{"gpu"},
	)
)

// Helper functions for common metric operations

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRun records the outcome of a completed benchmark run
func RecordRun(backend string, succeeded bool) {
	RunsTotal.WithLabelValues(backend, outcomeLabel(succeeded)).Inc()
}

// RecordRequestLatency records the latency of a single generation request
func RecordRequestLatency(backend string, duration time.Duration) {
	RequestLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordTokens adds to the tokens generated counter
func RecordTokens(backend string, tokens int) {
	TokensGenerated.WithLabelValues(backend).Add(float64(tokens))
}

// RecordRequestFailure increments the request failure counter
func RecordRequestFailure(backend string) {
	RequestFailures.WithLabelValues(backend).Inc()
}

// RecordRunThroughput records the wall-clock throughput of a completed run
func RecordRunThroughput(backend string, tokensPerSecond float64) {
	RunThroughput.WithLabelValues(backend).Observe(tokensPerSecond)
}

// ObserveGPU updates the per-device hardware gauges from a telemetry sample
func ObserveGPU(gpu string, utilizationPct, memoryUsedMiB float64) {
	GPUUtilization.WithLabelValues(gpu).Set(utilizationPct)
	GPUMemoryUsed.WithLabelValues(gpu).Set(memoryUsedMiB)
}

// RecordTrial records the outcome of an auto-tune trial
func RecordTrial(phase string, succeeded bool) {
	TunerTrials.WithLabelValues(phase, outcomeLabel(succeeded)).Inc()
}

// SetTunerActive updates the auto-tune active gauge
func SetTunerActive(active bool) {
	if active {
		TunerSessionsActive.Set(1)
	} else {
		TunerSessionsActive.Set(0)
	}
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
