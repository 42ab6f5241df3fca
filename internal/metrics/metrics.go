package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgw_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_generations_total",
			Help: "Total number of upstream text generations",
		},
		[]string{"provider", "model", "status"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgw_generation_duration_seconds",
			Help:    "Upstream generation latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"provider", "model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	TitleJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_title_jobs_total",
			Help: "Title jobs by final state",
		},
		[]string{"state"},
	)

	TitleQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgw_title_queue_depth",
			Help: "Title jobs waiting for a worker",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgw_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgw_title_cache_hits_total",
			Help: "Total number of title cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgw_title_cache_misses_total",
			Help: "Total number of title cache misses",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_rate_limit_hits_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"route"},
	)

	CredentialValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_credential_validations_total",
			Help: "Credential validation results by provider",
		},
		[]string{"provider", "valid"},
	)

	CredentialReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_credential_reloads_total",
			Help: "Credential store reloads after external changes",
		},
		[]string{"status"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgw_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgw_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(route, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(route, status).Inc()
	RequestDuration.WithLabelValues(route).Observe(durationSec)
}

func RecordGeneration(provider, model, status string, durationSec float64) {
	GenerationsTotal.WithLabelValues(provider, model, status).Inc()
	GenerationDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordTitleJob(state string) {
	TitleJobs.WithLabelValues(state).Inc()
}

func RecordCacheHit() {
	CacheHits.Inc()
}

func RecordCacheMiss() {
	CacheMisses.Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func RecordRateLimitHit(route string) {
	RateLimitHits.WithLabelValues(route).Inc()
}

func RecordValidation(provider string, valid bool) {
	label := "false"
	if valid {
		label = "true"
	}
	CredentialValidations.WithLabelValues(provider, label).Inc()
}

func RecordCredentialReload(status string) {
	CredentialReloads.WithLabelValues(status).Inc()
}

var currentPodName string

// InitInstanceMetrics records the instance identity. Call once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}
