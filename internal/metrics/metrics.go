// Package metrics exposes the Prometheus collectors for the turn pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edubuddy_turns_total",
			Help: "Total number of handled turns",
		},
		[]string{"specialist", "verdict"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edubuddy_turn_duration_seconds",
			Help:    "End-to-end turn latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"specialist"},
	)

	FallbackCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edubuddy_generation_fallbacks_total",
			Help: "Turns answered from the rule table after generation failed",
		},
		[]string{"specialist"},
	)

	SafetyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edubuddy_safety_rejections_total",
			Help: "Candidates rejected by the safety gate",
		},
		[]string{"source"},
	)

	SafetyDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edubuddy_safety_degraded_total",
			Help: "Reviews where the semantic check was unavailable",
		},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edubuddy_persist_failures_total",
			Help: "Failed durable writes by target",
		},
		[]string{"target"},
	)

	PanicCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edubuddy_turn_panics_total",
			Help: "Turns that panicked and returned the generic reply",
		},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edubuddy_audit_dropped_total",
			Help: "Audit events dropped because the queue was full",
		},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edubuddy_llm_calls_total",
			Help: "Generation provider calls",
		},
		[]string{"provider", "model", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edubuddy_llm_latency_seconds",
			Help:    "Generation provider latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "model"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edubuddy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "edubuddy_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	ActiveExperiments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edubuddy_active_experiments",
			Help: "Number of running experiments",
		},
	)
)

// ObserveTurn records one completed turn.
func ObserveTurn(specialist, verdict string, d time.Duration) {
	TurnCount.WithLabelValues(specialist, verdict).Inc()
	TurnDuration.WithLabelValues(specialist).Observe(d.Seconds())
}

// IncFallback counts a generation fallback.
func IncFallback(specialist string) {
	FallbackCount.WithLabelValues(specialist).Inc()
}

// IncSafetyRejection counts a rejected candidate.
func IncSafetyRejection(source string) {
	SafetyRejections.WithLabelValues(source).Inc()
}

// IncSafetyDegraded counts a review that fell back to the rule verdict.
func IncSafetyDegraded() {
	SafetyDegraded.Inc()
}

// IncPersistFailure counts a failed durable write.
func IncPersistFailure(target string) {
	PersistFailures.WithLabelValues(target).Inc()
}

// IncPanic counts a recovered turn panic.
func IncPanic() {
	PanicCount.Inc()
}

// ObserveLLMCall records one provider call.
func ObserveLLMCall(provider, model string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LLMCalls.WithLabelValues(provider, model, status).Inc()
	LLMLatency.WithLabelValues(provider, model).Observe(d.Seconds())
}
