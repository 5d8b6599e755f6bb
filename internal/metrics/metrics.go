// Package metrics provides Prometheus instrumentation for the
// resilience toolkit. The core packages stay metrics-agnostic — they
// expose observer callbacks — and this package maps those callbacks
// onto collectors. All collectors are registered via Init and exposed
// through Handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dskow/resilience-core/breaker"
)

var (
	// AttemptsTotal counts operation attempts by service and outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_attempts_total",
			Help: "Total operation attempts",
		},
		[]string{"service", "outcome"},
	)

	// RetriesTotal counts retries (attempts after the first) by service.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"service"},
	)

	// RetryDelay observes chosen backoff delays in seconds by service.
	RetryDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_retry_delay_seconds",
			Help:    "Backoff delay chosen before each retry",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"service"},
	)

	// BreakerState tracks the current circuit breaker state per
	// dependency (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// BreakerTransitions counts state transitions by dependency and
	// destination state.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	// BudgetLevel tracks the current retry budget per dependency.
	BudgetLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_budget_level",
			Help: "Current adaptive retry budget",
		},
		[]string{"name"},
	)

	// BudgetFailureRate tracks the budget's failure-rate EMA per
	// dependency.
	BudgetFailureRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_budget_failure_rate",
			Help: "Failure-rate EMA observed by the retry budget",
		},
		[]string{"name"},
	)

	// BackpressureOverloaded tracks whether a service currently signals
	// overload (1) or not (0).
	BackpressureOverloaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_backpressure_overloaded",
			Help: "Whether the service currently signals overload",
		},
		[]string{"service"},
	)
)

// Init registers all metric collectors with the default Prometheus
// registry. Must be called once at startup.
func Init() {
	prometheus.MustRegister(
		AttemptsTotal,
		RetriesTotal,
		RetryDelay,
		BreakerState,
		BreakerTransitions,
		BudgetLevel,
		BudgetFailureRate,
		BackpressureOverloaded,
	)
}

// Handler returns an http.Handler serving the Prometheus metrics
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BreakerObserver returns an OnStateChange callback that records
// transitions and the current state for the named breaker.
func BreakerObserver(name string) func(breaker.State) {
	return func(s breaker.State) {
		BreakerTransitions.WithLabelValues(name, s.String()).Inc()
		BreakerState.WithLabelValues(name).Set(float64(s))
	}
}

// BudgetObserver returns an OnBudgetChange callback that records the
// budget level and failure-rate EMA for the named budget.
func BudgetObserver(name string) func(budget, failureRate float64) {
	return func(b, fr float64) {
		BudgetLevel.WithLabelValues(name).Set(b)
		BudgetFailureRate.WithLabelValues(name).Set(fr)
	}
}

// RetryObserver returns an OnRetry callback that counts retries and
// observes chosen delays for the named service.
func RetryObserver(service string) func(err error, attempt int, delay time.Duration) {
	return func(_ error, _ int, delay time.Duration) {
		RetriesTotal.WithLabelValues(service).Inc()
		RetryDelay.WithLabelValues(service).Observe(delay.Seconds())
	}
}
