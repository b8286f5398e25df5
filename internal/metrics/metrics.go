package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metrics for the saga orchestrator.
type Metrics struct {
	SagasStarted      prometheus.Counter
	SagaOutcomes      *prometheus.CounterVec
	StepLatency       *prometheus.HistogramVec
	StepRetries       *prometheus.CounterVec
	VersionConflicts  prometheus.Counter
	ScannerRecoveries prometheus.Counter
	ScannerErrors     prometheus.Counter
	gatherer          prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total saga instances started.",
		}),
		SagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_outcomes_total",
			Help: "Total sagas reaching a terminal status.",
		}, []string{"status"}),
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_latency_seconds",
			Help:    "Forward step invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total step retry attempts beyond the first.",
		}, []string{"step"}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_version_conflicts_total",
			Help: "Total optimistic-lock conflicts on instance transitions.",
		}),
		ScannerRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_scanner_recoveries_total",
			Help: "Total stalled sagas re-driven by the recovery scanner.",
		}),
		ScannerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_scanner_errors_total",
			Help: "Total recovery scanner errors.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagaOutcomes,
		m.StepLatency,
		m.StepRetries,
		m.VersionConflicts,
		m.ScannerRecoveries,
		m.ScannerErrors,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveStepLatency records a forward step invocation duration.
func (m *Metrics) ObserveStepLatency(step string, d time.Duration) {
	m.StepLatency.WithLabelValues(step).Observe(d.Seconds())
}

// IncSagaOutcome increments the terminal outcome counter.
func (m *Metrics) IncSagaOutcome(status string) {
	m.SagaOutcomes.WithLabelValues(status).Inc()
}

// IncStepRetry counts one retry of the named step.
func (m *Metrics) IncStepRetry(step string) {
	m.StepRetries.WithLabelValues(step).Inc()
}
