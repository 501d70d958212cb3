package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements recon.Metrics using Prometheus.
type Metrics struct {
	ingestTotal                *prometheus.CounterVec
	ingestDuration             *prometheus.HistogramVec
	replayTotal                *prometheus.CounterVec
	replayBatchSize            prometheus.Histogram
	sweepTotal                 *prometheus.CounterVec
	sweepDuration              *prometheus.HistogramVec
	statementsTotal            *prometheus.CounterVec
	discrepanciesTotal         *prometheus.CounterVec
	feedCallsTotal             *prometheus.CounterVec
	feedCallDuration           *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Total number of processor event deliveries by outcome.",
		}, []string{"provider", "event_type", "outcome"}),

		ingestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Latency of recording and applying a delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		replayTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_total",
			Help:      "Total number of event replays by outcome.",
		}, []string{"outcome", "forced"}),

		replayBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_batch_size",
			Help:      "Number of due events selected per replay batch.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),

		sweepTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_total",
			Help:      "Total number of reconciliation sweeps by final run status.",
		}, []string{"status"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),

		statementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_total",
			Help:      "Total number of processor statements handled by kind.",
		}, []string{"kind"}),

		discrepanciesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discrepancies_opened_total",
			Help:      "Total number of discrepancies opened by type.",
		}, []string{"type"}),

		feedCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_calls_total",
			Help:      "Total number of processor feed calls.",
		}, []string{"endpoint", "status"}),

		feedCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_call_duration_seconds",
			Help:      "Latency of processor feed calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of feed circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordIngest(provider, eventType, outcome string) {
	m.ingestTotal.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordIngestDuration(provider string, duration time.Duration) {
	m.ingestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordReplay(outcome string, forced bool) {
	m.replayTotal.WithLabelValues(outcome, strconv.FormatBool(forced)).Inc()
}

func (m *Metrics) RecordReplayBatch(size int) {
	m.replayBatchSize.Observe(float64(size))
}

func (m *Metrics) RecordSweep(status string, duration time.Duration) {
	m.sweepTotal.WithLabelValues(status).Inc()
	m.sweepDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordStatements(kind string, count int) {
	if count <= 0 {
		return
	}
	m.statementsTotal.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) RecordDiscrepancy(discrepancyType string) {
	m.discrepanciesTotal.WithLabelValues(discrepancyType).Inc()
}

func (m *Metrics) RecordFeedCall(endpoint, status string, duration time.Duration) {
	m.feedCallsTotal.WithLabelValues(endpoint, status).Inc()
	m.feedCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
