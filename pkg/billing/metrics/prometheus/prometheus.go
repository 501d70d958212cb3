package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gorecon/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus. Every series lives
// under "<namespace>_billing_".
type Metrics struct {
	webhooks        *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	rejected        *prometheus.CounterVec
	feedRequests    *prometheus.CounterVec
	feedDuration    *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "billing", Name: name, Help: help}
	}
	histogram := func(name, help string) prometheus.HistogramOpts {
		return prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}
	}

	return &Metrics{
		webhooks: factory.NewCounterVec(
			opts("webhooks_total", "Verified provider webhooks by ingest outcome."),
			[]string{"provider", "event_type", "outcome"}),
		webhookDuration: factory.NewHistogramVec(
			histogram("webhook_duration_seconds", "Time from receipt to ingest of a verified webhook."),
			[]string{"provider", "event_type"}),
		rejected: factory.NewCounterVec(
			opts("webhooks_rejected_total", "Webhooks refused before ingest."),
			[]string{"provider", "reason"}),
		feedRequests: factory.NewCounterVec(
			opts("feed_requests_total", "Calls to provider listing and lookup APIs."),
			[]string{"provider", "endpoint", "status"}),
		feedDuration: factory.NewHistogramVec(
			histogram("feed_request_duration_seconds", "Latency of provider feed calls."),
			[]string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhook(provider, eventType, outcome string, duration time.Duration) {
	m.webhooks.WithLabelValues(provider, eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookRejected(provider, reason string) {
	m.rejected.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordFeedRequest(provider, endpoint, status string, duration time.Duration) {
	m.feedRequests.WithLabelValues(provider, endpoint, status).Inc()
	m.feedDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
