package billing

import "time"

// Metrics observes provider traffic in both directions: webhooks pushed by
// the provider and feed requests pulled from it. Providers substitute
// NoopMetrics when none is configured.
type Metrics interface {
	// RecordWebhook records one verified webhook with its ingest outcome
	// ("applied", "duplicate", "queued_for_replay") or "error".
	RecordWebhook(provider, eventType, outcome string, duration time.Duration)

	// RecordWebhookRejected records a webhook turned away before ingest, e.g.
	// "bad_signature", "malformed" or "too_large".
	RecordWebhookRejected(provider, reason string)

	// RecordFeedRequest records one feed API call; status is "ok",
	// "not_found" or "error".
	RecordFeedRequest(provider, endpoint, status string, duration time.Duration)
}

type NoopMetrics struct{}

func (NoopMetrics) RecordWebhook(_, _, _ string, _ time.Duration)     {}
func (NoopMetrics) RecordWebhookRejected(_, _ string)                 {}
func (NoopMetrics) RecordFeedRequest(_, _, _ string, _ time.Duration) {}
