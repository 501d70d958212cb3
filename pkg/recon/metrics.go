package recon

import "time"

// Metrics defines the interface for tracking ledger, replay and sweep activity.
// Components fall back to NoopMetrics when none is configured.
type Metrics interface {
	// RecordIngest records one delivery; outcome is an IngestOutcome or "error".
	RecordIngest(provider, eventType, outcome string)

	// RecordIngestDuration records how long applying a delivery took.
	RecordIngestDuration(provider string, duration time.Duration)

	// RecordReplay records one replay; outcome is "executed", "failed", "skipped" or "limit_exceeded".
	RecordReplay(outcome string, forced bool)

	// RecordReplayBatch records the size of a ProcessPending batch.
	RecordReplayBatch(size int)

	// RecordSweep records a finished sweep with its final run status.
	RecordSweep(status string, duration time.Duration)

	// RecordStatements records statements handled in a sweep.
	// kind: "persisted", "updated", "staged", "removed", "disputes"
	RecordStatements(kind string, count int)

	// RecordDiscrepancy records a newly opened discrepancy.
	RecordDiscrepancy(discrepancyType string)

	// RecordFeedCall records a call to the processor feed.
	RecordFeedCall(endpoint, status string, duration time.Duration)

	// RecordCircuitBreakerStateChange records a feed circuit breaker transition.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordIngest(_, _, _ string)                      {}
func (n *NoopMetrics) RecordIngestDuration(_ string, _ time.Duration)   {}
func (n *NoopMetrics) RecordReplay(_ string, _ bool)                    {}
func (n *NoopMetrics) RecordReplayBatch(_ int)                          {}
func (n *NoopMetrics) RecordSweep(_ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordStatements(_ string, _ int)                 {}
func (n *NoopMetrics) RecordDiscrepancy(_ string)                       {}
func (n *NoopMetrics) RecordFeedCall(_, _ string, _ time.Duration)      {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)         {}
