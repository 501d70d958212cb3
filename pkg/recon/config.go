package recon

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LedgerConfig configures the Event Ledger.
type LedgerConfig struct {
	// ApplyTimeout bounds each call into the EventApplier.
	ApplyTimeout time.Duration `validate:"gt=0"`

	// ClaimLease is how long a freshly claimed event is hidden from the
	// replay worker while ingestion applies its side effect.
	ClaimLease time.Duration `validate:"gt=0"`

	// Backoff schedules automated replays of events that failed to apply.
	Backoff *BackoffPolicy `validate:"required"`

	Logger  Logger
	Metrics Metrics
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultLedgerConfig returns a LedgerConfig with sensible defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		ApplyTimeout: 10 * time.Second,
		ClaimLease:   2 * time.Minute,
		Backoff:      DefaultBackoffPolicy(),
	}
}

// ReplayConfig configures the Replay Worker.
type ReplayConfig struct {
	// MaxAttempts is the replay attempt ceiling for unforced replays.
	MaxAttempts int `validate:"min=1"`

	// Concurrency bounds parallel replays within one batch.
	Concurrency int `validate:"min=1,max=64"`

	// Locker scopes a batch to one worker instance. Defaults to a LocalLocker.
	Locker Locker

	// LeaseTTL is how long a batch may hold the replay lease.
	LeaseTTL time.Duration `validate:"gt=0"`

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// DefaultReplayConfig returns a ReplayConfig with sensible defaults.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		MaxAttempts: 5,
		Concurrency: 4,
		LeaseTTL:    5 * time.Minute,
	}
}

// SyncConfig configures the Statement Synchronizer.
type SyncConfig struct {
	// PageSize is the number of feed objects requested per page.
	PageSize int `validate:"min=1,max=100"`

	// MaxPages bounds one pass; 0 means until the feed is exhausted.
	MaxPages int `validate:"gte=0"`

	// FeedTimeout bounds each call into the processor feed.
	FeedTimeout time.Duration `validate:"gt=0"`

	// CircuitBreaker guards the feed. Defaults to a DefaultCircuitBreaker.
	CircuitBreaker CircuitBreaker

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// DefaultSyncConfig returns a SyncConfig with sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PageSize:    100,
		FeedTimeout: 20 * time.Second,
	}
}

// CoordinatorConfig configures the Reconciliation Run Coordinator.
type CoordinatorConfig struct {
	// Locker keeps sweeps single-flight across processes. Defaults to a LocalLocker.
	Locker Locker

	// LeaseTTL is how long a sweep may hold the sweep lease.
	LeaseTTL time.Duration `validate:"gt=0"`

	// SampleSize is the number of discrepancies and staged entries included in a summary.
	SampleSize int `validate:"gte=0,max=100"`

	Notifier Notifier
	Logger   Logger
	Metrics  Metrics
	Now      func() time.Time
}

// DefaultCoordinatorConfig returns a CoordinatorConfig with sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LeaseTTL:   30 * time.Minute,
		SampleSize: 10,
	}
}

// TriageConfig configures the staging and discrepancy triage services.
type TriageConfig struct {
	Logger Logger
	Now    func() time.Time
}

func validateConfig(name string, cfg interface{}) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid %s config: %w", name, err)
	}
	return nil
}

func loggerOrNoop(l Logger) Logger {
	if l == nil {
		return &NoopLogger{}
	}
	return l
}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}

func clockOrDefault(now func() time.Time) func() time.Time {
	if now == nil {
		return func() time.Time { return time.Now().UTC() }
	}
	return now
}
