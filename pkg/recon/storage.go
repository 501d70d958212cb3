package recon

import (
	"context"
	"time"
)

// Storage defines persistence for the ledger, statement, staging, run and
// discrepancy tables. All tables are owned exclusively by this package.
//
// Implementations must enforce:
//   - (provider, external_id) uniqueness on events (ErrDuplicateEvent)
//   - (processor, transaction_id) uniqueness on statements (ErrDuplicateStatement)
//   - (transaction_id, discrepancy_type) uniqueness on discrepancies (ErrDuplicateDiscrepancy)
//   - at most one run with status running (ErrRunInProgress)
type Storage interface {
	// WithinTx runs fn against a transactional view of the storage. Writes made
	// through the view are committed together when fn returns nil and
	// discarded otherwise.
	WithinTx(ctx context.Context, fn func(tx Storage) error) error

	EventStore
	StatementStore
	StagingStore
	RunStore
	DiscrepancyStore
}

// EventStore persists ProcessorEvents and their replay attempts.
type EventStore interface {
	InsertEvent(ctx context.Context, event *ProcessorEvent) error
	GetEvent(ctx context.Context, id string) (*ProcessorEvent, error)
	GetEventByExternalID(ctx context.Context, provider, externalID string) (*ProcessorEvent, error)

	// UpdateEvent writes the mutable fields of event. It never changes
	// replay_attempts, so a stale copy cannot undo a concurrent increment.
	UpdateEvent(ctx context.Context, event *ProcessorEvent) error

	// IncrementReplayAttempts atomically bumps replay_attempts and returns the new value.
	IncrementReplayAttempts(ctx context.Context, id string) (int, error)

	// ListDueReplays returns events with replay_requested set, no replayed_at,
	// fewer than maxAttempts attempts and next_replay_at unset or not after now.
	// Ordered by replay_requested_at ascending.
	ListDueReplays(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*ProcessorEvent, error)

	// ListEvents returns events newest first. Status is not applied by storage.
	ListEvents(ctx context.Context, filter EventFilter) ([]*ProcessorEvent, error)

	InsertReplayAttempt(ctx context.Context, attempt *ReplayAttempt) error
	ListReplayAttempts(ctx context.Context, eventID string) ([]*ReplayAttempt, error)
}

// StatementStore persists processor statements.
type StatementStore interface {
	InsertStatement(ctx context.Context, stmt *Statement) error
	GetStatement(ctx context.Context, processor, transactionID string) (*Statement, error)

	// LinkStatement back-links a statement to an invoice and workspace.
	LinkStatement(ctx context.Context, id, invoiceID, workspaceID string, at time.Time) error

	// ListStatementTransactionIDs returns transaction ids with occurred_at in [since, until).
	// A zero until means no upper bound.
	ListStatementTransactionIDs(ctx context.Context, processor string, since, until time.Time) ([]string, error)
}

// StagingStore persists staged statements.
type StagingStore interface {
	InsertStaging(ctx context.Context, entry *Staging) error
	GetStaging(ctx context.Context, id string) (*Staging, error)

	// FindStaging returns the most recent entry for (processor, transaction_id, reason).
	FindStaging(ctx context.Context, processor, transactionID string, reason StagingReason) (*Staging, error)
	UpdateStaging(ctx context.Context, entry *Staging) error
	ListStaging(ctx context.Context, filter StagingFilter) ([]*Staging, error)
}

// RunStore persists reconciliation runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// LatestRun returns the most recently started run.
	LatestRun(ctx context.Context) (*Run, error)
	// UpdateRun persists status, completed_at and notes. Counters only change
	// through IncrementRunCounters.
	UpdateRun(ctx context.Context, run *Run) error

	// IncrementRunCounters atomically adds delta to the run's counters.
	IncrementRunCounters(ctx context.Context, id string, delta RunCounters) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// DiscrepancyStore persists discrepancies.
type DiscrepancyStore interface {
	InsertDiscrepancy(ctx context.Context, d *Discrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (*Discrepancy, error)
	FindDiscrepancy(ctx context.Context, transactionID string, t DiscrepancyType) (*Discrepancy, error)
	UpdateDiscrepancy(ctx context.Context, d *Discrepancy) error
	ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]*Discrepancy, error)
}

// Locker hands out short-lived named leases so that one worker instance owns a tick.
type Locker interface {
	// TryLock acquires key for ttl. It returns ErrLeaseHeld when another owner has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}
