package recon

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventStatus is the read-side replay state of a ProcessorEvent.
// It is never stored; see DeriveEventStatus.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusQueued     EventStatus = "queued"
	EventStatusInProgress EventStatus = "in_progress"
	EventStatusSucceeded  EventStatus = "succeeded"
	EventStatusFailed     EventStatus = "failed"
)

// IngestOutcome is the result of ingesting one delivery.
type IngestOutcome string

const (
	OutcomeApplied   IngestOutcome = "applied"
	OutcomeDuplicate IngestOutcome = "duplicate"
	// OutcomeQueued means the event was recorded but its side effect could not
	// be applied yet; it is flagged for replay.
	OutcomeQueued IngestOutcome = "queued_for_replay"
)

// AttemptStatus is the status of a single replay attempt.
type AttemptStatus string

const (
	AttemptExecuted AttemptStatus = "executed"
	AttemptFailed   AttemptStatus = "failed"
)

// TransactionType is the normalized type of a processor statement.
type TransactionType string

const (
	TransactionCharge     TransactionType = "charge"
	TransactionRefund     TransactionType = "refund"
	TransactionFee        TransactionType = "fee"
	TransactionPayout     TransactionType = "payout"
	TransactionAdjustment TransactionType = "adjustment"
)

// NormalizeTransactionType maps a processor transaction type onto the
// statement types. Unknown types become adjustments.
func NormalizeTransactionType(raw string) TransactionType {
	switch strings.ToLower(raw) {
	case "charge", "payment":
		return TransactionCharge
	case "refund", "payment_refund":
		return TransactionRefund
	case "stripe_fee", "application_fee":
		return TransactionFee
	case "payout":
		return TransactionPayout
	}
	return TransactionAdjustment
}

// StagingReason explains why a statement sits in staging.
type StagingReason string

const (
	StagingUnresolvedWorkspace StagingReason = "unresolved_workspace"
	StagingProcessorMissing    StagingReason = "processor_missing"
)

// StagingStatus is the triage status of a staged statement.
type StagingStatus string

const (
	StagingPending  StagingStatus = "pending"
	StagingRequeued StagingStatus = "requeued"
	StagingResolved StagingStatus = "resolved"
)

// RunStatus is the status of a reconciliation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// DiscrepancyType classifies a mismatch between the ledger and the processor.
type DiscrepancyType string

const (
	DiscrepancyMissingInvoice  DiscrepancyType = "missing_invoice"
	DiscrepancyUnappliedRefund DiscrepancyType = "unapplied_refund"
	DiscrepancyAmountMismatch  DiscrepancyType = "amount_mismatch"
)

// DiscrepancyStatus is the lifecycle state of a discrepancy.
type DiscrepancyStatus string

const (
	DiscrepancyOpen         DiscrepancyStatus = "open"
	DiscrepancyAcknowledged DiscrepancyStatus = "acknowledged"
	DiscrepancyResolved     DiscrepancyStatus = "resolved"
)

// Delivery is one inbound processor event as handed over by the transport layer.
type Delivery struct {
	Provider      string
	ExternalID    string
	EventType     string
	CorrelationID string
	WorkspaceID   string
	InvoiceID     string
	// SessionHint identifies the hosted session the event refers to, if any.
	SessionHint string
	Payload     json.RawMessage
	// Replay is set when the transport knows this delivery is a redelivery.
	Replay bool
}

// IngestResult is returned by Ledger.Ingest.
type IngestResult struct {
	Outcome IngestOutcome   `json:"outcome"`
	Event   *ProcessorEvent `json:"event"`
}

// ProcessorEvent is the ledger row for one (provider, external_id).
type ProcessorEvent struct {
	ID                string          `json:"id"`
	Provider          string          `json:"provider"`
	ExternalID        string          `json:"external_id"`
	EventType         string          `json:"event_type"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	WorkspaceID       string          `json:"workspace_id,omitempty"`
	InvoiceID         string          `json:"invoice_id,omitempty"`
	SessionHint       string          `json:"session_hint,omitempty"`
	PayloadHash       string          `json:"payload_hash"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
	ReplayRequested   bool            `json:"replay_requested"`
	ReplayRequestedAt *time.Time      `json:"replay_requested_at,omitempty"`
	ReplayAttempts    int             `json:"replay_attempts"`
	ReplayedAt        *time.Time      `json:"replayed_at,omitempty"`
	LastReplayError   string          `json:"last_replay_error,omitempty"`
	// NextReplayAt is when the event becomes eligible for automated replay.
	NextReplayAt *time.Time `json:"next_replay_at,omitempty"`
}

// Status returns the derived replay status of the event.
func (e *ProcessorEvent) Status() EventStatus {
	return DeriveEventStatus(e.ReplayRequested, e.ReplayAttempts, e.ReplayedAt, e.LastReplayError)
}

// InFlight reports whether the claim taken by the first ingestion is still
// held at now, i.e. the side effect may be running.
func (e *ProcessorEvent) InFlight(now time.Time) bool {
	return e.ReplayedAt == nil && e.LastReplayError == "" &&
		e.NextReplayAt != nil && e.NextReplayAt.After(now)
}

// ReplayAttempt is an append-only record of one replay execution.
type ReplayAttempt struct {
	ID          string            `json:"id"`
	EventID     string            `json:"event_id"`
	AttemptedAt time.Time         `json:"attempted_at"`
	Status      AttemptStatus     `json:"status"`
	Error       string            `json:"error,omitempty"`
	Forced      bool              `json:"forced"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Statement is a normalized processor transaction.
type Statement struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	InvoiceID       string          `json:"invoice_id,omitempty"`
	Processor       string          `json:"processor"`
	TransactionID   string          `json:"transaction_id"`
	ChargeID        string          `json:"charge_id,omitempty"`
	TransactionType TransactionType `json:"transaction_type"`
	Currency        string          `json:"currency"`
	Gross           decimal.Decimal `json:"gross"`
	Fee             decimal.Decimal `json:"fee"`
	Net             decimal.Decimal `json:"net"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Matched reports whether the statement is linked to an invoice.
func (s *Statement) Matched() bool {
	return s.InvoiceID != ""
}

// Staging is a statement held back for operator triage.
type Staging struct {
	ID              string          `json:"id"`
	Processor       string          `json:"processor"`
	TransactionID   string          `json:"transaction_id"`
	Reason          StagingReason   `json:"reason"`
	Status          StagingStatus   `json:"status"`
	TriageNote      string          `json:"triage_note,omitempty"`
	RequeueCount    int             `json:"requeue_count"`
	WorkspaceHint   string          `json:"workspace_hint,omitempty"`
	Snapshot        json.RawMessage `json:"snapshot,omitempty"`
	FirstObservedAt time.Time       `json:"first_observed_at"`
	LastObservedAt  time.Time       `json:"last_observed_at"`
	LastTriagedAt   *time.Time      `json:"last_triaged_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// RunNotes is the persisted metrics payload of a run. The JSON shape is read
// back by the operator API and must stay stable.
type RunNotes struct {
	Status    RunStatus `json:"status"`
	Persisted int       `json:"persisted"`
	Updated   int       `json:"updated"`
	Staged    int       `json:"staged"`
	Removed   int       `json:"removed"`
	Disputes  int       `json:"disputes"`
	Cursor    string    `json:"cursor"`
	Error     string    `json:"error,omitempty"`
}

// Run is one reconciliation sweep.
type Run struct {
	ID                  string     `json:"id"`
	Status              RunStatus  `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	TotalTransactions   int        `json:"total_transactions"`
	MatchedTransactions int        `json:"matched_transactions"`
	DiscrepancyCount    int        `json:"discrepancy_count"`
	Notes               RunNotes   `json:"notes"`
}

// RunCounters is an increment applied to a run's aggregate counters.
type RunCounters struct {
	Total         int
	Matched       int
	Discrepancies int
}

// Discrepancy is a typed mismatch tied to a run.
type Discrepancy struct {
	ID                   string            `json:"id"`
	RunID                string            `json:"run_id"`
	InvoiceID            string            `json:"invoice_id,omitempty"`
	ProcessorStatementID string            `json:"processor_statement_id,omitempty"`
	TransactionID        string            `json:"transaction_id"`
	Type                 DiscrepancyType   `json:"discrepancy_type"`
	Status               DiscrepancyStatus `json:"status"`
	AmountDelta          decimal.Decimal   `json:"amount_delta"`
	Summary              string            `json:"summary"`
	ResolutionNote       string            `json:"resolution_note,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	ResolvedAt           *time.Time        `json:"resolved_at,omitempty"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Provider  string
	InvoiceID string
	// Status filters on the derived status; applied after loading.
	Status EventStatus
	Limit  int
}

// StagingFilter narrows ListStaging.
type StagingFilter struct {
	Status StagingStatus
	Reason StagingReason
	Limit  int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status RunStatus
	Limit  int
}

// DiscrepancyFilter narrows ListDiscrepancies.
type DiscrepancyFilter struct {
	Status DiscrepancyStatus
	Type   DiscrepancyType
	RunID  string
	Limit  int
}

const defaultListLimit = 100

// NormalizeLimit returns limit, or the default list limit when limit is not positive.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
