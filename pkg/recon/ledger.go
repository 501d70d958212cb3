package recon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Ledger records inbound processor events and applies their side effects at
// most once per (provider, external_id).
type Ledger struct {
	store   Storage
	applier EventApplier
	config  LedgerConfig
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewLedger creates a new Event Ledger.
func NewLedger(store Storage, applier EventApplier, config LedgerConfig) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("event applier is required")
	}
	if err := validateConfig("ledger", config); err != nil {
		return nil, err
	}

	return &Ledger{
		store:   store,
		applier: applier,
		config:  config,
		logger:  loggerOrNoop(config.Logger),
		metrics: metricsOrNoop(config.Metrics),
		now:     clockOrDefault(config.Now),
	}, nil
}

// HashPayload returns the hex xxhash64 digest of a payload.
func HashPayload(payload []byte) string {
	digest := xxhash.New()
	_, _ = digest.Write(payload)
	return hex.EncodeToString(digest.Sum(nil))
}

// Ingest records a delivery and applies its side effect once.
//
// The event row is claimed before the side effect runs, so the unique
// (provider, external_id) key decides concurrent deliveries: the losing
// writer sees ErrDuplicateEvent and reports OutcomeDuplicate. A side effect
// that cannot resolve its target is not an error; the event is flagged for
// replay and OutcomeQueued is returned. Only storage failures are returned
// as errors.
func (l *Ledger) Ingest(ctx context.Context, d Delivery) (*IngestResult, error) {
	if d.Provider == "" || d.ExternalID == "" {
		return nil, fmt.Errorf("%w: provider and external id are required", ErrInvalidDelivery)
	}
	start := time.Now()
	hash := HashPayload(d.Payload)

	existing, err := l.store.GetEventByExternalID(ctx, d.Provider, d.ExternalID)
	if err == nil {
		return l.duplicate(ctx, existing, d, hash)
	}
	if !errors.Is(err, ErrEventNotFound) {
		l.metrics.RecordIngest(d.Provider, d.EventType, "error")
		return nil, fmt.Errorf("failed to look up event: %w", err)
	}

	now := l.now()
	claimUntil := now.Add(l.config.ClaimLease)
	event := &ProcessorEvent{
		ID:                uuid.NewString(),
		Provider:          d.Provider,
		ExternalID:        d.ExternalID,
		EventType:         d.EventType,
		CorrelationID:     d.CorrelationID,
		WorkspaceID:       d.WorkspaceID,
		InvoiceID:         d.InvoiceID,
		SessionHint:       d.SessionHint,
		PayloadHash:       hash,
		Payload:           d.Payload,
		ReceivedAt:        now,
		ReplayRequested:   true,
		ReplayRequestedAt: &now,
		NextReplayAt:      &claimUntil,
	}

	if err := l.store.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			winner, getErr := l.store.GetEventByExternalID(ctx, d.Provider, d.ExternalID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load concurrently recorded event: %w", getErr)
			}
			return l.duplicate(ctx, winner, d, hash)
		}
		l.metrics.RecordIngest(d.Provider, d.EventType, "error")
		return nil, fmt.Errorf("failed to record event: %w", err)
	}

	result := l.apply(ctx, event)
	finished := l.now()
	if result.ok() {
		event.ReplayRequested = false
		event.ReplayRequestedAt = nil
		event.ReplayedAt = &finished
		event.NextReplayAt = nil
	} else {
		l.flagForReplay(event, result, finished)
	}

	// The ledger row must be finalized even if the caller went away.
	if err := l.store.UpdateEvent(context.WithoutCancel(ctx), event); err != nil {
		l.metrics.RecordIngest(d.Provider, d.EventType, "error")
		return nil, fmt.Errorf("failed to finalize event %s: %w", event.ID, err)
	}

	outcome := OutcomeApplied
	if !result.ok() {
		outcome = OutcomeQueued
		l.logger.Warn("event flagged for replay",
			F("event_id", event.ID),
			F("provider", event.Provider),
			F("external_id", event.ExternalID),
			F("reason", event.LastReplayError))
	}
	l.metrics.RecordIngest(d.Provider, d.EventType, string(outcome))
	l.metrics.RecordIngestDuration(d.Provider, time.Since(start))

	return &IngestResult{Outcome: outcome, Event: event}, nil
}

func (l *Ledger) duplicate(ctx context.Context, existing *ProcessorEvent, d Delivery, hash string) (*IngestResult, error) {
	if existing.PayloadHash != hash {
		l.logger.Warn("duplicate delivery with different payload",
			F("event_id", existing.ID),
			F("provider", d.Provider),
			F("external_id", d.ExternalID))
	}

	// Redeliveries count against the replay budget so retry storms stay bounded.
	if d.Replay {
		attempts, err := l.store.IncrementReplayAttempts(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count replay attempt: %w", err)
		}
		existing.ReplayAttempts = attempts
	}

	l.metrics.RecordIngest(d.Provider, d.EventType, string(OutcomeDuplicate))
	return &IngestResult{Outcome: OutcomeDuplicate, Event: existing}, nil
}

// RequestReplay flags an event for the replay worker and makes it due now.
func (l *Ledger) RequestReplay(ctx context.Context, eventID string) (*ProcessorEvent, error) {
	event, err := l.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	event.ReplayRequested = true
	event.ReplayRequestedAt = &now
	event.NextReplayAt = &now
	if err := l.store.UpdateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to request replay: %w", err)
	}
	return event, nil
}

// Event returns a ledger event by id.
func (l *Ledger) Event(ctx context.Context, id string) (*ProcessorEvent, error) {
	return l.store.GetEvent(ctx, id)
}

// maxStatusScan bounds how many rows a status-filtered listing reads.
const maxStatusScan = 10000

// Events lists ledger events, newest first. Status is derived, so a status
// filter widens the scan until limit matches are found, the ledger is
// exhausted, or maxStatusScan rows were read; only in the last case can the
// result hold fewer than limit events while older matches exist.
func (l *Ledger) Events(ctx context.Context, filter EventFilter) ([]*ProcessorEvent, error) {
	limit := NormalizeLimit(filter.Limit)
	if filter.Status == "" {
		filter.Limit = limit
		return l.store.ListEvents(ctx, filter)
	}

	scan := limit * 5
	for {
		filter.Limit = min(scan, maxStatusScan)
		events, err := l.store.ListEvents(ctx, filter)
		if err != nil {
			return nil, err
		}
		out := make([]*ProcessorEvent, 0, limit)
		for _, e := range events {
			if e.Status() == filter.Status {
				out = append(out, e)
				if len(out) == limit {
					break
				}
			}
		}
		if len(out) == limit || len(events) < filter.Limit || filter.Limit == maxStatusScan {
			return out, nil
		}
		scan *= 4
	}
}

// EventsForInvoice is the reverse lookup from an invoice to its events.
func (l *Ledger) EventsForInvoice(ctx context.Context, invoiceID string) ([]*ProcessorEvent, error) {
	return l.store.ListEvents(ctx, EventFilter{InvoiceID: invoiceID, Limit: NormalizeLimit(0)})
}

// Attempts lists the replay attempts of an event, oldest first.
func (l *Ledger) Attempts(ctx context.Context, eventID string) ([]*ReplayAttempt, error) {
	return l.store.ListReplayAttempts(ctx, eventID)
}

// applyResult is the outcome of one side-effect application.
type applyResult struct {
	// reason is set when the target could not be resolved.
	reason string
	err    error
}

func (r applyResult) ok() bool {
	return r.reason == "" && r.err == nil
}

func (r applyResult) message() string {
	if r.reason != "" {
		return r.reason
	}
	if r.err != nil {
		return r.err.Error()
	}
	return ""
}

// apply runs the side effect. Ingestion and replay share this path.
func (l *Ledger) apply(ctx context.Context, event *ProcessorEvent) applyResult {
	if event.InvoiceID == "" {
		return applyResult{reason: ReasonInvoiceNotFound}
	}

	ctx, cancel := context.WithTimeout(ctx, l.config.ApplyTimeout)
	defer cancel()

	res, err := l.applier.ApplyEvent(ctx, event.InvoiceID, event.EventType, event.Payload)
	if err != nil {
		return applyResult{err: fmt.Errorf("apply event: %w", err)}
	}
	if res == ApplyNotFound {
		return applyResult{reason: ReasonInvoiceNotFound}
	}

	if event.SessionHint != "" {
		session, err := l.applier.ResolveSession(ctx, event.InvoiceID, event.SessionHint)
		if err != nil {
			return applyResult{err: fmt.Errorf("resolve session: %w", err)}
		}
		if session == "" {
			return applyResult{reason: ReasonSessionNotFound}
		}
	}
	return applyResult{}
}

func (l *Ledger) flagForReplay(event *ProcessorEvent, result applyResult, now time.Time) {
	event.ReplayRequested = true
	if event.ReplayRequestedAt == nil {
		event.ReplayRequestedAt = &now
	}
	event.LastReplayError = result.message()
	next := l.config.Backoff.NextAt(now, event.ReplayAttempts)
	event.NextReplayAt = &next
}
