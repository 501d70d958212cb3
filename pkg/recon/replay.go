package recon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const replayLeaseKey = "replay-worker"

// ReplayOutcome describes one replay execution.
type ReplayOutcome struct {
	EventID string        `json:"event_id"`
	Status  AttemptStatus `json:"status"`
	// Skipped is set when the event had already succeeded and the side effect was not re-run.
	Skipped     bool           `json:"skipped"`
	Error       string         `json:"error,omitempty"`
	EventStatus EventStatus    `json:"event_status"`
	Attempt     *ReplayAttempt `json:"attempt"`
}

// ReplayWorker re-runs event side effects through the ledger's apply path.
type ReplayWorker struct {
	ledger  *Ledger
	store   Storage
	config  ReplayConfig
	locker  Locker
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReplayWorker creates a new Replay Worker bound to a ledger.
func NewReplayWorker(ledger *Ledger, config ReplayConfig) (*ReplayWorker, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if err := validateConfig("replay", config); err != nil {
		return nil, err
	}

	locker := config.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}

	return &ReplayWorker{
		ledger:  ledger,
		store:   ledger.store,
		config:  config,
		locker:  locker,
		logger:  loggerOrNoop(config.Logger),
		metrics: metricsOrNoop(config.Metrics),
		now:     clockOrDefault(config.Now),
	}, nil
}

// MaxAttempts returns the configured replay ceiling.
func (w *ReplayWorker) MaxAttempts() int {
	return w.config.MaxAttempts
}

// Replay executes one replay of an event. Without force, an event that used
// up its attempts yields a *ReplayLimitError. An event whose first ingestion
// still holds its claim yields ErrEventInFlight, forced or not. A failed side effect is reported
// in the outcome, not as an error.
func (w *ReplayWorker) Replay(ctx context.Context, eventID string, force bool) (*ReplayOutcome, error) {
	event, err := w.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	// Not even a forced replay may race the first application.
	if event.InFlight(w.now()) {
		w.metrics.RecordReplay("in_flight", force)
		return nil, fmt.Errorf("%w: %s", ErrEventInFlight, event.ID)
	}

	if !force && event.ReplayAttempts >= w.config.MaxAttempts {
		w.metrics.RecordReplay("limit_exceeded", force)
		return nil, &ReplayLimitError{EventID: event.ID, Attempts: event.ReplayAttempts, Limit: w.config.MaxAttempts}
	}

	attempt := &ReplayAttempt{
		ID:          uuid.NewString(),
		EventID:     event.ID,
		AttemptedAt: w.now(),
		Forced:      force,
		Metadata:    attemptSnapshot(event),
	}

	skipped := event.ReplayedAt != nil
	var result applyResult
	if !skipped {
		result = w.ledger.apply(ctx, event)
	}
	finished := w.now()

	// The outcome is recorded even if the caller went away mid-replay.
	wctx := context.WithoutCancel(ctx)
	err = w.store.WithinTx(wctx, func(tx Storage) error {
		attempts, err := tx.IncrementReplayAttempts(wctx, event.ID)
		if err != nil {
			return err
		}
		event.ReplayAttempts = attempts
		attempt.Metadata["attempt"] = strconv.Itoa(attempts)

		switch {
		case skipped:
			attempt.Status = AttemptExecuted
			attempt.Metadata["skipped"] = "true"
		case result.ok():
			attempt.Status = AttemptExecuted
			event.ReplayedAt = &finished
			event.LastReplayError = ""
			event.NextReplayAt = nil
		default:
			attempt.Status = AttemptFailed
			attempt.Error = result.message()
			w.ledger.flagForReplay(event, result, finished)
		}

		if err := tx.UpdateEvent(wctx, event); err != nil {
			return err
		}
		return tx.InsertReplayAttempt(wctx, attempt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record replay of event %s: %w", event.ID, err)
	}

	outcome := &ReplayOutcome{
		EventID:     event.ID,
		Status:      attempt.Status,
		Skipped:     skipped,
		Error:       attempt.Error,
		EventStatus: event.Status(),
		Attempt:     attempt,
	}

	metricOutcome := string(attempt.Status)
	if skipped {
		metricOutcome = "skipped"
	}
	w.metrics.RecordReplay(metricOutcome, force)
	w.logger.Info("event replayed",
		F("event_id", event.ID),
		F("status", string(attempt.Status)),
		F("skipped", skipped),
		F("forced", force),
		F("attempts", event.ReplayAttempts))

	return outcome, nil
}

// ProcessPending replays up to limit due events and returns how many were
// attempted. A failing event never aborts the rest of the batch. Batches are
// scoped to one worker instance through the Locker, so no event is replayed
// twice concurrently.
func (w *ReplayWorker) ProcessPending(ctx context.Context, limit int) (int, error) {
	unlock, err := w.locker.TryLock(ctx, replayLeaseKey, w.config.LeaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		w.logger.Debug("replay batch skipped, lease held elsewhere")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to acquire replay lease: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("failed to release replay lease", F("error", err))
		}
	}()

	events, err := w.store.ListDueReplays(ctx, w.now(), w.config.MaxAttempts, NormalizeLimit(limit))
	if err != nil {
		return 0, fmt.Errorf("failed to list due replays: %w", err)
	}
	w.metrics.RecordReplayBatch(len(events))

	var processed atomic.Int64
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for _, event := range events {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := w.Replay(ctx, event.ID, false); err != nil {
				w.logger.Error("replay failed",
					F("event_id", event.ID),
					F("error", err))
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(processed.Load()), nil
}

// Run processes due replays every interval until ctx is done.
func (w *ReplayWorker) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.ProcessPending(ctx, batchSize)
			if err != nil {
				w.logger.Error("replay batch failed", F("error", err))
				continue
			}
			if n > 0 {
				w.logger.Info("replay batch processed", F("count", n))
			}
		}
	}
}

func attemptSnapshot(e *ProcessorEvent) map[string]string {
	m := map[string]string{
		"event_type":      e.EventType,
		"payload_hash":    e.PayloadHash,
		"previous_status": string(e.Status()),
	}
	if e.InvoiceID != "" {
		m["invoice_id"] = e.InvoiceID
	}
	if e.LastReplayError != "" {
		m["previous_error"] = e.LastReplayError
	}
	return m
}
