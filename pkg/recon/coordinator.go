package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const sweepLeaseKey = "reconciliation-sweep"

// summaryScanLimit bounds the rows read to count open items for a summary.
const summaryScanLimit = 1000

// SweepRequest selects the window of a reconciliation sweep.
type SweepRequest struct {
	Since time.Time
	Until time.Time
	// Limit overrides the synchronizer page size.
	Limit int
	// SkipDisputes disables the dispute feed for this sweep.
	SkipDisputes bool
}

// Coordinator owns reconciliation runs. At most one sweep is in flight: in
// process through singleflight, across processes through the Locker, and in
// storage through the running-run uniqueness constraint.
type Coordinator struct {
	store    Storage
	sync     *Synchronizer
	config   CoordinatorConfig
	locker   Locker
	notifier Notifier
	logger   Logger
	metrics  Metrics
	now      func() time.Time
	group    singleflight.Group
}

// NewCoordinator creates a new Reconciliation Run Coordinator.
func NewCoordinator(store Storage, syncer *Synchronizer, config CoordinatorConfig) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if syncer == nil {
		return nil, fmt.Errorf("synchronizer is required")
	}
	if err := validateConfig("coordinator", config); err != nil {
		return nil, err
	}

	locker := config.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	return &Coordinator{
		store:    store,
		sync:     syncer,
		config:   config,
		locker:   locker,
		notifier: notifier,
		logger:   loggerOrNoop(config.Logger),
		metrics:  metricsOrNoop(config.Metrics),
		now:      clockOrDefault(config.Now),
	}, nil
}

// Run returns a run by id.
func (c *Coordinator) Run(ctx context.Context, id string) (*Run, error) {
	return c.store.GetRun(ctx, id)
}

// Runs lists runs, newest first.
func (c *Coordinator) Runs(ctx context.Context, filter RunFilter) ([]*Run, error) {
	filter.Limit = NormalizeLimit(filter.Limit)
	return c.store.ListRuns(ctx, filter)
}

// EnsureOpenRun returns the running run, creating one when none is running.
func (c *Coordinator) EnsureOpenRun(ctx context.Context) (*Run, error) {
	run, _, err := c.openRun(ctx)
	return run, err
}

// openRun also returns the cursor the sweep resumes from: the cursor of a
// reused run or of a failed previous run. A completed run starts over.
func (c *Coordinator) openRun(ctx context.Context) (*Run, string, error) {
	latest, err := c.store.LatestRun(ctx)
	switch {
	case err == nil && latest.Status == RunRunning:
		c.logger.Info("reusing running reconciliation run", F("run_id", latest.ID))
		return latest, latest.Notes.Cursor, nil
	case err != nil && !errors.Is(err, ErrRunNotFound):
		return nil, "", fmt.Errorf("failed to load latest run: %w", err)
	}

	cursor := ""
	if latest != nil && latest.Status == RunFailed {
		cursor = latest.Notes.Cursor
	}

	run := &Run{
		ID:        uuid.NewString(),
		Status:    RunRunning,
		StartedAt: c.now(),
		Notes:     RunNotes{Status: RunRunning, Cursor: cursor},
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		if !errors.Is(err, ErrRunInProgress) {
			return nil, "", fmt.Errorf("failed to create run: %w", err)
		}
		// Lost the race to another creator; join its run.
		latest, err := c.store.LatestRun(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load concurrently created run: %w", err)
		}
		return latest, latest.Notes.Cursor, nil
	}

	c.logger.Info("reconciliation run started", F("run_id", run.ID), F("cursor", cursor))
	return run, cursor, nil
}

// ReconcileStatements folds statements into a run: linked statements count
// towards matched_transactions and unlinked ones raise a missing_invoice
// discrepancy. An unlinked statement whose discrepancy an operator already
// resolved is settled and left out of the run, so total_transactions stays
// matched_transactions plus discrepancy_count.
func (c *Coordinator) ReconcileStatements(ctx context.Context, run *Run, statements []*Statement) (RunCounters, error) {
	var delta RunCounters
	err := c.store.WithinTx(ctx, func(tx Storage) error {
		var err error
		delta, err = c.reconcile(ctx, tx, run, statements)
		return err
	})
	if err != nil {
		return RunCounters{}, err
	}
	c.applyDelta(run, delta)
	return delta, nil
}

func (c *Coordinator) reconcile(ctx context.Context, tx Storage, run *Run, statements []*Statement) (RunCounters, error) {
	var delta RunCounters
	now := c.now()

	for _, stmt := range statements {
		if stmt.Matched() {
			delta.Matched++
			delta.Total++
			continue
		}
		raised, err := c.raiseMissingInvoice(ctx, tx, run, stmt, now)
		if err != nil {
			return RunCounters{}, err
		}
		if raised {
			delta.Discrepancies++
			delta.Total++
		}
	}

	if delta.Total == 0 {
		return delta, nil
	}
	if err := tx.IncrementRunCounters(ctx, run.ID, delta); err != nil {
		return RunCounters{}, fmt.Errorf("failed to update run counters: %w", err)
	}
	return delta, nil
}

// raiseMissingInvoice records or carries forward the missing_invoice
// discrepancy of stmt. It reports false for a discrepancy already resolved.
func (c *Coordinator) raiseMissingInvoice(ctx context.Context, tx Storage, run *Run, stmt *Statement, now time.Time) (bool, error) {
	d := &Discrepancy{
		ID:                   uuid.NewString(),
		RunID:                run.ID,
		ProcessorStatementID: stmt.ID,
		TransactionID:        stmt.TransactionID,
		Type:                 DiscrepancyMissingInvoice,
		Status:               DiscrepancyOpen,
		AmountDelta:          stmt.Gross,
		Summary: fmt.Sprintf("%s %s %s %s has no invoice",
			stmt.TransactionType, stmt.TransactionID, stmt.Gross.String(), stmt.Currency),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := tx.InsertDiscrepancy(ctx, d)
	if err == nil {
		c.metrics.RecordDiscrepancy(string(DiscrepancyMissingInvoice))
		return true, nil
	}
	if !errors.Is(err, ErrDuplicateDiscrepancy) {
		return false, fmt.Errorf("failed to record discrepancy for %s: %w", stmt.TransactionID, err)
	}

	// Reported before: carry an open or acknowledged one into this run as is.
	existing, err := tx.FindDiscrepancy(ctx, stmt.TransactionID, DiscrepancyMissingInvoice)
	if err != nil {
		return false, err
	}
	if existing.Status == DiscrepancyResolved {
		return false, nil
	}
	existing.RunID = run.ID
	existing.UpdatedAt = now
	return true, tx.UpdateDiscrepancy(ctx, existing)
}

func (c *Coordinator) applyDelta(run *Run, delta RunCounters) {
	run.TotalTransactions += delta.Total
	run.MatchedTransactions += delta.Matched
	run.DiscrepancyCount += delta.Discrepancies
}

// Sweep runs one reconciliation sweep and returns its run. Concurrent callers
// share the in-flight sweep. When another process holds the sweep lease the
// running run is returned without sweeping.
//
// A synchronizer failure marks the run failed, keeps the progress already
// committed, and is returned to the caller.
func (c *Coordinator) Sweep(ctx context.Context, req SweepRequest) (*Run, error) {
	v, err, shared := c.group.Do(sweepLeaseKey, func() (interface{}, error) {
		return c.sweep(ctx, req)
	})
	if shared {
		c.logger.Debug("joined in-flight reconciliation sweep")
	}
	run, _ := v.(*Run)
	return run, err
}

func (c *Coordinator) sweep(ctx context.Context, req SweepRequest) (*Run, error) {
	unlock, err := c.locker.TryLock(ctx, sweepLeaseKey, c.config.LeaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		c.logger.Info("reconciliation sweep in progress elsewhere")
		run, err := c.store.LatestRun(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load running run: %w", err)
		}
		return run, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lease: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to release sweep lease", F("error", err))
		}
	}()

	start := time.Now()
	run, cursor, err := c.openRun(ctx)
	if err != nil {
		return nil, err
	}

	persisted := run.Notes
	hook := func(ctx context.Context, tx Storage, page *PageResult) error {
		delta, err := c.reconcile(ctx, tx, run, page.Statements)
		if err != nil {
			return err
		}
		progress := persisted
		progress.Status = RunRunning
		progress.Persisted += page.Persisted
		progress.Updated += page.Updated
		progress.Staged += page.Staged
		if page.Cursor != "" {
			progress.Cursor = page.Cursor
		}
		snapshot := *run
		c.applyDelta(&snapshot, delta)
		snapshot.Notes = progress
		if err := tx.UpdateRun(ctx, &snapshot); err != nil {
			return err
		}
		*run = snapshot
		persisted = progress
		return nil
	}

	result, err := c.sync.syncTransactions(ctx, SyncRequest{
		Since:  req.Since,
		Until:  req.Until,
		Limit:  req.Limit,
		Cursor: cursor,
	}, hook)

	disputes := 0
	if err == nil && !req.SkipDisputes {
		disputes, err = c.sync.SyncDisputes(ctx, run.ID, SyncRequest{
			Since: req.Since,
			Until: req.Until,
			Limit: req.Limit,
		})
		run.DiscrepancyCount += disputes
	}

	notes := RunNotes{Cursor: cursor, Disputes: disputes}
	if result != nil {
		notes.Persisted = result.Persisted
		notes.Updated = result.Updated
		notes.Staged = result.Staged
		notes.Removed = result.Removed
		notes.Cursor = result.Cursor
		if result.Complete {
			// The window is exhausted; the next sweep starts over.
			notes.Cursor = ""
		}
	}

	if err != nil {
		c.finish(ctx, run, RunFailed, notes, err, start)
		return run, err
	}
	c.finish(ctx, run, RunCompleted, notes, nil, start)
	return run, nil
}

// finish persists the terminal state of a run and notifies operators. The
// run record is written even if ctx is already cancelled.
func (c *Coordinator) finish(ctx context.Context, run *Run, status RunStatus, notes RunNotes, cause error, start time.Time) {
	ctx = context.WithoutCancel(ctx)
	now := c.now()

	notes.Status = status
	if cause != nil {
		notes.Error = cause.Error()
		// Keep the last committed cursor so the next sweep resumes there.
		if notes.Cursor == "" {
			notes.Cursor = run.Notes.Cursor
		}
	}
	run.Status = status
	run.CompletedAt = &now
	run.Notes = notes

	if err := c.store.UpdateRun(ctx, run); err != nil {
		c.logger.Error("failed to finalize reconciliation run",
			F("run_id", run.ID),
			F("status", string(status)),
			F("error", err))
	}
	if stored, err := c.store.GetRun(ctx, run.ID); err == nil {
		*run = *stored
	}

	c.metrics.RecordSweep(string(status), time.Since(start))
	if cause != nil {
		c.logger.Error("reconciliation run failed",
			F("run_id", run.ID),
			F("error", cause))
	} else {
		c.logger.Info("reconciliation run completed",
			F("run_id", run.ID),
			F("total", run.TotalTransactions),
			F("matched", run.MatchedTransactions),
			F("discrepancies", run.DiscrepancyCount))
	}

	summary, err := c.Summarize(ctx, run)
	if err != nil {
		c.logger.Warn("failed to build run summary", F("run_id", run.ID), F("error", err))
		return
	}
	if err := c.notifier.Notify(ctx, summary); err != nil {
		c.logger.Warn("failed to deliver run summary", F("run_id", run.ID), F("error", err))
	}
}

// Summarize builds the operator summary of a run.
func (c *Coordinator) Summarize(ctx context.Context, run *Run) (*Summary, error) {
	open, err := c.store.ListDiscrepancies(ctx, DiscrepancyFilter{
		Status: DiscrepancyOpen,
		RunID:  run.ID,
		Limit:  summaryScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list open discrepancies: %w", err)
	}
	pending, err := c.store.ListStaging(ctx, StagingFilter{
		Status: StagingPending,
		Limit:  summaryScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending staging: %w", err)
	}

	s := &Summary{
		RunID:             run.ID,
		Status:            run.Status,
		Notes:             run.Notes,
		Total:             run.TotalTransactions,
		Matched:           run.MatchedTransactions,
		Discrepancies:     run.DiscrepancyCount,
		OpenDiscrepancies: len(open),
		PendingStaging:    len(pending),
	}
	n := c.config.SampleSize
	s.DiscrepancySamples = open[:min(n, len(open))]
	s.StagingSamples = pending[:min(n, len(pending))]
	return s, nil
}

// RunEvery sweeps every interval until ctx is done. Failed sweeps are logged;
// the next tick resumes from the failed run's cursor.
func (c *Coordinator) RunEvery(ctx context.Context, interval time.Duration, req func(now time.Time) SweepRequest) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx, req(c.now())); err != nil {
				c.logger.Error("scheduled reconciliation sweep failed", F("error", err))
			}
		}
	}
}
