package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Triage notes written by the synchronizer itself.
const (
	noteResolvedOnResync = "resolved on resync"
	noteReappeared       = "reappeared upstream"
	noteLinkedOnResync   = "invoice linked on resync"
)

// SyncRequest selects a statement sync pass.
type SyncRequest struct {
	Since time.Time
	Until time.Time
	// Limit overrides the configured page size.
	Limit int
	// Cursor resumes a previous pass; empty starts from the beginning of the window.
	Cursor string
}

// SyncResult summarizes a statement sync pass. On error it holds the
// progress made before the failure.
type SyncResult struct {
	Persisted int
	Updated   int
	Staged    int
	Removed   int
	Cursor    string
	// Complete is set when the feed was exhausted.
	Complete bool
	// Statements holds every statement persisted or back-linked in the pass.
	Statements []*Statement
}

// PageResult is what one committed page contributed.
type PageResult struct {
	Statements []*Statement
	Persisted  int
	Updated    int
	Staged     int
	Cursor     string
}

// PageHook runs inside the transaction that commits a page, after the page's
// own writes. An error rolls the page back and aborts the pass.
type PageHook func(ctx context.Context, tx Storage, page *PageResult) error

// Synchronizer pulls the processor transaction and dispute feeds and resolves
// every transaction to a workspace and invoice.
type Synchronizer struct {
	store    Storage
	feed     FeedClient
	resolver InvoiceResolver
	config   SyncConfig
	breaker  CircuitBreaker
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewSynchronizer creates a new Statement Synchronizer.
func NewSynchronizer(store Storage, feed FeedClient, resolver InvoiceResolver, config SyncConfig) (*Synchronizer, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if feed == nil {
		return nil, fmt.Errorf("feed client is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("invoice resolver is required")
	}
	if err := validateConfig("sync", config); err != nil {
		return nil, err
	}

	metrics := metricsOrNoop(config.Metrics)
	breaker := config.CircuitBreaker
	if breaker == nil {
		breaker = NewDefaultCircuitBreaker(5, time.Minute, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
	}

	return &Synchronizer{
		store:    store,
		feed:     feed,
		resolver: resolver,
		config:   config,
		breaker:  breaker,
		logger:   loggerOrNoop(config.Logger),
		metrics:  metrics,
		now:      clockOrDefault(config.Now),
	}, nil
}

// Processor returns the name of the processor this synchronizer reads.
func (s *Synchronizer) Processor() string {
	return s.feed.Name()
}

// SyncTransactions runs one pass over the transaction feed.
func (s *Synchronizer) SyncTransactions(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	return s.syncTransactions(ctx, req, nil)
}

func (s *Synchronizer) syncTransactions(ctx context.Context, req SyncRequest, hook PageHook) (*SyncResult, error) {
	pageSize := s.config.PageSize
	if req.Limit > 0 {
		pageSize = req.Limit
	}

	result := &SyncResult{Cursor: req.Cursor}
	seen := make(map[string]struct{})
	cursor := req.Cursor

	for pages := 0; s.config.MaxPages == 0 || pages < s.config.MaxPages; pages++ {
		var page *TransactionPage
		err := s.call(ctx, "balance_transactions.list", func(ctx context.Context) error {
			var err error
			page, err = s.feed.ListBalanceTransactions(ctx, FeedQuery{
				Cursor: cursor,
				Limit:  pageSize,
				Since:  req.Since,
				Until:  req.Until,
			})
			return err
		})
		if err != nil {
			return result, err
		}

		plan, err := s.planPage(ctx, page.Transactions)
		if err != nil {
			return result, err
		}
		for _, p := range plan {
			seen[p.txn.ID] = struct{}{}
		}

		next := page.NextCursor
		if next == "" && len(page.Transactions) > 0 {
			next = page.Transactions[len(page.Transactions)-1].ID
		}
		if next != "" {
			cursor = next
		}

		pr, err := s.commitPage(ctx, plan, cursor, hook)
		if err != nil {
			return result, err
		}
		result.add(pr)
		result.Cursor = cursor

		if !page.HasMore {
			result.Complete = true
			break
		}
	}

	// Requeued entries are re-evaluated even when the pass did not reach them.
	pr, err := s.reevaluateRequeued(ctx, hook)
	if err != nil {
		return result, err
	}
	result.add(pr)

	// Absence is only meaningful after a full traversal from the beginning.
	if result.Complete && req.Cursor == "" {
		removed, err := s.detectRemovals(ctx, req.Since, req.Until, seen)
		if err != nil {
			return result, err
		}
		result.Removed = removed
	}

	s.metrics.RecordStatements("persisted", result.Persisted)
	s.metrics.RecordStatements("updated", result.Updated)
	s.metrics.RecordStatements("staged", result.Staged)
	s.metrics.RecordStatements("removed", result.Removed)

	return result, nil
}

func (r *SyncResult) add(pr *PageResult) {
	if pr == nil {
		return
	}
	r.Persisted += pr.Persisted
	r.Updated += pr.Updated
	r.Staged += pr.Staged
	r.Statements = append(r.Statements, pr.Statements...)
}

// resolution is where a transaction belongs locally.
type resolution struct {
	invoiceID   string
	workspaceID string
	hint        string
}

type plannedTxn struct {
	txn      FeedTransaction
	existing *Statement
	res      resolution
}

// planPage performs every network lookup of a page so the commit holds no
// transaction open across remote calls.
func (s *Synchronizer) planPage(ctx context.Context, txns []FeedTransaction) ([]plannedTxn, error) {
	plan := make([]plannedTxn, 0, len(txns))
	for _, txn := range txns {
		p := plannedTxn{txn: txn}

		existing, err := s.store.GetStatement(ctx, s.feed.Name(), txn.ID)
		switch {
		case err == nil:
			p.existing = existing
		case !errors.Is(err, ErrStatementNotFound):
			return nil, fmt.Errorf("failed to look up statement %s: %w", txn.ID, err)
		}

		if p.existing == nil || !p.existing.Matched() {
			res, err := s.resolve(ctx, txn)
			if err != nil {
				return nil, err
			}
			p.res = res
		}
		plan = append(plan, p)
	}
	return plan, nil
}

// resolve finds the invoice and workspace of a transaction through its
// charge, falling back to the processor's charge metadata.
func (s *Synchronizer) resolve(ctx context.Context, txn FeedTransaction) (resolution, error) {
	var res resolution
	if txn.ChargeID == "" {
		return res, nil
	}

	ref, err := s.resolver.FindInvoiceByCharge(ctx, s.feed.Name(), txn.ChargeID)
	if err != nil {
		return res, fmt.Errorf("failed to resolve charge %s: %w", txn.ChargeID, err)
	}
	if ref != nil {
		res.invoiceID = ref.InvoiceID
		res.workspaceID = ref.WorkspaceID
		if res.workspaceID != "" {
			return res, nil
		}
	}

	var meta *ChargeMetadata
	err = s.call(ctx, "charges.retrieve", func(ctx context.Context) error {
		var err error
		meta, err = s.feed.RetrieveCharge(ctx, txn.ChargeID)
		return err
	})
	if errors.Is(err, ErrFeedNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if res.invoiceID == "" {
		res.invoiceID = meta.InvoiceID
	}
	res.workspaceID = meta.WorkspaceID
	res.hint = meta.CustomerID
	return res, nil
}

func (s *Synchronizer) commitPage(ctx context.Context, plan []plannedTxn, cursor string, hook PageHook) (*PageResult, error) {
	pr := &PageResult{Cursor: cursor}
	err := s.store.WithinTx(ctx, func(tx Storage) error {
		now := s.now()
		for _, p := range plan {
			if err := s.commitTxn(ctx, tx, p, now, pr); err != nil {
				return err
			}
		}
		if hook != nil {
			return hook(ctx, tx, pr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit sync page: %w", err)
	}
	return pr, nil
}

func (s *Synchronizer) commitTxn(ctx context.Context, tx Storage, p plannedTxn, now time.Time, pr *PageResult) error {
	processor := s.feed.Name()

	// A transaction seen upstream closes any open removal entry.
	if err := s.resolveStaging(ctx, tx, p.txn.ID, StagingProcessorMissing, noteReappeared, now); err != nil {
		return err
	}

	if p.existing != nil {
		if p.existing.Matched() || p.res.invoiceID == "" {
			return nil
		}
		workspaceID := p.res.workspaceID
		if workspaceID == "" {
			workspaceID = p.existing.WorkspaceID
		}
		if err := tx.LinkStatement(ctx, p.existing.ID, p.res.invoiceID, workspaceID, now); err != nil {
			return fmt.Errorf("failed to link statement %s: %w", p.existing.ID, err)
		}
		p.existing.InvoiceID = p.res.invoiceID
		p.existing.WorkspaceID = workspaceID
		p.existing.UpdatedAt = now
		if err := s.closeMissingInvoice(ctx, tx, p.existing, now); err != nil {
			return err
		}
		pr.Updated++
		pr.Statements = append(pr.Statements, p.existing)
		return nil
	}

	if p.res.workspaceID == "" {
		staged, err := s.stageUnresolved(ctx, tx, p.txn, p.res.hint, now)
		if err != nil {
			return err
		}
		if staged {
			pr.Staged++
		}
		return nil
	}

	stmt := newStatement(processor, p.txn, p.res, now)
	if err := tx.InsertStatement(ctx, stmt); err != nil {
		if errors.Is(err, ErrDuplicateStatement) {
			return nil
		}
		return fmt.Errorf("failed to persist statement %s: %w", p.txn.ID, err)
	}
	if err := s.resolveStaging(ctx, tx, p.txn.ID, StagingUnresolvedWorkspace, noteResolvedOnResync, now); err != nil {
		return err
	}
	pr.Persisted++
	pr.Statements = append(pr.Statements, stmt)
	return nil
}

func newStatement(processor string, txn FeedTransaction, res resolution, now time.Time) *Statement {
	return &Statement{
		ID:              uuid.NewString(),
		WorkspaceID:     res.workspaceID,
		InvoiceID:       res.invoiceID,
		Processor:       processor,
		TransactionID:   txn.ID,
		ChargeID:        txn.ChargeID,
		TransactionType: txn.Type,
		Currency:        txn.Currency,
		Gross:           AmountFromMinor(txn.Amount, txn.Currency),
		Fee:             AmountFromMinor(txn.Fee, txn.Currency),
		Net:             AmountFromMinor(txn.Net, txn.Currency),
		OccurredAt:      txn.CreatedAt,
		Raw:             txn.Raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// stageUnresolved holds a transaction without workspace. It reports whether a
// new staging entry was created; a live entry is only marked as observed.
func (s *Synchronizer) stageUnresolved(ctx context.Context, tx Storage, txn FeedTransaction, hint string, now time.Time) (bool, error) {
	entry, err := tx.FindStaging(ctx, s.feed.Name(), txn.ID, StagingUnresolvedWorkspace)
	switch {
	case err == nil:
		if entry.Status == StagingResolved {
			return false, nil
		}
		entry.Status = StagingPending
		entry.LastObservedAt = now
		if hint != "" {
			entry.WorkspaceHint = hint
		}
		return false, tx.UpdateStaging(ctx, entry)
	case !errors.Is(err, ErrStagingNotFound):
		return false, fmt.Errorf("failed to look up staging for %s: %w", txn.ID, err)
	}

	snapshot, err := json.Marshal(txn)
	if err != nil {
		return false, fmt.Errorf("failed to snapshot transaction %s: %w", txn.ID, err)
	}
	entry = &Staging{
		ID:              uuid.NewString(),
		Processor:       s.feed.Name(),
		TransactionID:   txn.ID,
		Reason:          StagingUnresolvedWorkspace,
		Status:          StagingPending,
		WorkspaceHint:   hint,
		Snapshot:        snapshot,
		FirstObservedAt: now,
		LastObservedAt:  now,
	}
	if err := tx.InsertStaging(ctx, entry); err != nil {
		return false, fmt.Errorf("failed to stage transaction %s: %w", txn.ID, err)
	}
	s.logger.Info("transaction staged",
		F("transaction_id", txn.ID),
		F("reason", string(StagingUnresolvedWorkspace)))
	return true, nil
}

// resolveStaging closes a live staging entry the synchronizer no longer needs.
func (s *Synchronizer) resolveStaging(ctx context.Context, tx Storage, transactionID string, reason StagingReason, note string, now time.Time) error {
	entry, err := tx.FindStaging(ctx, s.feed.Name(), transactionID, reason)
	if errors.Is(err, ErrStagingNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up staging for %s: %w", transactionID, err)
	}
	if entry.Status == StagingResolved {
		return nil
	}
	entry.Status = StagingResolved
	entry.TriageNote = note
	entry.LastObservedAt = now
	entry.ResolvedAt = &now
	return tx.UpdateStaging(ctx, entry)
}

// closeMissingInvoice resolves the missing_invoice discrepancy of a statement that just got linked.
func (s *Synchronizer) closeMissingInvoice(ctx context.Context, tx Storage, stmt *Statement, now time.Time) error {
	d, err := tx.FindDiscrepancy(ctx, stmt.TransactionID, DiscrepancyMissingInvoice)
	if errors.Is(err, ErrDiscrepancyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up discrepancy for %s: %w", stmt.TransactionID, err)
	}
	if !d.Status.CanTransition(DiscrepancyResolved) {
		return nil
	}
	d.Status = DiscrepancyResolved
	d.InvoiceID = stmt.InvoiceID
	d.ResolutionNote = noteLinkedOnResync
	d.ResolvedAt = &now
	d.UpdatedAt = now
	return tx.UpdateDiscrepancy(ctx, d)
}

// detectRemovals stages local statements of the window that the upstream
// feed no longer lists. A disappearance is staged once; a live entry is only
// marked as observed.
func (s *Synchronizer) detectRemovals(ctx context.Context, since, until time.Time, seen map[string]struct{}) (int, error) {
	local, err := s.store.ListStatementTransactionIDs(ctx, s.feed.Name(), since, until)
	if err != nil {
		return 0, fmt.Errorf("failed to list local statements: %w", err)
	}

	removed := 0
	err = s.store.WithinTx(ctx, func(tx Storage) error {
		removed = 0
		now := s.now()
		for _, id := range local {
			if _, ok := seen[id]; ok {
				continue
			}

			entry, err := tx.FindStaging(ctx, s.feed.Name(), id, StagingProcessorMissing)
			switch {
			case err == nil && entry.Status != StagingResolved:
				entry.Status = StagingPending
				entry.LastObservedAt = now
				if err := tx.UpdateStaging(ctx, entry); err != nil {
					return err
				}
				continue
			case err == nil && entry.TriageNote != noteReappeared:
				// Closed by an operator for this disappearance.
				continue
			case err != nil && !errors.Is(err, ErrStagingNotFound):
				return err
			}

			if err := tx.InsertStaging(ctx, &Staging{
				ID:              uuid.NewString(),
				Processor:       s.feed.Name(),
				TransactionID:   id,
				Reason:          StagingProcessorMissing,
				Status:          StagingPending,
				FirstObservedAt: now,
				LastObservedAt:  now,
			}); err != nil {
				return err
			}
			removed++
			s.logger.Warn("statement missing upstream", F("transaction_id", id))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to stage removed statements: %w", err)
	}
	return removed, nil
}

// reevaluateRequeued gives every requeued staging entry a fresh evaluation.
func (s *Synchronizer) reevaluateRequeued(ctx context.Context, hook PageHook) (*PageResult, error) {
	entries, err := s.store.ListStaging(ctx, StagingFilter{Status: StagingRequeued, Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("failed to list requeued staging: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var plan []plannedTxn
	var gone, back []*Staging
	for _, entry := range entries {
		if entry.Processor != s.feed.Name() {
			continue
		}
		switch entry.Reason {
		case StagingUnresolvedWorkspace:
			var txn FeedTransaction
			if err := json.Unmarshal(entry.Snapshot, &txn); err != nil || txn.ID == "" {
				s.logger.Warn("requeued staging entry has no usable snapshot",
					F("staging_id", entry.ID), F("error", err))
				gone = append(gone, entry)
				continue
			}
			res, err := s.resolve(ctx, txn)
			if err != nil {
				return nil, err
			}
			plan = append(plan, plannedTxn{txn: txn, res: res})
		case StagingProcessorMissing:
			err := s.call(ctx, "balance_transactions.retrieve", func(ctx context.Context) error {
				_, err := s.feed.RetrieveBalanceTransaction(ctx, entry.TransactionID)
				return err
			})
			switch {
			case err == nil:
				back = append(back, entry)
			case errors.Is(err, ErrFeedNotFound):
				gone = append(gone, entry)
			default:
				return nil, err
			}
		}
	}

	pr := &PageResult{}
	err = s.store.WithinTx(ctx, func(tx Storage) error {
		now := s.now()
		for _, p := range plan {
			if err := s.commitTxn(ctx, tx, p, now, pr); err != nil {
				return err
			}
		}
		for _, entry := range back {
			if err := s.resolveStaging(ctx, tx, entry.TransactionID, StagingProcessorMissing, noteReappeared, now); err != nil {
				return err
			}
		}
		for _, entry := range gone {
			entry.Status = StagingPending
			entry.LastObservedAt = now
			if err := tx.UpdateStaging(ctx, entry); err != nil {
				return err
			}
		}
		if hook != nil && len(pr.Statements) > 0 {
			return hook(ctx, tx, pr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit requeued staging: %w", err)
	}
	// Re-evaluation never counts as newly staged.
	pr.Staged = 0
	return pr, nil
}

// call runs a feed request under the circuit breaker with the configured timeout.
func (s *Synchronizer) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.config.FeedTimeout)
		defer cancel()
		return fn(ctx)
	})

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrFeedNotFound):
		status = "not_found"
	case errors.Is(err, ErrCircuitOpen):
		status = "circuit_open"
	default:
		status = "error"
	}
	s.metrics.RecordFeedCall(endpoint, status, time.Since(start))

	if err == nil || errors.Is(err, ErrFeedNotFound) {
		return err
	}
	if errors.Is(err, ErrFeedUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, endpoint, err)
}
