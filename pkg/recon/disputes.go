package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncDisputes walks the dispute feed and raises one unapplied_refund
// discrepancy per dispute, attached to runID. It returns the number of
// discrepancies created; disputes already on record are skipped.
func (s *Synchronizer) SyncDisputes(ctx context.Context, runID string, req SyncRequest) (int, error) {
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}

	pageSize := s.config.PageSize
	if req.Limit > 0 {
		pageSize = req.Limit
	}

	created := 0
	cursor := req.Cursor
	for pages := 0; s.config.MaxPages == 0 || pages < s.config.MaxPages; pages++ {
		var page *DisputePage
		err := s.call(ctx, "disputes.list", func(ctx context.Context) error {
			var err error
			page, err = s.feed.ListDisputes(ctx, FeedQuery{
				Cursor: cursor,
				Limit:  pageSize,
				Since:  req.Since,
				Until:  req.Until,
			})
			return err
		})
		if err != nil {
			return created, err
		}

		refs := make(map[string]*InvoiceRef, len(page.Disputes))
		for _, d := range page.Disputes {
			if d.ChargeID == "" {
				continue
			}
			ref, err := s.resolver.FindInvoiceByCharge(ctx, s.feed.Name(), d.ChargeID)
			if err != nil {
				return created, fmt.Errorf("failed to resolve charge %s: %w", d.ChargeID, err)
			}
			refs[d.ID] = ref
		}

		n := 0
		err = s.store.WithinTx(ctx, func(tx Storage) error {
			n = 0
			now := s.now()
			for _, d := range page.Disputes {
				ok, err := s.recordDispute(ctx, tx, runID, d, refs[d.ID], now)
				if err != nil {
					return err
				}
				if ok {
					n++
				}
			}
			if n == 0 {
				return nil
			}
			return tx.IncrementRunCounters(ctx, runID, RunCounters{Discrepancies: n})
		})
		if err != nil {
			return created, fmt.Errorf("failed to commit dispute page: %w", err)
		}
		created += n

		if len(page.Disputes) > 0 {
			cursor = page.Disputes[len(page.Disputes)-1].ID
		}
		if page.NextCursor != "" {
			cursor = page.NextCursor
		}
		if !page.HasMore {
			break
		}
	}

	s.metrics.RecordStatements("disputes", created)
	return created, nil
}

func (s *Synchronizer) recordDispute(ctx context.Context, tx Storage, runID string, d FeedDispute, ref *InvoiceRef, now time.Time) (bool, error) {
	// The dispute id is the stable key; the dispute's balance transaction may appear later.
	_, err := tx.FindDiscrepancy(ctx, d.ID, DiscrepancyUnappliedRefund)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrDiscrepancyNotFound) {
		return false, fmt.Errorf("failed to look up dispute %s: %w", d.ID, err)
	}

	disc := &Discrepancy{
		ID:            uuid.NewString(),
		RunID:         runID,
		TransactionID: d.ID,
		Type:          DiscrepancyUnappliedRefund,
		Status:        DiscrepancyOpen,
		AmountDelta:   AmountFromMinor(-d.Amount, d.Currency),
		Summary:       fmt.Sprintf("dispute %s on charge %s (%s, %s)", d.ID, d.ChargeID, d.Reason, d.Status),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ref != nil {
		disc.InvoiceID = ref.InvoiceID
	}
	if d.TransactionID != "" {
		stmt, err := tx.GetStatement(ctx, s.feed.Name(), d.TransactionID)
		switch {
		case err == nil:
			disc.ProcessorStatementID = stmt.ID
		case !errors.Is(err, ErrStatementNotFound):
			return false, err
		}
	}

	if err := tx.InsertDiscrepancy(ctx, disc); err != nil {
		if errors.Is(err, ErrDuplicateDiscrepancy) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record dispute %s: %w", d.ID, err)
	}
	s.metrics.RecordDiscrepancy(string(DiscrepancyUnappliedRefund))
	s.logger.Info("dispute recorded",
		F("dispute_id", d.ID),
		F("run_id", runID),
		F("amount_delta", disc.AmountDelta.String()))
	return true, nil
}
