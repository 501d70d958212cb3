package recon

import (
	"context"
	"fmt"
	"time"
)

// DiscrepancyLedger is the operator workflow over discrepancies.
type DiscrepancyLedger struct {
	store  Storage
	logger Logger
	now    func() time.Time
}

// NewDiscrepancyLedger creates a new Discrepancy Ledger.
func NewDiscrepancyLedger(store Storage, config TriageConfig) (*DiscrepancyLedger, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &DiscrepancyLedger{
		store:  store,
		logger: loggerOrNoop(config.Logger),
		now:    clockOrDefault(config.Now),
	}, nil
}

// Get returns a discrepancy by id.
func (l *DiscrepancyLedger) Get(ctx context.Context, id string) (*Discrepancy, error) {
	return l.store.GetDiscrepancy(ctx, id)
}

// List returns discrepancies, newest first.
func (l *DiscrepancyLedger) List(ctx context.Context, filter DiscrepancyFilter) ([]*Discrepancy, error) {
	filter.Limit = NormalizeLimit(filter.Limit)
	return l.store.ListDiscrepancies(ctx, filter)
}

// Acknowledge marks an open discrepancy as seen by an operator.
func (l *DiscrepancyLedger) Acknowledge(ctx context.Context, id, note string) (*Discrepancy, error) {
	return l.transition(ctx, id, DiscrepancyAcknowledged, note)
}

// Resolve closes an open or acknowledged discrepancy.
func (l *DiscrepancyLedger) Resolve(ctx context.Context, id, note string) (*Discrepancy, error) {
	return l.transition(ctx, id, DiscrepancyResolved, note)
}

// Reopen moves an open or acknowledged discrepancy back to open and clears
// its resolution note. Reopening an open discrepancy only resets the note.
func (l *DiscrepancyLedger) Reopen(ctx context.Context, id string) (*Discrepancy, error) {
	return l.transition(ctx, id, DiscrepancyOpen, "")
}

func (l *DiscrepancyLedger) transition(ctx context.Context, id string, next DiscrepancyStatus, note string) (*Discrepancy, error) {
	var d *Discrepancy
	err := l.store.WithinTx(ctx, func(tx Storage) error {
		var err error
		d, err = tx.GetDiscrepancy(ctx, id)
		if err != nil {
			return err
		}
		if !d.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, next)
		}

		now := l.now()
		d.Status = next
		d.UpdatedAt = now
		switch next {
		case DiscrepancyOpen:
			d.ResolutionNote = ""
			d.ResolvedAt = nil
		case DiscrepancyResolved:
			d.ResolvedAt = &now
			if note != "" {
				d.ResolutionNote = note
			}
		default:
			if note != "" {
				d.ResolutionNote = note
			}
		}
		return tx.UpdateDiscrepancy(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("discrepancy updated",
		F("discrepancy_id", d.ID),
		F("transaction_id", d.TransactionID),
		F("status", string(next)))
	return d, nil
}
