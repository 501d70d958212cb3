package recon

import (
	"context"
	"fmt"
	"time"
)

// StagingQueue is the operator workflow over staged statements.
type StagingQueue struct {
	store  Storage
	logger Logger
	now    func() time.Time
}

// NewStagingQueue creates a new Staging Triage Queue.
func NewStagingQueue(store Storage, config TriageConfig) (*StagingQueue, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &StagingQueue{
		store:  store,
		logger: loggerOrNoop(config.Logger),
		now:    clockOrDefault(config.Now),
	}, nil
}

// Get returns a staging entry by id.
func (q *StagingQueue) Get(ctx context.Context, id string) (*Staging, error) {
	return q.store.GetStaging(ctx, id)
}

// List returns staging entries, most recently observed first.
func (q *StagingQueue) List(ctx context.Context, filter StagingFilter) ([]*Staging, error) {
	filter.Limit = NormalizeLimit(filter.Limit)
	return q.store.ListStaging(ctx, filter)
}

// Triage sets an operator-chosen status. Pending acknowledges the entry and
// keeps it open; resolved closes it; requeued behaves like Requeue.
func (q *StagingQueue) Triage(ctx context.Context, id string, status StagingStatus, note string) (*Staging, error) {
	if status == StagingRequeued {
		return q.Requeue(ctx, id, note)
	}
	if status != StagingPending && status != StagingResolved {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var entry *Staging
	err := q.store.WithinTx(ctx, func(tx Storage) error {
		var err error
		entry, err = tx.GetStaging(ctx, id)
		if err != nil {
			return err
		}

		now := q.now()
		entry.Status = status
		entry.LastTriagedAt = &now
		if note != "" {
			entry.TriageNote = note
		}
		if status == StagingResolved {
			entry.ResolvedAt = &now
		} else {
			entry.ResolvedAt = nil
		}
		return tx.UpdateStaging(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("staging entry triaged",
		F("staging_id", entry.ID),
		F("transaction_id", entry.TransactionID),
		F("status", string(status)))
	return entry, nil
}

// Requeue hands an entry back to the synchronizer for re-evaluation on its
// next pass. A resolved entry is un-resolved.
func (q *StagingQueue) Requeue(ctx context.Context, id string, note string) (*Staging, error) {
	var entry *Staging
	err := q.store.WithinTx(ctx, func(tx Storage) error {
		var err error
		entry, err = tx.GetStaging(ctx, id)
		if err != nil {
			return err
		}

		now := q.now()
		entry.Status = StagingRequeued
		entry.RequeueCount++
		entry.ResolvedAt = nil
		entry.LastObservedAt = now
		entry.LastTriagedAt = &now
		if note != "" {
			entry.TriageNote = note
		}
		return tx.UpdateStaging(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("staging entry requeued",
		F("staging_id", entry.ID),
		F("transaction_id", entry.TransactionID),
		F("requeue_count", entry.RequeueCount))
	return entry, nil
}
