package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStorage_EventUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	ev := &recon.ProcessorEvent{ID: "e1", Provider: "stripe", ExternalID: "evt_1", ReceivedAt: baseTime}
	require.NoError(t, s.InsertEvent(ctx, ev))

	err := s.InsertEvent(ctx, &recon.ProcessorEvent{ID: "e2", Provider: "stripe", ExternalID: "evt_1"})
	assert.ErrorIs(t, err, recon.ErrDuplicateEvent)

	// Same external id from another provider is a different key
	require.NoError(t, s.InsertEvent(ctx, &recon.ProcessorEvent{ID: "e3", Provider: "paddle", ExternalID: "evt_1"}))

	got, err := s.GetEventByExternalID(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, recon.ErrEventNotFound)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, &recon.ProcessorEvent{ID: "e1", Provider: "stripe", ExternalID: "evt_1"}))

	got, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	got.LastReplayError = "mutated"

	again, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, again.LastReplayError)
}

func TestStorage_IncrementReplayAttempts(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, &recon.ProcessorEvent{ID: "e1", Provider: "stripe", ExternalID: "evt_1"}))

	n, err := s.IncrementReplayAttempts(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementReplayAttempts(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementReplayAttempts(ctx, "nope")
	assert.ErrorIs(t, err, recon.ErrEventNotFound)
}

func TestStorage_UpdateEventKeepsReplayAttempts(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, &recon.ProcessorEvent{ID: "e1", Provider: "stripe", ExternalID: "evt_1"}))

	stale, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	_, err = s.IncrementReplayAttempts(ctx, "e1")
	require.NoError(t, err)

	stale.LastReplayError = "invoice_not_found"
	require.NoError(t, s.UpdateEvent(ctx, stale))

	got, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReplayAttempts)
	assert.Equal(t, "invoice_not_found", got.LastReplayError)
}

func TestStorage_ListDueReplays(t *testing.T) {
	s := New()
	ctx := context.Background()

	early := baseTime.Add(-2 * time.Hour)
	late := baseTime.Add(-time.Hour)
	future := baseTime.Add(time.Hour)
	done := baseTime

	events := []*recon.ProcessorEvent{
		{ID: "due-late", Provider: "p", ExternalID: "1", ReplayRequested: true, ReplayRequestedAt: &late},
		{ID: "due-early", Provider: "p", ExternalID: "2", ReplayRequested: true, ReplayRequestedAt: &early, NextReplayAt: &early},
		{ID: "not-yet", Provider: "p", ExternalID: "3", ReplayRequested: true, ReplayRequestedAt: &early, NextReplayAt: &future},
		{ID: "succeeded", Provider: "p", ExternalID: "4", ReplayRequested: true, ReplayRequestedAt: &early, ReplayedAt: &done},
		{ID: "exhausted", Provider: "p", ExternalID: "5", ReplayRequested: true, ReplayRequestedAt: &early, ReplayAttempts: 3},
		{ID: "not-requested", Provider: "p", ExternalID: "6"},
	}
	for _, e := range events {
		require.NoError(t, s.InsertEvent(ctx, e))
	}

	due, err := s.ListDueReplays(ctx, baseTime, 3, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-early", due[0].ID)
	assert.Equal(t, "due-late", due[1].ID)

	due, err = s.ListDueReplays(ctx, baseTime, 3, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestStorage_WithinTx_RollbackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, &recon.ProcessorEvent{ID: "e1", Provider: "p", ExternalID: "1"}))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx recon.Storage) error {
		if _, err := tx.IncrementReplayAttempts(ctx, "e1"); err != nil {
			return err
		}
		if err := tx.InsertStatement(ctx, &recon.Statement{ID: "s1", Processor: "p", TransactionID: "txn_1"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ev, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, ev.ReplayAttempts)

	_, err = s.GetStatement(ctx, "p", "txn_1")
	assert.ErrorIs(t, err, recon.ErrStatementNotFound)
}

func TestStorage_WithinTx_Commit(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx recon.Storage) error {
		if err := tx.InsertStatement(ctx, &recon.Statement{ID: "s1", Processor: "p", TransactionID: "txn_1"}); err != nil {
			return err
		}
		// Nested transactions join the outer one
		return tx.WithinTx(ctx, func(inner recon.Storage) error {
			_, err := inner.GetStatement(ctx, "p", "txn_1")
			return err
		})
	})
	require.NoError(t, err)

	stmt, err := s.GetStatement(ctx, "p", "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "s1", stmt.ID)
}

func TestStorage_Statements(t *testing.T) {
	s := New()
	ctx := context.Background()

	stmts := []*recon.Statement{
		{ID: "s1", Processor: "stripe", TransactionID: "txn_a", OccurredAt: baseTime.Add(-time.Hour), Gross: decimal.NewFromInt(10)},
		{ID: "s2", Processor: "stripe", TransactionID: "txn_b", OccurredAt: baseTime},
		{ID: "s3", Processor: "stripe", TransactionID: "txn_c", OccurredAt: baseTime.Add(time.Hour)},
		{ID: "s4", Processor: "other", TransactionID: "txn_d", OccurredAt: baseTime},
	}
	for _, st := range stmts {
		require.NoError(t, s.InsertStatement(ctx, st))
	}

	err := s.InsertStatement(ctx, &recon.Statement{ID: "dup", Processor: "stripe", TransactionID: "txn_a"})
	assert.ErrorIs(t, err, recon.ErrDuplicateStatement)

	ids, err := s.ListStatementTransactionIDs(ctx, "stripe", baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_b"}, ids)

	ids, err = s.ListStatementTransactionIDs(ctx, "stripe", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_a", "txn_b", "txn_c"}, ids)

	require.NoError(t, s.LinkStatement(ctx, "s1", "inv_1", "ws_1", baseTime))
	got, err := s.GetStatement(ctx, "stripe", "txn_a")
	require.NoError(t, err)
	assert.Equal(t, "inv_1", got.InvoiceID)
	assert.Equal(t, "ws_1", got.WorkspaceID)
	assert.True(t, got.Gross.Equal(decimal.NewFromInt(10)))
}

func TestStorage_FindStagingReturnsMostRecent(t *testing.T) {
	s := New()
	ctx := context.Background()

	resolved := baseTime
	require.NoError(t, s.InsertStaging(ctx, &recon.Staging{
		ID: "old", Processor: "stripe", TransactionID: "txn_1", Reason: recon.StagingProcessorMissing,
		Status: recon.StagingResolved, ResolvedAt: &resolved, LastObservedAt: baseTime,
	}))
	require.NoError(t, s.InsertStaging(ctx, &recon.Staging{
		ID: "new", Processor: "stripe", TransactionID: "txn_1", Reason: recon.StagingProcessorMissing,
		Status: recon.StagingPending, LastObservedAt: baseTime,
	}))

	got, err := s.FindStaging(ctx, "stripe", "txn_1", recon.StagingProcessorMissing)
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)

	_, err = s.FindStaging(ctx, "stripe", "txn_1", recon.StagingUnresolvedWorkspace)
	assert.ErrorIs(t, err, recon.ErrStagingNotFound)

	pending, err := s.ListStaging(ctx, recon.StagingFilter{Status: recon.StagingPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].ID)
}

func TestStorage_SingleRunningRun(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &recon.Run{ID: "r1", Status: recon.RunRunning, StartedAt: baseTime}))
	err := s.CreateRun(ctx, &recon.Run{ID: "r2", Status: recon.RunRunning, StartedAt: baseTime.Add(time.Minute)})
	assert.ErrorIs(t, err, recon.ErrRunInProgress)

	done := baseTime.Add(time.Minute)
	require.NoError(t, s.UpdateRun(ctx, &recon.Run{
		ID: "r1", Status: recon.RunCompleted, CompletedAt: &done,
		// Counters are ignored by UpdateRun
		TotalTransactions: 99,
	}))
	require.NoError(t, s.IncrementRunCounters(ctx, "r1", recon.RunCounters{Total: 3, Matched: 2, Discrepancies: 1}))

	require.NoError(t, s.CreateRun(ctx, &recon.Run{ID: "r2", Status: recon.RunRunning, StartedAt: baseTime.Add(2 * time.Minute)}))

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID)

	r1, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, recon.RunCompleted, r1.Status)
	assert.Equal(t, 3, r1.TotalTransactions)
	assert.Equal(t, 2, r1.MatchedTransactions)
	assert.Equal(t, 1, r1.DiscrepancyCount)

	runs, err := s.ListRuns(ctx, recon.RunFilter{Status: recon.RunCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
}

func TestStorage_DiscrepancyUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	d := &recon.Discrepancy{ID: "d1", RunID: "r1", TransactionID: "txn_1", Type: recon.DiscrepancyMissingInvoice, Status: recon.DiscrepancyOpen, CreatedAt: baseTime}
	require.NoError(t, s.InsertDiscrepancy(ctx, d))

	err := s.InsertDiscrepancy(ctx, &recon.Discrepancy{ID: "d2", TransactionID: "txn_1", Type: recon.DiscrepancyMissingInvoice})
	assert.ErrorIs(t, err, recon.ErrDuplicateDiscrepancy)

	// Another type for the same transaction is allowed
	require.NoError(t, s.InsertDiscrepancy(ctx, &recon.Discrepancy{ID: "d3", TransactionID: "txn_1", Type: recon.DiscrepancyUnappliedRefund, Status: recon.DiscrepancyOpen, CreatedAt: baseTime.Add(time.Second)}))

	found, err := s.FindDiscrepancy(ctx, "txn_1", recon.DiscrepancyMissingInvoice)
	require.NoError(t, err)
	assert.Equal(t, "d1", found.ID)

	list, err := s.ListDiscrepancies(ctx, recon.DiscrepancyFilter{Status: recon.DiscrepancyOpen})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "d3", list[0].ID)

	list, err = s.ListDiscrepancies(ctx, recon.DiscrepancyFilter{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestStorage_ReplayAttemptsAppendOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, &recon.ProcessorEvent{ID: "e1", Provider: "p", ExternalID: "1"}))

	err := s.InsertReplayAttempt(ctx, &recon.ReplayAttempt{ID: "a0", EventID: "missing"})
	assert.ErrorIs(t, err, recon.ErrEventNotFound)

	meta := map[string]string{"k": "v"}
	require.NoError(t, s.InsertReplayAttempt(ctx, &recon.ReplayAttempt{ID: "a1", EventID: "e1", Status: recon.AttemptFailed, Metadata: meta}))
	require.NoError(t, s.InsertReplayAttempt(ctx, &recon.ReplayAttempt{ID: "a2", EventID: "e1", Status: recon.AttemptExecuted}))
	meta["k"] = "changed"

	attempts, err := s.ListReplayAttempts(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "a1", attempts[0].ID)
	assert.Equal(t, "v", attempts[0].Metadata["k"])
	assert.Equal(t, "a2", attempts[1].ID)
}
