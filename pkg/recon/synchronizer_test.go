package recon_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

func TestSync_UnresolvedWorkspaceIsStaged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_orphan", "ch_orphan", 1000)

	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Staged)
	assert.Equal(t, 0, res.Persisted)
	assert.True(t, res.Complete)

	_, err = h.store.GetStatement(ctx, "stripe", "txn_orphan")
	assert.ErrorIs(t, err, recon.ErrStatementNotFound)

	staged, err := h.staging.List(ctx, recon.StagingFilter{})
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, recon.StagingUnresolvedWorkspace, staged[0].Reason)
	assert.Equal(t, recon.StagingPending, staged[0].Status)
	assert.NotEmpty(t, staged[0].Snapshot)

	// A second pass observes the entry again without staging it twice
	h.clock.Advance(minute)
	res, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Staged)

	staged, err = h.staging.List(ctx, recon.StagingFilter{})
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, h.clock.Now(), staged[0].LastObservedAt)
}

func TestSync_ResolvesThroughChargeMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_1", "ch_1", 2599)
	h.feed.SetCharge("ch_1", "inv_1", "ws_1")

	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Persisted)
	require.Len(t, res.Statements, 1)

	stmt, err := h.store.GetStatement(ctx, "stripe", "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "inv_1", stmt.InvoiceID)
	assert.Equal(t, "ws_1", stmt.WorkspaceID)
	assert.True(t, stmt.Gross.Equal(decimal.RequireFromString("25.99")))
	assert.True(t, stmt.Fee.Equal(decimal.RequireFromString("2.59")))
	assert.True(t, stmt.Net.Equal(decimal.RequireFromString("23.40")))
}

func TestSync_IdempotentResync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"txn_1", "txn_2", "txn_3", "txn_4"} {
		h.feed.AddTxn(id, "ch_"+id, 100)
		h.resolver.Set("ch_"+id, "inv_"+id, "ws_1")
	}

	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Persisted)

	res, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persisted)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 0, res.Removed)
}

func TestSync_RemovalDetectedOncePerDisappearance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_1", "ch_1", 500)
	h.feed.AddTxn("txn_2", "ch_2", 700)
	h.resolver.Set("ch_1", "inv_1", "ws_1")
	h.resolver.Set("ch_2", "inv_2", "ws_1")

	_, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)

	h.feed.RemoveTxn("txn_1")
	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	missing, err := h.staging.List(ctx, recon.StagingFilter{Reason: recon.StagingProcessorMissing})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "txn_1", missing[0].TransactionID)

	// Still missing: observed, not staged again
	res, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Removed)
	missing, err = h.staging.List(ctx, recon.StagingFilter{Reason: recon.StagingProcessorMissing})
	require.NoError(t, err)
	assert.Len(t, missing, 1)

	// Reappearing closes the entry
	h.feed.AddTxn("txn_1", "ch_1", 500)
	_, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	entry, err := h.staging.Get(ctx, missing[0].ID)
	require.NoError(t, err)
	assert.Equal(t, recon.StagingResolved, entry.Status)
	assert.NotNil(t, entry.ResolvedAt)

	// A second disappearance is a new entry
	h.feed.RemoveTxn("txn_1")
	res, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	missing, err = h.staging.List(ctx, recon.StagingFilter{Reason: recon.StagingProcessorMissing})
	require.NoError(t, err)
	assert.Len(t, missing, 2)
}

func TestSync_OperatorResolvedRemovalIsNotRestaged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_1", "ch_1", 500)
	h.resolver.Set("ch_1", "inv_1", "ws_1")

	_, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	h.feed.RemoveTxn("txn_1")
	_, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)

	missing, err := h.staging.List(ctx, recon.StagingFilter{Reason: recon.StagingProcessorMissing})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	_, err = h.staging.Triage(ctx, missing[0].ID, recon.StagingResolved, "refunded out of band")
	require.NoError(t, err)

	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Removed)
}

func TestSync_RemovalSkippedWhenResuming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_1", "ch_1", 500)
	h.feed.AddTxn("txn_2", "ch_2", 500)
	h.resolver.Set("ch_1", "inv_1", "ws_1")
	h.resolver.Set("ch_2", "inv_2", "ws_1")

	_, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)

	// Resuming after txn_1 never sees it, which is not a removal
	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{Cursor: "txn_1"})
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 0, res.Removed)
}

func TestSync_BackLinksUnmatchedStatement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_1", "ch_1", 1200)
	h.feed.SetCharge("ch_1", "", "ws_1")

	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Persisted)
	assert.False(t, res.Statements[0].Matched())

	h.resolver.Set("ch_1", "inv_1", "ws_1")
	res, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persisted)
	assert.Equal(t, 1, res.Updated)

	stmt, err := h.store.GetStatement(ctx, "stripe", "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "inv_1", stmt.InvoiceID)
}

func TestSync_RequeuedEntryIsReevaluated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_1", "ch_1", 900)

	_, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	staged, err := h.staging.List(ctx, recon.StagingFilter{})
	require.NoError(t, err)
	require.Len(t, staged, 1)

	// Still unresolvable: requeue puts it back to pending after evaluation
	_, err = h.staging.Requeue(ctx, staged[0].ID, "try again")
	require.NoError(t, err)
	_, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{Cursor: "txn_1"})
	require.NoError(t, err)
	entry, err := h.staging.Get(ctx, staged[0].ID)
	require.NoError(t, err)
	assert.Equal(t, recon.StagingPending, entry.Status)
	assert.Equal(t, 1, entry.RequeueCount)

	// Once the workspace is known the snapshot is persisted
	h.resolver.Set("ch_1", "inv_1", "ws_1")
	_, err = h.staging.Requeue(ctx, staged[0].ID, "")
	require.NoError(t, err)
	res, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{Cursor: "txn_1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Persisted)

	entry, err = h.staging.Get(ctx, staged[0].ID)
	require.NoError(t, err)
	assert.Equal(t, recon.StagingResolved, entry.Status)
	assert.Equal(t, 2, entry.RequeueCount)

	stmt, err := h.store.GetStatement(ctx, "stripe", "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "ws_1", stmt.WorkspaceID)
}

func TestSync_RequeuedMissingEntryIsRechecked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.AddTxn("txn_1", "ch_1", 500)
	h.resolver.Set("ch_1", "inv_1", "ws_1")

	_, err := h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)
	h.feed.RemoveTxn("txn_1")
	_, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{})
	require.NoError(t, err)

	missing, err := h.staging.List(ctx, recon.StagingFilter{Reason: recon.StagingProcessorMissing})
	require.NoError(t, err)
	require.Len(t, missing, 1)

	_, err = h.staging.Requeue(ctx, missing[0].ID, "")
	require.NoError(t, err)
	_, err = h.sync.SyncTransactions(ctx, recon.SyncRequest{Cursor: "zzz"})
	require.NoError(t, err)
	entry, err := h.staging.Get(ctx, missing[0].ID)
	require.NoError(t, err)
	assert.Equal(t, recon.StagingPending, entry.Status)
}

func TestSync_FeedFailureIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.feed.AddTxn("txn_1", "ch_1", 500)
	h.feed.failOnCall = 1

	_, err := h.sync.SyncTransactions(context.Background(), recon.SyncRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, recon.ErrFeedUnavailable)
	assert.ErrorIs(t, err, errFeedDown)
}

func TestSync_Disputes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.resolver.Set("ch_1", "inv_1", "ws_1")
	h.feed.disputes = []recon.FeedDispute{
		{ID: "dp_1", ChargeID: "ch_1", Currency: "usd", Amount: 1500, Reason: "fraudulent", Status: "needs_response", CreatedAt: t0},
		{ID: "dp_2", ChargeID: "ch_2", Currency: "jpy", Amount: 800, Reason: "duplicate", Status: "won", CreatedAt: t0},
	}

	run, err := h.coordinator.EnsureOpenRun(ctx)
	require.NoError(t, err)

	n, err := h.sync.SyncDisputes(ctx, run.ID, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := h.store.FindDiscrepancy(ctx, "dp_1", recon.DiscrepancyUnappliedRefund)
	require.NoError(t, err)
	assert.Equal(t, run.ID, d.RunID)
	assert.Equal(t, "inv_1", d.InvoiceID)
	assert.True(t, d.AmountDelta.Equal(decimal.RequireFromString("-15")))

	d, err = h.store.FindDiscrepancy(ctx, "dp_2", recon.DiscrepancyUnappliedRefund)
	require.NoError(t, err)
	assert.True(t, d.AmountDelta.Equal(decimal.NewFromInt(-800)))

	n, err = h.sync.SyncDisputes(ctx, run.ID, recon.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := h.coordinator.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.DiscrepancyCount)
}

func TestNormalizeTransactionType(t *testing.T) {
	cases := map[string]recon.TransactionType{
		"charge":          recon.TransactionCharge,
		"payment":         recon.TransactionCharge,
		"refund":          recon.TransactionRefund,
		"payment_refund":  recon.TransactionRefund,
		"stripe_fee":      recon.TransactionFee,
		"application_fee": recon.TransactionFee,
		"payout":          recon.TransactionPayout,
		"adjustment":      recon.TransactionAdjustment,
		"topup":           recon.TransactionAdjustment,
	}
	for raw, want := range cases {
		assert.Equal(t, want, recon.NormalizeTransactionType(raw), raw)
	}
}

func TestAmountFromMinor(t *testing.T) {
	assert.Equal(t, "12.34", recon.AmountFromMinor(1234, "USD").StringFixed(2))
	assert.True(t, recon.AmountFromMinor(500, "jpy").Equal(decimal.NewFromInt(500)))
	assert.True(t, recon.AmountFromMinor(1234, "kwd").Equal(decimal.RequireFromString("1.234")))
	assert.True(t, recon.AmountFromMinor(-250, "eur").Equal(decimal.RequireFromString("-2.5")))
}
