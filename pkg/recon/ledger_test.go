package recon_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gorecon/pkg/recon"
	"github.com/mihaimyh/gorecon/storage/memory"
)

func TestLedger_DuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.applier.AddInvoice("inv_1")

	first, err := h.ledger.Ingest(ctx, delivery("evt_1", "inv_1"))
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeApplied, first.Outcome)

	second, err := h.ledger.Ingest(ctx, delivery("evt_1", "inv_1"))
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	ev, err := h.ledger.Event(ctx, first.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, ev.ReplayAttempts)
	require.NotNil(t, ev.ReplayedAt)
	assert.False(t, ev.ReplayRequested)
	assert.Equal(t, recon.EventStatusSucceeded, ev.Status())
	assert.Equal(t, 1, h.applier.Applied("inv_1"))

	events, err := h.ledger.Events(ctx, recon.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLedger_ReplayDeliveryCountsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.applier.AddInvoice("inv_1")

	_, err := h.ledger.Ingest(ctx, delivery("evt_1", "inv_1"))
	require.NoError(t, err)

	d := delivery("evt_1", "inv_1")
	d.Replay = true
	res, err := h.ledger.Ingest(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, res.Event.ReplayAttempts)
	assert.Equal(t, 1, h.applier.Applied("inv_1"))
}

// redeliveringApplier receives a replay redelivery of the same event while
// the first delivery is still being applied.
type redeliveringApplier struct {
	ledger *recon.Ledger
	once   sync.Once
	dup    *recon.IngestResult
	err    error
}

func (a *redeliveringApplier) ApplyEvent(ctx context.Context, invoiceID, _ string, _ json.RawMessage) (recon.ApplyResult, error) {
	a.once.Do(func() {
		d := delivery("evt_race", invoiceID)
		d.Replay = true
		a.dup, a.err = a.ledger.Ingest(ctx, d)
	})
	return recon.ApplyOK, nil
}

func (a *redeliveringApplier) ResolveSession(_ context.Context, _, hint string) (string, error) {
	return hint, nil
}

func TestLedger_ReplayRedeliveryDuringApplyIsCounted(t *testing.T) {
	store := memory.New()
	applier := &redeliveringApplier{}
	ledger, err := recon.NewLedger(store, applier, recon.DefaultLedgerConfig())
	require.NoError(t, err)
	applier.ledger = ledger

	res, err := ledger.Ingest(context.Background(), delivery("evt_race", "inv_1"))
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeApplied, res.Outcome)
	require.NoError(t, applier.err)
	assert.Equal(t, recon.OutcomeDuplicate, applier.dup.Outcome)

	ev, err := store.GetEvent(context.Background(), res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.ReplayAttempts)
}

func TestLedger_UnresolvableInvoiceIsFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.ledger.Ingest(ctx, delivery("evt_2", "inv_missing"))
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeQueued, res.Outcome)

	ev, err := h.ledger.Event(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.True(t, ev.ReplayRequested)
	assert.Equal(t, recon.ReasonInvoiceNotFound, ev.LastReplayError)
	assert.Nil(t, ev.ReplayedAt)
	assert.Equal(t, recon.EventStatusFailed, ev.Status())
	require.NotNil(t, ev.NextReplayAt)
	assert.True(t, ev.NextReplayAt.After(h.clock.Now()))
}

func TestLedger_MissingInvoiceIDIsFlagged(t *testing.T) {
	h := newHarness(t)

	res, err := h.ledger.Ingest(context.Background(), delivery("evt_3", ""))
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeQueued, res.Outcome)
	assert.Equal(t, recon.ReasonInvoiceNotFound, res.Event.LastReplayError)
}

func TestLedger_SessionNotFoundIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.applier.AddInvoice("inv_1")

	d := delivery("evt_4", "inv_1")
	d.SessionHint = "cs_123"
	res, err := h.ledger.Ingest(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeQueued, res.Outcome)
	assert.Equal(t, recon.ReasonSessionNotFound, res.Event.LastReplayError)
}

func TestLedger_ApplierErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.applier.err = errors.New("order service unavailable")

	res, err := h.ledger.Ingest(context.Background(), delivery("evt_5", "inv_1"))
	require.NoError(t, err)
	assert.Equal(t, recon.OutcomeQueued, res.Outcome)
	assert.Contains(t, res.Event.LastReplayError, "order service unavailable")
}

func TestLedger_InvalidDelivery(t *testing.T) {
	h := newHarness(t)

	_, err := h.ledger.Ingest(context.Background(), recon.Delivery{Provider: "stripe"})
	assert.ErrorIs(t, err, recon.ErrInvalidDelivery)
}

func TestLedger_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.applier.AddInvoice("inv_1")

	const n = 16
	outcomes := make([]recon.IngestOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.ledger.Ingest(ctx, delivery("evt_race", "inv_1"))
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == recon.OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, recon.OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, h.applier.Applied("inv_1"))
}

func TestLedger_PayloadHash(t *testing.T) {
	a := recon.HashPayload(json.RawMessage(`{"a":1}`))
	b := recon.HashPayload(json.RawMessage(`{"a":1}`))
	c := recon.HashPayload(json.RawMessage(`{"a":2}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestLedger_EventsFilterByDerivedStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.applier.AddInvoice("inv_ok")

	_, err := h.ledger.Ingest(ctx, delivery("evt_ok", "inv_ok"))
	require.NoError(t, err)
	_, err = h.ledger.Ingest(ctx, delivery("evt_bad", "inv_missing"))
	require.NoError(t, err)

	failed, err := h.ledger.Events(ctx, recon.EventFilter{Status: recon.EventStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt_bad", failed[0].ExternalID)

	byInvoice, err := h.ledger.EventsForInvoice(ctx, "inv_ok")
	require.NoError(t, err)
	require.Len(t, byInvoice, 1)
	assert.Equal(t, "evt_ok", byInvoice[0].ExternalID)
}

func TestLedger_RequestReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.ledger.Ingest(ctx, delivery("evt_1", "inv_1"))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	ev, err := h.ledger.RequestReplay(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.True(t, ev.ReplayRequested)
	require.NotNil(t, ev.NextReplayAt)
	assert.Equal(t, h.clock.Now(), *ev.NextReplayAt)

	_, err = h.ledger.RequestReplay(ctx, "nope")
	assert.ErrorIs(t, err, recon.ErrEventNotFound)
}

func TestLedger_EventsStatusFilterScansPastNewerRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.ledger.Ingest(ctx, delivery(fmt.Sprintf("evt_lost_%d", i), "inv_missing"))
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	h.applier.AddInvoice("inv_1")
	for i := 0; i < 20; i++ {
		_, err := h.ledger.Ingest(ctx, delivery(fmt.Sprintf("evt_ok_%d", i), "inv_1"))
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	failed, err := h.ledger.Events(ctx, recon.EventFilter{Status: recon.EventStatusFailed, Limit: 2})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "evt_lost_2", failed[0].ExternalID)
	assert.Equal(t, "evt_lost_1", failed[1].ExternalID)

	failed, err = h.ledger.Events(ctx, recon.EventFilter{Status: recon.EventStatusFailed, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, failed, 3)
}
