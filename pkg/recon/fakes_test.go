package recon_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gorecon/pkg/recon"
	"github.com/mihaimyh/gorecon/storage/memory"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const minute = time.Minute

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeApplier is the order domain: a set of invoices and their sessions.
type fakeApplier struct {
	mu       sync.Mutex
	invoices map[string]bool
	sessions map[string]string
	applied  map[string]int
	err      error
}

func newFakeApplier(invoices ...string) *fakeApplier {
	a := &fakeApplier{
		invoices: make(map[string]bool),
		sessions: make(map[string]string),
		applied:  make(map[string]int),
	}
	for _, id := range invoices {
		a.invoices[id] = true
	}
	return a
}

func (a *fakeApplier) AddInvoice(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invoices[id] = true
}

func (a *fakeApplier) Applied(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied[id]
}

func (a *fakeApplier) ApplyEvent(_ context.Context, invoiceID, _ string, _ json.RawMessage) (recon.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if !a.invoices[invoiceID] {
		return recon.ApplyNotFound, nil
	}
	a.applied[invoiceID]++
	return recon.ApplyOK, nil
}

func (a *fakeApplier) ResolveSession(_ context.Context, invoiceID, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[invoiceID], nil
}

// fakeResolver maps charges to invoices.
type fakeResolver struct {
	mu   sync.Mutex
	refs map[string]*recon.InvoiceRef
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{refs: make(map[string]*recon.InvoiceRef)}
}

func (r *fakeResolver) Set(chargeID, invoiceID, workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[chargeID] = &recon.InvoiceRef{InvoiceID: invoiceID, WorkspaceID: workspaceID}
}

func (r *fakeResolver) FindInvoiceByCharge(_ context.Context, _, chargeID string) (*recon.InvoiceRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[chargeID]
	if !ok {
		return nil, nil
	}
	cp := *ref
	return &cp, nil
}

var errFeedDown = errors.New("feed down")

// fakeFeed serves an append-ordered transaction list.
type fakeFeed struct {
	mu        sync.Mutex
	txns      []recon.FeedTransaction
	disputes  []recon.FeedDispute
	charges   map[string]*recon.ChargeMetadata
	listCalls int
	// failOnCall makes the n-th ListBalanceTransactions call fail (1-based).
	failOnCall int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{charges: make(map[string]*recon.ChargeMetadata)}
}

func (f *fakeFeed) Name() string { return "stripe" }

func (f *fakeFeed) AddTxn(id, chargeID string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns = append(f.txns, recon.FeedTransaction{
		ID:        id,
		ChargeID:  chargeID,
		Type:      recon.TransactionCharge,
		Currency:  "usd",
		Amount:    amount,
		Fee:       amount / 10,
		Net:       amount - amount/10,
		CreatedAt: t0.Add(time.Duration(len(f.txns)) * time.Minute),
	})
}

func (f *fakeFeed) RemoveTxn(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, txn := range f.txns {
		if txn.ID == id {
			f.txns = append(f.txns[:i], f.txns[i+1:]...)
			return
		}
	}
}

func (f *fakeFeed) SetCharge(chargeID, invoiceID, workspaceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[chargeID] = &recon.ChargeMetadata{ChargeID: chargeID, InvoiceID: invoiceID, WorkspaceID: workspaceID}
}

func (f *fakeFeed) ListBalanceTransactions(_ context.Context, q recon.FeedQuery) (*recon.TransactionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.failOnCall > 0 && f.listCalls == f.failOnCall {
		return nil, errFeedDown
	}

	start := 0
	if q.Cursor != "" {
		for i, txn := range f.txns {
			if txn.ID == q.Cursor {
				start = i + 1
				break
			}
		}
	}
	end := min(start+q.Limit, len(f.txns))
	page := &recon.TransactionPage{
		Transactions: append([]recon.FeedTransaction(nil), f.txns[start:end]...),
		HasMore:      end < len(f.txns),
	}
	if end > start {
		page.NextCursor = f.txns[end-1].ID
	}
	return page, nil
}

func (f *fakeFeed) RetrieveBalanceTransaction(_ context.Context, id string) (*recon.FeedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.ID == id {
			cp := txn
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", recon.ErrFeedNotFound, id)
}

func (f *fakeFeed) ListDisputes(_ context.Context, q recon.FeedQuery) (*recon.DisputePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &recon.DisputePage{Disputes: append([]recon.FeedDispute(nil), f.disputes...)}, nil
}

func (f *fakeFeed) RetrieveCharge(_ context.Context, chargeID string) (*recon.ChargeMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.charges[chargeID]
	if !ok {
		return nil, fmt.Errorf("%w: charge %s", recon.ErrFeedNotFound, chargeID)
	}
	cp := *meta
	return &cp, nil
}

// harness wires every component against in-memory storage.
type harness struct {
	store       *memory.Storage
	clock       *clock
	applier     *fakeApplier
	resolver    *fakeResolver
	feed        *fakeFeed
	ledger      *recon.Ledger
	worker      *recon.ReplayWorker
	sync        *recon.Synchronizer
	coordinator *recon.Coordinator
	staging     *recon.StagingQueue
	discrepancy *recon.DiscrepancyLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    memory.New(),
		clock:    newClock(),
		applier:  newFakeApplier(),
		resolver: newFakeResolver(),
		feed:     newFakeFeed(),
	}

	ledgerCfg := recon.DefaultLedgerConfig()
	ledgerCfg.Backoff = recon.DefaultBackoffPolicy().WithSeed(7)
	ledgerCfg.Now = h.clock.Now
	var err error
	h.ledger, err = recon.NewLedger(h.store, h.applier, ledgerCfg)
	require.NoError(t, err)

	replayCfg := recon.DefaultReplayConfig()
	replayCfg.MaxAttempts = 3
	replayCfg.Now = h.clock.Now
	h.worker, err = recon.NewReplayWorker(h.ledger, replayCfg)
	require.NoError(t, err)

	syncCfg := recon.DefaultSyncConfig()
	syncCfg.PageSize = 3
	syncCfg.Now = h.clock.Now
	h.sync, err = recon.NewSynchronizer(h.store, h.feed, h.resolver, syncCfg)
	require.NoError(t, err)

	coordCfg := recon.DefaultCoordinatorConfig()
	coordCfg.Now = h.clock.Now
	h.coordinator, err = recon.NewCoordinator(h.store, h.sync, coordCfg)
	require.NoError(t, err)

	triageCfg := recon.TriageConfig{Now: h.clock.Now}
	h.staging, err = recon.NewStagingQueue(h.store, triageCfg)
	require.NoError(t, err)
	h.discrepancy, err = recon.NewDiscrepancyLedger(h.store, triageCfg)
	require.NoError(t, err)

	return h
}

func delivery(externalID, invoiceID string) recon.Delivery {
	return recon.Delivery{
		Provider:   "stripe",
		ExternalID: externalID,
		EventType:  "payment_intent.succeeded",
		InvoiceID:  invoiceID,
		Payload:    json.RawMessage(`{"id":"` + externalID + `"}`),
	}
}
