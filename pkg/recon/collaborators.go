package recon

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ApplyResult is the outcome reported by the invoice collaborator.
type ApplyResult string

const (
	ApplyOK       ApplyResult = "ok"
	ApplyNotFound ApplyResult = "not_found"
)

// EventApplier is the order domain's side-effect boundary. It owns invoice
// state transitions; this package only records the outcome.
type EventApplier interface {
	// ApplyEvent applies a processor event to an invoice.
	ApplyEvent(ctx context.Context, invoiceID, eventType string, payload json.RawMessage) (ApplyResult, error)

	// ResolveSession finds the hosted session for an invoice. It returns an
	// empty string when no session matches the hint.
	ResolveSession(ctx context.Context, invoiceID, sessionHint string) (string, error)
}

// InvoiceRef links a processor charge to the order domain.
type InvoiceRef struct {
	InvoiceID   string
	WorkspaceID string
}

// InvoiceResolver looks up local invoices for processor charges.
type InvoiceResolver interface {
	// FindInvoiceByCharge returns nil, nil when no invoice references the charge.
	FindInvoiceByCharge(ctx context.Context, processor, chargeID string) (*InvoiceRef, error)
}

// FeedQuery selects one page of a processor feed.
type FeedQuery struct {
	// Cursor is the last object id of the previous page; empty means the beginning.
	Cursor string
	Limit  int
	Since  time.Time
	Until  time.Time
}

// FeedTransaction is a balance transaction as reported by the processor,
// amounts in minor units.
type FeedTransaction struct {
	ID        string          `json:"id"`
	ChargeID  string          `json:"charge_id,omitempty"`
	Type      TransactionType `json:"type"`
	Currency  string          `json:"currency"`
	Amount    int64           `json:"amount"`
	Fee       int64           `json:"fee"`
	Net       int64           `json:"net"`
	CreatedAt time.Time       `json:"created_at"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// TransactionPage is one page of the transaction feed.
type TransactionPage struct {
	Transactions []FeedTransaction
	NextCursor   string
	HasMore      bool
}

// FeedDispute is a dispute as reported by the processor.
type FeedDispute struct {
	ID            string
	ChargeID      string
	TransactionID string
	Currency      string
	Amount        int64
	Reason        string
	Status        string
	CreatedAt     time.Time
}

// DisputePage is one page of the dispute feed.
type DisputePage struct {
	Disputes   []FeedDispute
	NextCursor string
	HasMore    bool
}

// ChargeMetadata is the processor-side metadata attached to a charge.
type ChargeMetadata struct {
	ChargeID    string
	InvoiceID   string
	WorkspaceID string
	CustomerID  string
	Metadata    map[string]string
}

// FeedClient is the provider-adapter boundary for the processor's record of truth.
type FeedClient interface {
	// Name returns the processor name (e.g. "stripe").
	Name() string
	ListBalanceTransactions(ctx context.Context, q FeedQuery) (*TransactionPage, error)
	// RetrieveBalanceTransaction returns ErrFeedNotFound when the transaction is gone upstream.
	RetrieveBalanceTransaction(ctx context.Context, id string) (*FeedTransaction, error)
	ListDisputes(ctx context.Context, q FeedQuery) (*DisputePage, error)
	RetrieveCharge(ctx context.Context, chargeID string) (*ChargeMetadata, error)
}

// Summary is the payload handed to the notification collaborator after a sweep.
type Summary struct {
	RunID              string         `json:"run_id"`
	Status             RunStatus      `json:"status"`
	Notes              RunNotes       `json:"notes"`
	Total              int            `json:"total_transactions"`
	Matched            int            `json:"matched_transactions"`
	Discrepancies      int            `json:"discrepancy_count"`
	OpenDiscrepancies  int            `json:"open_discrepancies"`
	PendingStaging     int            `json:"pending_staging"`
	DiscrepancySamples []*Discrepancy `json:"discrepancy_samples,omitempty"`
	StagingSamples     []*Staging     `json:"staging_samples,omitempty"`
}

// Notifier delivers summaries to operators. Delivery channels live outside this package.
type Notifier interface {
	Notify(ctx context.Context, summary *Summary) error
}

// NoopNotifier drops summaries.
type NoopNotifier struct{}

func (NoopNotifier) Notify(_ context.Context, _ *Summary) error { return nil }

// LocalLocker is an in-process Locker. It only coordinates goroutines of one
// process; use storage/redis for multiple instances.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
}

// NewLocalLocker creates an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]time.Time)}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if until, ok := l.leases[key]; ok && now.Before(until) {
		return nil, ErrLeaseHeld
	}
	expires := now.Add(ttl)
	l.leases[key] = expires

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.leases[key].Equal(expires) {
			delete(l.leases, key)
		}
		return nil
	}, nil
}
