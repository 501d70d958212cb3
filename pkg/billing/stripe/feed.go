package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gorecon/pkg/billing"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

// maxPageSize is the largest page Stripe list endpoints return.
const maxPageSize = 100

// FeedClient implements recon.FeedClient on the Stripe API.
//
// Pages are fetched one at a time (Single) with one extra object to learn
// whether another page exists. Cursors are Stripe object ids used as
// starting_after.
type FeedClient struct {
	client  *stripe.Client
	metrics billing.Metrics
}

func newFeedClient(client *stripe.Client, metrics billing.Metrics) *FeedClient {
	return &FeedClient{client: client, metrics: metrics}
}

// Name implements recon.FeedClient
func (f *FeedClient) Name() string {
	return providerName
}

// ListBalanceTransactions implements recon.FeedClient
func (f *FeedClient) ListBalanceTransactions(ctx context.Context, q recon.FeedQuery) (*recon.TransactionPage, error) {
	const endpoint = "/v1/balance_transactions"
	limit := pageLimit(q.Limit)

	params := &stripe.BalanceTransactionListParams{}
	params.Limit = stripe.Int64(int64(limit + 1))
	params.Single = true
	params.AddExpand("data.source")
	if q.Cursor != "" {
		params.StartingAfter = stripe.String(q.Cursor)
	}
	params.CreatedRange = createdRange(q.Since, q.Until)

	start := time.Now()
	page := &recon.TransactionPage{}
	for bt, err := range f.client.V1BalanceTransactions.List(ctx, params) {
		if err != nil {
			f.record(endpoint, start, err)
			return nil, fmt.Errorf("failed to list balance transactions: %w", err)
		}
		if len(page.Transactions) == limit {
			page.HasMore = true
			break
		}
		page.Transactions = append(page.Transactions, toFeedTransaction(bt))
	}
	f.record(endpoint, start, nil)

	if n := len(page.Transactions); n > 0 {
		page.NextCursor = page.Transactions[n-1].ID
	}
	return page, nil
}

// RetrieveBalanceTransaction implements recon.FeedClient
func (f *FeedClient) RetrieveBalanceTransaction(ctx context.Context, id string) (*recon.FeedTransaction, error) {
	const endpoint = "/v1/balance_transactions/{id}"
	params := &stripe.BalanceTransactionRetrieveParams{}
	params.AddExpand("source")

	start := time.Now()
	bt, err := f.client.V1BalanceTransactions.Retrieve(ctx, id, params)
	f.record(endpoint, start, err)
	if err != nil {
		return nil, feedError("balance transaction", id, err)
	}
	txn := toFeedTransaction(bt)
	return &txn, nil
}

// ListDisputes implements recon.FeedClient
func (f *FeedClient) ListDisputes(ctx context.Context, q recon.FeedQuery) (*recon.DisputePage, error) {
	const endpoint = "/v1/disputes"
	limit := pageLimit(q.Limit)

	params := &stripe.DisputeListParams{}
	params.Limit = stripe.Int64(int64(limit + 1))
	params.Single = true
	if q.Cursor != "" {
		params.StartingAfter = stripe.String(q.Cursor)
	}
	params.CreatedRange = createdRange(q.Since, q.Until)

	start := time.Now()
	page := &recon.DisputePage{}
	for d, err := range f.client.V1Disputes.List(ctx, params) {
		if err != nil {
			f.record(endpoint, start, err)
			return nil, fmt.Errorf("failed to list disputes: %w", err)
		}
		if len(page.Disputes) == limit {
			page.HasMore = true
			break
		}
		page.Disputes = append(page.Disputes, toFeedDispute(d))
	}
	f.record(endpoint, start, nil)

	if n := len(page.Disputes); n > 0 {
		page.NextCursor = page.Disputes[n-1].ID
	}
	return page, nil
}

// RetrieveCharge implements recon.FeedClient
func (f *FeedClient) RetrieveCharge(ctx context.Context, chargeID string) (*recon.ChargeMetadata, error) {
	const endpoint = "/v1/charges/{id}"

	start := time.Now()
	ch, err := f.client.V1Charges.Retrieve(ctx, chargeID, &stripe.ChargeRetrieveParams{})
	f.record(endpoint, start, err)
	if err != nil {
		return nil, feedError("charge", chargeID, err)
	}

	meta := &recon.ChargeMetadata{
		ChargeID:    ch.ID,
		InvoiceID:   ch.Metadata["invoice_id"],
		WorkspaceID: ch.Metadata["workspace_id"],
		Metadata:    ch.Metadata,
	}
	if ch.Customer != nil {
		meta.CustomerID = ch.Customer.ID
	}
	return meta, nil
}

func (f *FeedClient) record(endpoint string, start time.Time, err error) {
	status := "ok"
	switch {
	case isNotFound(err):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	f.metrics.RecordFeedRequest(providerName, endpoint, status, time.Since(start))
}

func toFeedTransaction(bt *stripe.BalanceTransaction) recon.FeedTransaction {
	txn := recon.FeedTransaction{
		ID:        bt.ID,
		ChargeID:  chargeIDOf(bt.Source),
		Type:      recon.NormalizeTransactionType(string(bt.Type)),
		Currency:  string(bt.Currency),
		Amount:    bt.Amount,
		Fee:       bt.Fee,
		Net:       bt.Net,
		CreatedAt: time.Unix(bt.Created, 0).UTC(),
	}
	if raw, err := json.Marshal(bt); err == nil {
		txn.Raw = raw
	}
	return txn
}

// chargeIDOf returns the charge a balance transaction settles, if any.
func chargeIDOf(src *stripe.BalanceTransactionSource) string {
	if src == nil {
		return ""
	}
	switch {
	case src.Charge != nil:
		return src.Charge.ID
	case src.Refund != nil && src.Refund.Charge != nil:
		return src.Refund.Charge.ID
	case src.Dispute != nil && src.Dispute.Charge != nil:
		return src.Dispute.Charge.ID
	case src.Type == stripe.BalanceTransactionSourceTypeCharge:
		return src.ID
	}
	return ""
}

func toFeedDispute(d *stripe.Dispute) recon.FeedDispute {
	fd := recon.FeedDispute{
		ID:        d.ID,
		Currency:  string(d.Currency),
		Amount:    d.Amount,
		Reason:    string(d.Reason),
		Status:    string(d.Status),
		CreatedAt: time.Unix(d.Created, 0).UTC(),
	}
	if d.Charge != nil {
		fd.ChargeID = d.Charge.ID
	}
	if len(d.BalanceTransactions) > 0 && d.BalanceTransactions[0] != nil {
		fd.TransactionID = d.BalanceTransactions[0].ID
	}
	return fd
}

func pageLimit(limit int) int {
	if limit <= 0 || limit >= maxPageSize {
		return maxPageSize - 1
	}
	return limit
}

func createdRange(since, until time.Time) *stripe.RangeQueryParams {
	if since.IsZero() && until.IsZero() {
		return nil
	}
	r := &stripe.RangeQueryParams{}
	if !since.IsZero() {
		r.GreaterThanOrEqual = since.Unix()
	}
	if !until.IsZero() {
		r.LesserThan = until.Unix()
	}
	return r
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) &&
		(stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing)
}

// feedError maps a missing object to recon.ErrFeedNotFound.
func feedError(kind, id string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s %s", recon.ErrFeedNotFound, kind, id)
	}
	return fmt.Errorf("%w: %s %s: %w", billing.ErrFeedRequest, kind, id, err)
}

var _ recon.FeedClient = (*FeedClient)(nil)
