package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// Provider is the generic interface that any payment processor adapter must implement.
// It turns the processor's webhooks into ledger deliveries and exposes its
// record of truth to the statement synchronizer.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, decodes and
	// ingests real-time events.
	WebhookHandler() http.Handler

	// Feed returns the client the synchronizer pages through.
	Feed() recon.FeedClient
}

// Ingestor records one delivery in the processor event ledger.
// *recon.Ledger satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, d recon.Delivery) (*recon.IngestResult, error)
}
