package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// WebhookCallback is invoked after a webhook was ingested. Errors are logged
// and never change the response sent to the provider.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// Config defines the standard configuration all providers should accept
type Config struct {
	// Ingestor records webhook deliveries, usually a *recon.Ledger
	Ingestor Ingestor

	// WebhookSecret is used to verify incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (feed pagination).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger receives webhook processing logs. Defaults to recon.NoopLogger.
	Logger recon.Logger

	// OnWebhook is an optional hook run after each ingested webhook.
	OnWebhook WebhookCallback

	// RateLimit caps webhook requests per client IP per minute (0 = default).
	RateLimit int
}
