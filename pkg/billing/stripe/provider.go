package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gorecon/pkg/billing"
	"github.com/mihaimyh/gorecon/pkg/billing/internal"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

const (
	providerName              = "stripe"
	defaultHTTPTimeout        = 10 * time.Second
	defaultRateLimitWindow    = time.Minute
	defaultRateLimitRequests  = 100
	defaultSignatureTolerance = 5 * time.Minute
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Ingestor, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// BackendURL overrides the Stripe API base URL (tests, stripe-mock).
	BackendURL string

	// SignatureTolerance is the maximum age of a signed webhook (default 5m)
	SignatureTolerance time.Duration

	// InvoiceMetadataKey and WorkspaceMetadataKey name the object metadata
	// fields that carry the local invoice and workspace ids.
	InvoiceMetadataKey   string
	WorkspaceMetadataKey string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config        Config
	ingestor      billing.Ingestor
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	feed          *FeedClient
	metrics       billing.Metrics
	logger        recon.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Ingestor == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	if config.SignatureTolerance <= 0 {
		config.SignatureTolerance = defaultSignatureTolerance
	}
	if config.InvoiceMetadataKey == "" {
		config.InvoiceMetadataKey = "invoice_id"
	}
	if config.WorkspaceMetadataKey == "" {
		config.WorkspaceMetadataKey = "workspace_id"
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &recon.NoopLogger{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(2),
	}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(config.BackendURL)
	}
	client := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}

	return &Provider{
		config:        config,
		ingestor:      config.Ingestor,
		rateLimiter:   internal.NewRateLimiter(limit, defaultRateLimitWindow),
		webhookSecret: webhookSecret,
		feed:          newFeedClient(client, metrics),
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Feed returns the balance transaction feed backed by the Stripe API
func (p *Provider) Feed() recon.FeedClient {
	return p.feed
}

var _ billing.Provider = (*Provider)(nil)
