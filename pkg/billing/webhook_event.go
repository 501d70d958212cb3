package billing

import (
	"time"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// WebhookEvent describes a webhook after it went through the ledger.
// It is passed to the WebhookCallback once the ingest outcome is known.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "payment_intent.succeeded", "charge.refunded", etc.
	EventType string

	// ExternalID is the provider's event id, the ledger idempotency key
	ExternalID string

	// EventID is the ledger row id
	EventID string

	// InvoiceID is the invoice the event refers to, if known
	InvoiceID string

	// Outcome is applied, duplicate or queued_for_replay
	Outcome recon.IngestOutcome

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time
}
