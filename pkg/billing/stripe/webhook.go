package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gorecon/pkg/billing"
	"github.com/mihaimyh/gorecon/pkg/billing/internal"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

// webhookResponse is the JSON body returned to Stripe.
type webhookResponse struct {
	Outcome recon.IngestOutcome `json:"outcome"`
	EventID string              `json:"event_id"`
}

// handleWebhook verifies, decodes and ingests one Stripe webhook
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		internal.Reject(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if p.webhookSecret == "" {
		internal.Reject(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	payload, err := internal.ReadPayload(w, r)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.reject(w, http.StatusRequestEntityTooLarge, "too_large", err)
			return
		}
		p.reject(w, http.StatusBadRequest, "malformed", err)
		return
	}

	event, err := p.verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("stripe webhook rejected", recon.F("error", err))
		p.reject(w, http.StatusUnauthorized, "bad_signature", errors.New("unauthorized"))
		return
	}

	delivery, err := p.DecodeEvent(event)
	if err != nil {
		p.reject(w, http.StatusBadRequest, "malformed", err)
		return
	}

	result, err := p.ingestor.Ingest(r.Context(), delivery)
	if err != nil {
		p.logger.Error("stripe webhook ingest failed",
			recon.F("external_id", delivery.ExternalID),
			recon.F("event_type", delivery.EventType),
			recon.F("error", err))
		p.metrics.RecordWebhook(providerName, delivery.EventType, "error", time.Since(start))
		internal.Reject(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}
	p.metrics.RecordWebhook(providerName, delivery.EventType, string(result.Outcome), time.Since(start))
	p.notify(r.Context(), event, result)

	// A queued event is durably recorded; Stripe must not redeliver it.
	code := http.StatusOK
	if result.Outcome == recon.OutcomeQueued {
		code = http.StatusAccepted
	}
	internal.Respond(w, code, webhookResponse{Outcome: result.Outcome, EventID: result.Event.ID})
}

// verify checks the Stripe-Signature header over the raw payload.
func (p *Provider) verify(payload []byte, header string) (*stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header, p.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.config.SignatureTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrSignatureMismatch, err)
	}
	return &event, nil
}

func (p *Provider) reject(w http.ResponseWriter, code int, reason string, err error) {
	p.metrics.RecordWebhookRejected(providerName, reason)
	internal.Reject(w, code, err.Error())
}

func (p *Provider) notify(ctx context.Context, event *stripe.Event, result *recon.IngestResult) {
	if p.config.OnWebhook == nil {
		return
	}
	err := p.config.OnWebhook(ctx, billing.WebhookEvent{
		Provider:       providerName,
		EventType:      string(event.Type),
		ExternalID:     event.ID,
		EventID:        result.Event.ID,
		InvoiceID:      result.Event.InvoiceID,
		Outcome:        result.Outcome,
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
	})
	if err != nil {
		p.logger.Warn("webhook callback failed", recon.F("external_id", event.ID), recon.F("error", err))
	}
}

// webhookObject is the subset of any Stripe object the ledger needs.
type webhookObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Metadata          map[string]string `json:"metadata"`
	ClientReferenceID string            `json:"client_reference_id"`
}

// DecodeEvent maps a verified Stripe event onto a ledger delivery.
//
// The invoice id comes from the configured metadata key, then
// client_reference_id for Checkout Sessions. Checkout Session ids double as
// the session hint.
func (p *Provider) DecodeEvent(event *stripe.Event) (recon.Delivery, error) {
	if event == nil || event.ID == "" {
		return recon.Delivery{}, fmt.Errorf("%w: missing event id", billing.ErrMalformedEvent)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return recon.Delivery{}, fmt.Errorf("%w: missing event data", billing.ErrMalformedEvent)
	}

	var obj webhookObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return recon.Delivery{}, fmt.Errorf("%w: %w", billing.ErrMalformedEvent, err)
	}

	d := recon.Delivery{
		Provider:      providerName,
		ExternalID:    event.ID,
		EventType:     string(event.Type),
		CorrelationID: obj.ID,
		WorkspaceID:   obj.Metadata[p.config.WorkspaceMetadataKey],
		InvoiceID:     obj.Metadata[p.config.InvoiceMetadataKey],
		Payload:       json.RawMessage(event.Data.Raw),
	}
	if obj.Object == "checkout.session" {
		d.SessionHint = obj.ID
		if d.InvoiceID == "" {
			d.InvoiceID = obj.ClientReferenceID
		}
	}
	return d, nil
}
