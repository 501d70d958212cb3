// Package envelope decodes the generic JSON webhook envelope accepted by the
// framework ingestion endpoints in middleware/{http,gin,echo,fiber}.
//
// An envelope looks like:
//
//	{
//	  "id": "evt_123",
//	  "type": "payment.succeeded",
//	  "correlation_id": "pay_9",
//	  "invoice_id": "inv_1",
//	  "workspace_id": "ws_1",
//	  "session_hint": "cs_1",
//	  "replay": false,
//	  "data": {...}
//	}
//
// The Idempotency-Key header, when present, is the external id and overrides
// "id". The "data" object is the payload recorded in the ledger.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

const (
	// DefaultIdempotencyHeader carries the external event id.
	DefaultIdempotencyHeader = "Idempotency-Key"
	// DefaultSignatureHeader carries the hex HMAC-SHA256 of the body.
	DefaultSignatureHeader = "X-Signature"
	// MaxBodyBytes bounds an envelope body.
	MaxBodyBytes = 256 * 1024
)

var (
	ErrInvalidEnvelope  = errors.New("invalid webhook envelope")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingProvider  = errors.New("webhook provider is required")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the wire form of a generic webhook.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type" validate:"required,max=128"`
	CorrelationID string          `json:"correlation_id"`
	InvoiceID     string          `json:"invoice_id"`
	WorkspaceID   string          `json:"workspace_id"`
	SessionHint   string          `json:"session_hint"`
	Replay        bool            `json:"replay"`
	Data          json.RawMessage `json:"data"`
}

// Decode turns an envelope body into a ledger delivery. idempotencyKey wins
// over the body id when both are set.
func Decode(provider, idempotencyKey string, body []byte) (recon.Delivery, error) {
	if provider == "" {
		return recon.Delivery{}, ErrMissingProvider
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return recon.Delivery{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if err := validate.Struct(env); err != nil {
		return recon.Delivery{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	externalID := strings.TrimSpace(idempotencyKey)
	if externalID == "" {
		externalID = strings.TrimSpace(env.ID)
	}
	if externalID == "" {
		return recon.Delivery{}, fmt.Errorf("%w: missing event id", ErrInvalidEnvelope)
	}

	payload := env.Data
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(body)
	}

	return recon.Delivery{
		Provider:      provider,
		ExternalID:    externalID,
		EventType:     env.Type,
		CorrelationID: env.CorrelationID,
		WorkspaceID:   env.WorkspaceID,
		InvoiceID:     env.InvoiceID,
		SessionHint:   env.SessionHint,
		Payload:       payload,
		Replay:        env.Replay,
	}, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. An optional "sha256=" prefix is
// accepted. An empty secret disables verification.
func Verify(secret, signature string, body []byte) error {
	if secret == "" {
		return nil
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// Response is the JSON body every ingestion endpoint answers with.
type Response struct {
	Outcome recon.IngestOutcome `json:"outcome,omitempty"`
	EventID string              `json:"event_id,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Result maps an ingest result onto a status code and response body.
// Queued events were durably recorded, so the sender gets 202, not a retry.
func Result(res *recon.IngestResult) (int, Response) {
	code := http.StatusOK
	if res.Outcome == recon.OutcomeQueued {
		code = http.StatusAccepted
	}
	resp := Response{Outcome: res.Outcome}
	if res.Event != nil {
		resp.EventID = res.Event.ID
	}
	return code, resp
}

// Failure maps a decoding, verification or ingest error onto a status code
// and response body.
func Failure(err error) (int, Response) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized, Response{Error: "unauthorized"}
	case errors.Is(err, ErrInvalidEnvelope), errors.Is(err, ErrMissingProvider),
		errors.Is(err, recon.ErrInvalidDelivery):
		return http.StatusBadRequest, Response{Error: err.Error()}
	}
	return http.StatusInternalServerError, Response{Error: "failed to process webhook"}
}
