package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gorecon/middleware/envelope"
	"github.com/mihaimyh/gorecon/pkg/recon"
	"github.com/mihaimyh/gorecon/storage/memory"
)

// countingApplier knows a fixed set of invoices and counts side effects
type countingApplier struct {
	mu       sync.Mutex
	invoices map[string]bool
	applied  int
}

func (a *countingApplier) ApplyEvent(_ context.Context, invoiceID, _ string, _ json.RawMessage) (recon.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.invoices[invoiceID] {
		return recon.ApplyNotFound, nil
	}
	a.applied++
	return recon.ApplyOK, nil
}

func (a *countingApplier) ResolveSession(_ context.Context, _, hint string) (string, error) {
	return hint, nil
}

type failingIngestor struct{}

func (failingIngestor) Ingest(context.Context, recon.Delivery) (*recon.IngestResult, error) {
	return nil, errors.New("connection refused")
}

func setupLedger(t *testing.T) (*recon.Ledger, *countingApplier) {
	t.Helper()
	applier := &countingApplier{invoices: map[string]bool{"inv_1": true}}
	ledger, err := recon.NewLedger(memory.New(), applier, recon.DefaultLedgerConfig())
	require.NoError(t, err)
	return ledger, applier
}

func post(h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/adyen", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope.Response {
	t.Helper()
	var resp envelope.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandler_AppliesOnce(t *testing.T) {
	ledger, applier := setupLedger(t)
	h := Handler(Config{Ingestor: ledger, GetProvider: FixedProvider("adyen")})
	body := `{"id":"evt_1","type":"payment.succeeded","invoice_id":"inv_1","data":{"amount":100}}`

	w := post(h, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode(t, w)
	assert.Equal(t, recon.OutcomeApplied, first.Outcome)
	assert.NotEmpty(t, first.EventID)

	w = post(h, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode(t, w)
	assert.Equal(t, recon.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.EventID, second.EventID)

	assert.Equal(t, 1, applier.applied)
}

func TestHandler_UnknownInvoiceIsQueued(t *testing.T) {
	ledger, _ := setupLedger(t)
	h := Handler(Config{Ingestor: ledger, GetProvider: FixedProvider("adyen")})

	w := post(h, `{"type":"payment.succeeded","invoice_id":"inv_404"}`,
		map[string]string{"Idempotency-Key": "idem_1"})
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode(t, w)
	assert.Equal(t, recon.OutcomeQueued, resp.Outcome)

	event, err := ledger.Event(context.Background(), resp.EventID)
	require.NoError(t, err)
	assert.Equal(t, "idem_1", event.ExternalID)
	assert.Equal(t, recon.ReasonInvoiceNotFound, event.LastReplayError)
}

func TestHandler_Signature(t *testing.T) {
	ledger, _ := setupLedger(t)
	h := Handler(Config{Ingestor: ledger, GetProvider: FixedProvider("adyen"), Secret: "s3cret"})
	body := `{"id":"evt_2","type":"payment.succeeded","invoice_id":"inv_1"}`

	w := post(h, body, map[string]string{"X-Signature": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(h, body, map[string]string{"X-Signature": "sha256=" + envelope.Sign("s3cret", []byte(body))})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Rejections(t *testing.T) {
	ledger, _ := setupLedger(t)
	h := Handler(Config{Ingestor: ledger, GetProvider: ProviderFromHeader("X-Provider")})

	t.Run("method", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks", http.NoBody))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	})

	t.Run("missing provider", func(t *testing.T) {
		w := post(h, `{"id":"e","type":"t"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad envelope", func(t *testing.T) {
		w := post(h, `{"id":"e"}`, map[string]string{"X-Provider": "adyen"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("too large", func(t *testing.T) {
		w := post(h, string(bytes.Repeat([]byte("x"), envelope.MaxBodyBytes+1)), map[string]string{"X-Provider": "adyen"})
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestHandler_IngestFailure(t *testing.T) {
	var gotErr error
	h := Handler(Config{
		Ingestor:    failingIngestor{},
		GetProvider: FixedProvider("adyen"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})

	w := post(h, `{"id":"evt_3","type":"t"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.EqualError(t, gotErr, "connection refused")
}

func TestMiddleware_ExposesResult(t *testing.T) {
	ledger, _ := setupLedger(t)
	var seen *recon.IngestResult
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := ResultFromContext(r.Context())
		require.True(t, ok)
		seen = res
		w.WriteHeader(http.StatusNoContent)
	})

	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/{provider}", Middleware(Config{Ingestor: ledger, GetProvider: ProviderFromPath("provider")})(next))

	w := post(mux, `{"id":"evt_4","type":"payment.succeeded","invoice_id":"inv_1"}`, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "adyen", seen.Event.Provider)
	assert.Equal(t, recon.OutcomeApplied, seen.Outcome)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetProvider: FixedProvider("x")}) })
	assert.Panics(t, func() { Middleware(Config{Ingestor: failingIngestor{}}) })
}
