// Package http provides a net/http webhook ingestion endpoint for the event ledger
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mihaimyh/gorecon/middleware/envelope"
	"github.com/mihaimyh/gorecon/pkg/billing"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

// ProviderExtractor returns the processor name for a request
type ProviderExtractor func(r *http.Request) string

// IdempotencyKeyExtractor returns the external event id carried outside the body.
// Return empty string to fall back to the envelope id.
type IdempotencyKeyExtractor func(r *http.Request) string

// Config holds endpoint configuration
type Config struct {
	// Ingestor records deliveries (usually a *recon.Ledger) (required)
	Ingestor billing.Ingestor

	// GetProvider names the processor of a request (required)
	GetProvider ProviderExtractor

	// GetIdempotencyKey extracts the external event id (optional)
	// If nil, defaults to the Idempotency-Key header
	GetIdempotencyKey IdempotencyKeyExtractor

	// Secret enables HMAC-SHA256 body verification when set
	Secret string

	// SignatureHeader names the signature header
	// Default: X-Signature
	SignatureHeader string

	// OnError is called when a request is rejected or ingestion fails
	// If nil, returns a JSON error with the mapped status code
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	Logger recon.Logger
}

type contextKey struct{}

var errPayloadTooLarge = errors.New("payload too large")

// ResultFromContext returns the ingest result stored by Middleware.
func ResultFromContext(ctx context.Context) (*recon.IngestResult, bool) {
	res, ok := ctx.Value(contextKey{}).(*recon.IngestResult)
	return res, ok
}

// Middleware ingests the request body and hands the result to next through
// the request context. next decides the response.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Ingestor == nil {
		panic("gorecon/http: Config.Ingestor is required")
	}
	if cfg.GetProvider == nil {
		panic("gorecon/http: Config.GetProvider is required")
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader(envelope.DefaultIdempotencyHeader)
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = envelope.DefaultSignatureHeader
	}
	if cfg.Logger == nil {
		cfg.Logger = &recon.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				writeJSON(w, http.StatusMethodNotAllowed, envelope.Response{Error: "method not allowed"})
				return
			}

			body, err := readBody(w, r)
			if err != nil {
				code := http.StatusBadRequest
				if errors.Is(err, errPayloadTooLarge) {
					code = http.StatusRequestEntityTooLarge
				}
				writeJSON(w, code, envelope.Response{Error: err.Error()})
				return
			}

			res, err := ingest(r.Context(), cfg, r, body)
			if err != nil {
				cfg.Logger.Warn("webhook rejected", recon.F("path", r.URL.Path), recon.F("error", err))
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
					return
				}
				code, resp := envelope.Failure(err)
				writeJSON(w, code, resp)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, res)))
		})
	}
}

// Handler returns a complete ingestion endpoint answering with the outcome.
func Handler(cfg Config) http.Handler {
	return Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, _ := ResultFromContext(r.Context())
		code, resp := envelope.Result(res)
		writeJSON(w, code, resp)
	}))
}

func ingest(ctx context.Context, cfg Config, r *http.Request, body []byte) (*recon.IngestResult, error) {
	if err := envelope.Verify(cfg.Secret, r.Header.Get(cfg.SignatureHeader), body); err != nil {
		return nil, err
	}
	delivery, err := envelope.Decode(cfg.GetProvider(r), cfg.GetIdempotencyKey(r), body)
	if err != nil {
		return nil, err
	}
	return cfg.Ingestor.Ingest(ctx, delivery)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, envelope.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errPayloadTooLarge
		}
		return nil, err
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errcheck // status already sent
	_ = json.NewEncoder(w).Encode(v)
}

// Common extractors for convenience

// FixedProvider returns a ProviderExtractor for a single-processor endpoint
func FixedProvider(name string) ProviderExtractor {
	return func(_ *http.Request) string {
		return name
	}
}

// ProviderFromPath returns a ProviderExtractor reading a ServeMux path wildcard
func ProviderFromPath(name string) ProviderExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// ProviderFromHeader returns a ProviderExtractor reading a header
func ProviderFromHeader(headerName string) ProviderExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor reading a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
