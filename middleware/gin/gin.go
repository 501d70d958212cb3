// Package gin provides a Gin webhook ingestion endpoint for the event ledger
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gorecon/middleware/envelope"
	"github.com/mihaimyh/gorecon/pkg/billing"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

// ResultKey is the Gin context key holding the *recon.IngestResult
const ResultKey = "gorecon:ingest_result"

// ProviderExtractor returns the processor name for a request
type ProviderExtractor func(c *gongin.Context) string

// IdempotencyKeyExtractor extracts the external event id from a Gin context
// Return empty string to fall back to the envelope id
type IdempotencyKeyExtractor func(c *gongin.Context) string

// Config holds endpoint configuration
type Config struct {
	// Ingestor records deliveries (required)
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
	// If nil, responds with the mapped status code and a JSON error
	OnError func(c *gongin.Context, err error)

	Logger recon.Logger
}

// Middleware ingests the request body, stores the result under ResultKey and
// continues the chain. Handlers after it decide the response.
func Middleware(cfg Config) gongin.HandlerFunc {
	cfg = withDefaults(cfg)

	return func(c *gongin.Context) {
		res, err := ingest(c, cfg)
		if err != nil {
			cfg.Logger.Warn("webhook rejected", recon.F("path", c.FullPath()), recon.F("error", err))
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// Handler returns a complete ingestion endpoint answering with the outcome
func Handler(cfg Config) gongin.HandlerFunc {
	mw := Middleware(cfg)
	return func(c *gongin.Context) {
		mw(c)
		if c.IsAborted() {
			return
		}
		res, _ := ResultFromContext(c)
		code, resp := envelope.Result(res)
		c.JSON(code, resp)
	}
}

// ResultFromContext returns the ingest result stored by Middleware
func ResultFromContext(c *gongin.Context) (*recon.IngestResult, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return nil, false
	}
	res, ok := v.(*recon.IngestResult)
	return res, ok
}

func withDefaults(cfg Config) Config {
	// Validate required configuration at startup (fail fast)
	if cfg.Ingestor == nil {
		panic("gorecon/gin: Config.Ingestor is required")
	}
	if cfg.GetProvider == nil {
		panic("gorecon/gin: Config.GetProvider is required")
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
	return cfg
}

var errPayloadTooLarge = errors.New("payload too large")

func ingest(c *gongin.Context, cfg Config) (*recon.IngestResult, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, envelope.MaxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errPayloadTooLarge
		}
		return nil, err
	}

	if err := envelope.Verify(cfg.Secret, c.GetHeader(cfg.SignatureHeader), body); err != nil {
		return nil, err
	}
	delivery, err := envelope.Decode(cfg.GetProvider(c), cfg.GetIdempotencyKey(c), body)
	if err != nil {
		return nil, err
	}
	return cfg.Ingestor.Ingest(c.Request.Context(), delivery)
}

func defaultError(c *gongin.Context, err error) {
	if errors.Is(err, errPayloadTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, envelope.Response{Error: err.Error()})
		return
	}
	code, resp := envelope.Failure(err)
	c.JSON(code, resp)
}

// Common extractors for convenience

// FixedProvider returns a ProviderExtractor for a single-processor endpoint
func FixedProvider(name string) ProviderExtractor {
	return func(_ *gongin.Context) string {
		return name
	}
}

// ProviderFromParam returns a ProviderExtractor reading a route parameter
func ProviderFromParam(paramName string) ProviderExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor reading a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// IdempotencyKeyFromContext returns an IdempotencyKeyExtractor reading a Gin context value
func IdempotencyKeyFromContext(key string) IdempotencyKeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
