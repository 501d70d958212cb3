// Package echo provides an Echo webhook ingestion endpoint for the event ledger
package echo

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gorecon/middleware/envelope"
	"github.com/mihaimyh/gorecon/pkg/billing"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

// ResultKey is the Echo context key holding the *recon.IngestResult
const ResultKey = "gorecon:ingest_result"

// ProviderExtractor returns the processor name for a request
type ProviderExtractor func(c echo.Context) string

// IdempotencyKeyExtractor extracts the external event id from an Echo context
// Return empty string to fall back to the envelope id
type IdempotencyKeyExtractor func(c echo.Context) string

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
	OnError func(c echo.Context, err error) error

	Logger recon.Logger
}

// Middleware ingests the request body, stores the result under ResultKey and
// calls next
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ingestor == nil {
		panic("gorecon/echo: Config.Ingestor is required")
	}
	if cfg.GetProvider == nil {
		panic("gorecon/echo: Config.GetProvider is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res, err := ingest(c, cfg)
			if err != nil {
				cfg.Logger.Warn("webhook rejected", recon.F("path", c.Path()), recon.F("error", err))
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}
			c.Set(ResultKey, res)
			return next(c)
		}
	}
}

// Handler returns a complete ingestion endpoint answering with the outcome
func Handler(cfg Config) echo.HandlerFunc {
	return Middleware(cfg)(func(c echo.Context) error {
		res, _ := ResultFromContext(c)
		code, resp := envelope.Result(res)
		return c.JSON(code, resp)
	})
}

// ResultFromContext returns the ingest result stored by Middleware
func ResultFromContext(c echo.Context) (*recon.IngestResult, bool) {
	res, ok := c.Get(ResultKey).(*recon.IngestResult)
	return res, ok
}

var errPayloadTooLarge = errors.New("payload too large")

func ingest(c echo.Context, cfg Config) (*recon.IngestResult, error) {
	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, envelope.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errPayloadTooLarge
		}
		return nil, err
	}

	if err := envelope.Verify(cfg.Secret, req.Header.Get(cfg.SignatureHeader), body); err != nil {
		return nil, err
	}
	delivery, err := envelope.Decode(cfg.GetProvider(c), cfg.GetIdempotencyKey(c), body)
	if err != nil {
		return nil, err
	}
	return cfg.Ingestor.Ingest(req.Context(), delivery)
}

func defaultError(c echo.Context, err error) error {
	if errors.Is(err, errPayloadTooLarge) {
		return c.JSON(http.StatusRequestEntityTooLarge, envelope.Response{Error: err.Error()})
	}
	code, resp := envelope.Failure(err)
	return c.JSON(code, resp)
}

// Common extractors for convenience

// FixedProvider returns a ProviderExtractor for a single-processor endpoint
func FixedProvider(name string) ProviderExtractor {
	return func(_ echo.Context) string {
		return name
	}
}

// ProviderFromParam returns a ProviderExtractor reading a path parameter
func ProviderFromParam(paramName string) ProviderExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor reading a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// IdempotencyKeyFromContext returns an IdempotencyKeyExtractor reading an Echo context value
func IdempotencyKeyFromContext(key string) IdempotencyKeyExtractor {
	return func(c echo.Context) string {
		if v, ok := c.Get(key).(string); ok {
			return v
		}
		return ""
	}
}
