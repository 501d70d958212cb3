// Package fiber provides a Fiber webhook ingestion endpoint for the event ledger
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gorecon/middleware/envelope"
	"github.com/mihaimyh/gorecon/pkg/billing"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

// ResultKey is the Fiber locals key holding the *recon.IngestResult
const ResultKey = "gorecon:ingest_result"

// ProviderExtractor returns the processor name for a request
type ProviderExtractor func(c *fiber.Ctx) string

// IdempotencyKeyExtractor extracts the external event id from a Fiber context
// Return empty string to fall back to the envelope id
type IdempotencyKeyExtractor func(c *fiber.Ctx) string

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
	OnError func(c *fiber.Ctx, err error) error

	Logger recon.Logger
}

// Middleware ingests the request body, stores the result in Locals and
// continues the chain.
//
// Fiber enforces the body limit at the server (fiber.Config.BodyLimit);
// envelope.MaxBodyBytes is checked again here.
func Middleware(cfg Config) fiber.Handler {
	cfg = withDefaults(cfg)
	return func(c *fiber.Ctx) error {
		if ok, err := process(c, cfg); !ok {
			return err
		}
		return c.Next()
	}
}

// Handler returns a complete ingestion endpoint answering with the outcome
func Handler(cfg Config) fiber.Handler {
	cfg = withDefaults(cfg)
	return func(c *fiber.Ctx) error {
		if ok, err := process(c, cfg); !ok {
			return err
		}
		res, _ := ResultFromContext(c)
		code, resp := envelope.Result(res)
		return c.Status(code).JSON(resp)
	}
}

func withDefaults(cfg Config) Config {
	// Validate required configuration at startup (fail fast)
	if cfg.Ingestor == nil {
		panic("gorecon/fiber: Config.Ingestor is required")
	}
	if cfg.GetProvider == nil {
		panic("gorecon/fiber: Config.GetProvider is required")
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

// process ingests and stores the result. When it returns false the response
// has already been written and err is the handler's return value.
func process(c *fiber.Ctx, cfg Config) (bool, error) {
	res, err := ingest(c, cfg)
	if err != nil {
		cfg.Logger.Warn("webhook rejected", recon.F("path", c.Path()), recon.F("error", err))
		if cfg.OnError != nil {
			return false, cfg.OnError(c, err)
		}
		return false, defaultError(c, err)
	}
	c.Locals(ResultKey, res)
	return true, nil
}

// ResultFromContext returns the ingest result stored by Middleware
func ResultFromContext(c *fiber.Ctx) (*recon.IngestResult, bool) {
	res, ok := c.Locals(ResultKey).(*recon.IngestResult)
	return res, ok
}

var errPayloadTooLarge = errors.New("payload too large")

func ingest(c *fiber.Ctx, cfg Config) (*recon.IngestResult, error) {
	// Body is only valid for the lifetime of the handler
	body := append([]byte(nil), c.Body()...)
	if len(body) > envelope.MaxBodyBytes {
		return nil, errPayloadTooLarge
	}

	if err := envelope.Verify(cfg.Secret, c.Get(cfg.SignatureHeader), body); err != nil {
		return nil, err
	}
	delivery, err := envelope.Decode(cfg.GetProvider(c), cfg.GetIdempotencyKey(c), body)
	if err != nil {
		return nil, err
	}
	return cfg.Ingestor.Ingest(c.UserContext(), delivery)
}

func defaultError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errPayloadTooLarge) {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(envelope.Response{Error: err.Error()})
	}
	code, resp := envelope.Failure(err)
	return c.Status(code).JSON(resp)
}

// Common extractors for convenience

// FixedProvider returns a ProviderExtractor for a single-processor endpoint
func FixedProvider(name string) ProviderExtractor {
	return func(_ *fiber.Ctx) string {
		return name
	}
}

// ProviderFromParam returns a ProviderExtractor reading a route parameter
func ProviderFromParam(paramName string) ProviderExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor reading a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// IdempotencyKeyFromContext returns an IdempotencyKeyExtractor reading a Locals value
func IdempotencyKeyFromContext(key string) IdempotencyKeyExtractor {
	return func(c *fiber.Ctx) string {
		if v, ok := c.Locals(key).(string); ok {
			return v
		}
		return ""
	}
}
