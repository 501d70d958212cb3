package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned by constructors missing credentials or an Ingestor.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrSignatureMismatch marks a webhook whose signature does not verify
	// against the configured secret, or whose timestamp is outside tolerance.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")

	// ErrMalformedEvent marks a verified webhook that cannot be turned into a delivery.
	ErrMalformedEvent = errors.New("malformed provider event")

	// ErrFeedRequest wraps failed calls to a provider's listing or lookup API.
	ErrFeedRequest = errors.New("provider feed request failed")
)
