package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// Config holds configuration for the operator API handler
type Config struct {
	// Ledger serves event reads and replay requests (required)
	Ledger *recon.Ledger

	// Replayer executes triggered and forced replays (required)
	Replayer *recon.ReplayWorker

	// Coordinator serves runs and on-demand sweeps (required)
	Coordinator *recon.Coordinator

	// Staging is the staging triage queue (required)
	Staging *recon.StagingQueue

	// Discrepancies is the discrepancy ledger (required)
	Discrepancies *recon.DiscrepancyLedger

	// GetOperator identifies the operator making a request.
	// If set, requests without an operator are rejected with 401.
	// If nil, the API is unauthenticated (mount it behind your own auth).
	GetOperator func(*http.Request) string

	// OnError handles errors (validation, not found, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// StreamInterval is how often a replay status stream polls the ledger
	// Default: 1s
	StreamInterval time.Duration

	// StreamTimeout closes a replay status stream
	// Default: 2m
	StreamTimeout time.Duration

	// Logger records operator mutations
	Logger recon.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Replayer == nil {
		return fmt.Errorf("replayer is required")
	}
	if c.Coordinator == nil {
		return fmt.Errorf("coordinator is required")
	}
	if c.Staging == nil {
		return fmt.Errorf("staging queue is required")
	}
	if c.Discrepancies == nil {
		return fmt.Errorf("discrepancy ledger is required")
	}
	return nil
}

// NewHandler creates a new operator API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.StreamInterval <= 0 {
		config.StreamInterval = time.Second
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &recon.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common operator extraction patterns

// FromHeader returns a GetOperator function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetOperator function that reads a request context value
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if operator, ok := r.Context().Value(key).(string); ok {
			return operator
		}
		return ""
	}
}
