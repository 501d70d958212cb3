// Package orders is an HTTP client for the order service that owns invoices.
// It implements recon.EventApplier and recon.InvoiceResolver.
//
// Endpoints used, relative to Config.BaseURL:
//
//	POST /invoices/{invoice_id}/events                  apply a processor event
//	GET  /invoices/{invoice_id}/session?hint={hint}     resolve a hosted session
//	GET  /charges/{processor}/{charge_id}/invoice       find the invoice of a charge
//
// A 404 from any endpoint means the target does not exist.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// ErrUnexpectedStatus is returned for any non-2xx, non-404 response
var ErrUnexpectedStatus = errors.New("unexpected order service response")

// Config holds configuration for the order service client
type Config struct {
	// BaseURL of the order service, e.g. https://orders.internal/api (required)
	BaseURL string

	// APIKey is sent as a Bearer token when set
	APIKey string

	// HTTPClient overrides the default client
	HTTPClient *http.Client

	Logger recon.Logger
}

// Client talks to the order service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     recon.Logger
}

var (
	_ recon.EventApplier    = (*Client)(nil)
	_ recon.InvoiceResolver = (*Client)(nil)
)

// NewClient creates a new order service client
func NewClient(config Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("order service base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid order service base URL: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	// Allow the API key to be provided as a Bearer token and strip the prefix.
	apiKey := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}

	logger := config.Logger
	if logger == nil {
		logger = &recon.NoopLogger{}
	}

	return &Client{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type applyRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ApplyEvent applies a processor event to an invoice
func (c *Client) ApplyEvent(ctx context.Context, invoiceID, eventType string, payload json.RawMessage) (recon.ApplyResult, error) {
	if invoiceID == "" {
		return recon.ApplyNotFound, nil
	}
	body, err := json.Marshal(applyRequest{EventType: eventType, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	status, _, err := c.do(ctx, http.MethodPost, "/invoices/"+url.PathEscape(invoiceID)+"/events", nil, body)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return recon.ApplyNotFound, nil
	}
	return recon.ApplyOK, nil
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// ResolveSession finds the hosted session of an invoice matching hint
func (c *Client) ResolveSession(ctx context.Context, invoiceID, sessionHint string) (string, error) {
	q := url.Values{}
	if sessionHint != "" {
		q.Set("hint", sessionHint)
	}
	status, body, err := c.do(ctx, http.MethodGet, "/invoices/"+url.PathEscape(invoiceID)+"/session", q, nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse session response: %w", err)
	}
	return resp.SessionID, nil
}

type invoiceRefResponse struct {
	InvoiceID   string `json:"invoice_id"`
	WorkspaceID string `json:"workspace_id"`
}

// FindInvoiceByCharge returns the invoice referencing a processor charge, or
// nil when none does
func (c *Client) FindInvoiceByCharge(ctx context.Context, processor, chargeID string) (*recon.InvoiceRef, error) {
	if chargeID == "" {
		return nil, nil
	}
	path := "/charges/" + url.PathEscape(processor) + "/" + url.PathEscape(chargeID) + "/invoice"
	status, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	var resp invoiceRefResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse invoice response: %w", err)
	}
	if resp.InvoiceID == "" {
		return nil, nil
	}
	return &recon.InvoiceRef{InvoiceID: resp.InvoiceID, WorkspaceID: resp.WorkspaceID}, nil
}

// do executes a request and returns the status and body of a 2xx or 404
// response. Any other status is an error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) (int, []byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("order service %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return res.StatusCode, nil, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Warn("order service error",
			recon.F("method", method),
			recon.F("path", path),
			recon.F("status", res.StatusCode))
		return res.StatusCode, nil, fmt.Errorf("%w: %s %s: status %d, body: %s",
			ErrUnexpectedStatus, method, path, res.StatusCode, truncate(string(body), 256))
	}
	return res.StatusCode, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
