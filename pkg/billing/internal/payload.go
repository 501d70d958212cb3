package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxPayload is the largest webhook body a provider handler reads.
const MaxPayload = 256 * 1024

var (
	// ErrPayloadTooLarge is returned when a webhook body exceeds MaxPayload
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrEmptyPayload is returned for a webhook without a body
	ErrEmptyPayload = errors.New("empty payload")
)

// ReadPayload reads the complete webhook body. The signature is computed
// over these exact bytes, so nothing may consume the body before it.
func ReadPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, MaxPayload)
	defer body.Close() //nolint:errcheck

	payload, err := io.ReadAll(body)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, MaxPayload)
	case err != nil:
		return nil, err
	case len(payload) == 0:
		return nil, ErrEmptyPayload
	}
	return payload, nil
}

// Respond writes v as a non-cacheable JSON webhook acknowledgement.
func Respond(w http.ResponseWriter, code int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	//nolint:errcheck // the status line is already sent
	_ = json.NewEncoder(w).Encode(v)
}

// Reject answers a webhook with {"error": msg}.
func Reject(w http.ResponseWriter, code int, msg string) {
	Respond(w, code, map[string]string{"error": msg})
}
