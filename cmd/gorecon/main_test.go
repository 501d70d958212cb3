package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localEnv configures an in-memory process against a stub order service
// that knows no invoices.
func localEnv(t *testing.T) {
	t.Helper()
	orders := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(orders.Close)

	t.Setenv("GORECON_STORAGE_DRIVER", "memory")
	t.Setenv("GORECON_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("GORECON_ORDERS_BASE_URL", orders.URL)
	t.Setenv("GORECON_STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("GORECON_WEBHOOKS_SECRET", "")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Replay.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Replay.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Sweep.Window)
	assert.Equal(t, "gorecon:lease:", cfg.Redis.KeyPrefix)

	// postgres driver without a URL, no Stripe key, no order service
	assert.Error(t, cfg.Validate())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gorecon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: memory
stripe:
  api_key: sk_test_file
orders:
  base_url: https://orders.example.com/api
replay:
  max_attempts: 8
  interval: 1m
sweep:
  window: 24h
`), 0o600))
	t.Setenv("GORECON_REPLAY_MAX_ATTEMPTS", "3")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "sk_test_file", cfg.Stripe.APIKey)
	assert.Equal(t, 3, cfg.Replay.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Replay.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.Window)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRouter_Wiring(t *testing.T) {
	localEnv(t)
	cfg, err := loadConfig("")
	require.NoError(t, err)

	a, err := newApp(t.Context(), cfg)
	require.NoError(t, err)
	defer a.Close()
	router, err := newRouter(a)
	require.NoError(t, err)

	do := func(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
		var reader io.Reader = http.NoBody
		if body != "" {
			reader = bytes.NewBufferString(body)
		}
		req := httptest.NewRequest(method, path, reader)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", "", nil).Code)

	// unknown invoice: recorded and queued for replay
	w := do(http.MethodPost, "/webhooks/adyen", `{"id":"evt_1","type":"payment.succeeded","invoice_id":"inv_1"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// unsigned Stripe webhooks are rejected by the provider, not the generic endpoint
	w = do(http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(http.MethodGet, "/api/events?provider=adyen", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(http.MethodGet, "/api/events?provider=adyen", "", map[string]string{"X-Operator": "ops"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"external_id":"evt_1"`)

	w = do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gorecon_ingest_total")
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sweep", "replay", "migrate"} {
		assert.True(t, names[want], want)
	}
}

func TestMigrateCmd_RequiresURL(t *testing.T) {
	t.Setenv("GORECON_POSTGRES_URL", "")
	root := newRootCmd()
	root.SetArgs([]string{"migrate", "version"})
	root.SetOut(io.Discard)
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.url")
}
