package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/config"
)

const tenantKey = "alk_integration_key"

func newVendorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-system" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, vendorURL string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
logging:
  level: warn
auth:
  store: static
  static_keys:
    - key: %s
      tenant_id: acme
vendors:
  - name: openai
    base_url: %s
    system_key: sk-system
    retry:
      max_retries: 0
`, tenantKey, vendorURL)))
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func TestBuildApp_ProxiesChatCompletion(t *testing.T) {
	vendorSrv := newVendorServer(t)
	a := newTestApp(t, testConfig(t, vendorSrv.URL))

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tenantKey)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "openai", rec.Header().Get("X-Vendor"))
	assert.Equal(t, "12", rec.Header().Get("X-Total-Tokens"))
	// 5 * 0.0025/1K + 7 * 0.01/1K
	assert.Equal(t, "0.00008250", rec.Header().Get("X-Cost-USD"))
	assert.Contains(t, rec.Body.String(), "chatcmpl-1")
}

func TestBuildApp_RejectsUnknownTenantKey(t *testing.T) {
	vendorSrv := newVendorServer(t)
	a := newTestApp(t, testConfig(t, vendorSrv.URL))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`))
	req.Header.Set("Authorization", "Bearer alk_nobody")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuildApp_HealthAndMetrics(t *testing.T) {
	a := newTestApp(t, testConfig(t, "http://127.0.0.1:1"))

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestBuildApp_InvalidStoreFails(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Credentials.Store = "ldap"

	_, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ldap")
}

func TestApplyConfig_UpdatesLevelPricingAndKeys(t *testing.T) {
	vendorSrv := newVendorServer(t)
	cfg := testConfig(t, vendorSrv.URL)
	a := newTestApp(t, cfg)

	level := new(slog.LevelVar)
	level.Set(cfg.Logging.SlogLevel())

	next := testConfig(t, vendorSrv.URL)
	next.Logging.Level = "debug"
	next.Pricing = []config.PricingConfig{{Model: "gpt-4o", InputPer1K: "1", OutputPer1K: "2"}}
	next.Vendors[0].SystemKey = "sk-rotated"
	a.applyConfig(next, level)

	assert.Equal(t, slog.LevelDebug, level.Level())

	p, ok := a.pricing.GetPricing("gpt-4o")
	require.True(t, ok)
	assert.True(t, p.InputCostPer1K.Equal(decimal.NewFromInt(1)))

	key, err := a.systemKeys.Get(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", key)
}

func TestPrintVendors(t *testing.T) {
	a := newTestApp(t, testConfig(t, "http://vendor.test"))

	var buf bytes.Buffer
	printVendors(&buf, a.registry)
	printModels(&buf, a.registry, a.pricing)

	out := buf.String()
	assert.Contains(t, out, "openai (default)")
	assert.Contains(t, out, "http://vendor.test")
	assert.Contains(t, out, "anthropic")
	assert.Contains(t, out, "gpt-4o")
}

func TestKeysGenerateCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"keys", "generate"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "alk_")
	assert.Contains(t, buf.String(), "Hash")
}
