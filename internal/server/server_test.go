package server_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/relaynet/internal/config"
	"github.com/sakif/relaynet/internal/middleware"
	"github.com/sakif/relaynet/internal/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.MaxBodyBytes = 1 << 20
	cfg.Auth.JWTSecret = "test-secret-at-least-16"
	cfg.Auth.ServiceToken = "shared-service-token"
	cfg.Auth.BcryptCost = 4
	cfg.Hub.DataDir = filepath.Join(dir, "hub")
	cfg.PDS.DBPath = filepath.Join(dir, "pds", "pds.db")
	cfg.Gateway.DBPath = filepath.Join(dir, "gateway", "gateway.db")
	cfg.Gateway.PDS = []string{"http://127.0.0.1:1"}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHub_HealthAndMetrics(t *testing.T) {
	srv, err := server.NewHub(testConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	rec := get(t, srv.Handler(), "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, srv.Handler(), "/api/v1/sync/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, srv.Handler(), "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relaynet_http_requests_total{method="GET",route="/api/v1/sync/status",status="200"} 1`)
}

func TestNewPDS_DescribeServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.PDS.DID = "did:web:pds.example.com"

	srv, err := server.NewPDS(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	rec := get(t, srv.Handler(), "/xrpc/com.atproto.server.describeServer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "did:web:pds.example.com")

	// Peer sync routes are closed to callers without the service token.
	rec = get(t, srv.Handler(), "/xrpc/com.proto.sync.listSince?since=0", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewPDS_RejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := server.NewPDS(cfg, quietLogger())
	assert.Error(t, err)
}

func TestNewGateway_PaymentGate(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PaymentHeader string `json:"paymentHeader"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(middleware.Verdict{IsValid: body.PaymentHeader == "paid", InvalidReason: "unpaid"})
	}))
	t.Cleanup(facilitator.Close)

	cfg := testConfig(t)
	cfg.Gateway.Payment.FacilitatorURL = facilitator.URL
	cfg.Gateway.Payment.PayTo = "0xabc"
	cfg.Gateway.Payment.Asset = "0xusdc"

	srv, err := server.NewGateway(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	t.Run("profile reads are free", func(t *testing.T) {
		rec := get(t, srv.Handler(), "/api/v1/profile/did:proto:alice", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("feed without payment gets a challenge", func(t *testing.T) {
		rec := get(t, srv.Handler(), "/api/v1/feed", nil)
		require.Equal(t, http.StatusPaymentRequired, rec.Code)

		var ch middleware.Challenge
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))
		require.Len(t, ch.Accepts, 1)
		assert.Equal(t, "0xabc", ch.Accepts[0].PayTo)
		assert.True(t, strings.HasSuffix(ch.Accepts[0].Resource, "/api/v1/feed"))
	})

	t.Run("rejected proof", func(t *testing.T) {
		rec := get(t, srv.Handler(), "/api/v1/feed", map[string]string{middleware.PaymentHeader: "forged"})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("valid proof reaches the handler", func(t *testing.T) {
		rec := get(t, srv.Handler(), "/api/v1/search?q=hello", map[string]string{middleware.PaymentHeader: "paid"})
		assert.NotEqual(t, http.StatusPaymentRequired, rec.Code)
	})
}

func TestNewGateway_NoFacilitatorLeavesRoutesOpen(t *testing.T) {
	srv, err := server.NewGateway(testConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	rec := get(t, srv.Handler(), "/api/v1/search?q=hello", nil)
	assert.NotEqual(t, http.StatusPaymentRequired, rec.Code)
}

func TestClose_Idempotent(t *testing.T) {
	srv, err := server.NewHub(testConfig(t), quietLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	assert.NoError(t, srv.Close())
}
