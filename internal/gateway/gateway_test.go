// ABOUTME: Tests for gateway construction, health endpoints and lifecycle
// ABOUTME: Uses in-memory SQLite and httptest recorders

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/unicollab-dm/internal/auth"
	"github.com/2389/unicollab-dm/internal/config"
)

const testSecret = "gateway-test-secret-0123456789ab"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvDBPath, "")
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	return cfg
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig(t))
}

func newAuthGateway(t *testing.T) (*Gateway, *auth.JWTVerifier) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = testSecret
	gw := newTestGatewayWithConfig(t, cfg)

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	return gw, v
}

func tokenFor(t *testing.T, v *auth.JWTVerifier, participant string) string {
	t.Helper()
	token, err := v.Generate(participant, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")

	require.NoError(t, gw.store.Close())

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dm_websocket_connections")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	gw := newTestGatewayWithConfig(t, cfg)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_BadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Presence.RedisURL = "not-a-redis-url"

	_, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "presence")
}

func TestNew_ShortJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, auth.ErrSecretTooShort)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	gw := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	gw := newTestGateway(t)

	require.NoError(t, gw.Shutdown(context.Background()))
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/dm/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dm/ts", dir)

	t.Setenv("HOME", "/home/someone")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, "/home/someone/.local/share/dm-gateway/tailscale", dir)
}
