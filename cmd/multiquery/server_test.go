package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/config"
	"github.com/BaSui01/multiquery/internal/database"
)

const testSecret = "server-test-secret"

// newTestServer 用 sqlite 文件库与 miniredis 组装完整的服务
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Server.MetricsPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Auth.Secret = testSecret
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.HealthCheckInterval = 0
	cfg.Database = config.DatabaseConfig{
		Driver:      "sqlite",
		Name:        filepath.Join(t.TempDir(), "multiquery.db"),
		Pool:        database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
		AutoMigrate: true,
	}
	cfg.Orchestrator.ConfigStore = "redis"
	cfg.Billing.Backend = "gorm"
	cfg.Billing.InitialSeed = 500
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(cfg, config.NewLoader(), "", zap.NewNop())
	require.NoError(t, s.Init(ctx))

	ts := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		s.Close()
	})
	return s, ts
}

func authed(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"iss": "multiquery",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	r, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	return r
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	return out.Data
}

func TestServer_HealthEndpointsSkipAuth(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/health", "/healthz", "/ready", "/version"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestServer_CreditsOpensAccount(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/credits")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.DefaultClient.Do(authed(t, http.MethodGet, ts.URL+"/api/v1/credits?reconcile=true", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, "user-1", data["user_id"])
	assert.EqualValues(t, 500, data["balance"])
}

func TestServer_QueryWithoutAdaptersIsBlocked(t *testing.T) {
	_, ts := newTestServer(t)

	body := `{"prompt":"hello","engines":[{"provider":"openai","model":"gpt-4o"}]}`
	resp, err := http.DefaultClient.Do(authed(t, http.MethodPost, ts.URL+"/api/v1/queries", strings.NewReader(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Query-ID"))

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"blocked", "query_done"}, events)
}

func TestServer_ProvidersAndInvalidate(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(authed(t, http.MethodGet, ts.URL+"/api/v1/providers", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.DefaultClient.Do(authed(t, http.MethodPost, ts.URL+"/api/v1/modelconfig/invalidate",
		strings.NewReader(`{"reason":"test"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, true, data["broadcast"])
	assert.Equal(t, "test", data["reason"])
}

func TestServer_MetricsOnMainPort(t *testing.T) {
	_, ts := newTestServer(t)

	// 先产生一次请求
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "multiquery_http_requests_total")
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Server.HTTPPort = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
