// ABOUTME: Tests for the Gateway orchestrator and its HTTP API
// ABOUTME: Runs an in-process fleet of loopback shards behind httptest

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shard-fleet/internal/config"
	"github.com/2389/shard-fleet/internal/gatewayinfo"
	"github.com/2389/shard-fleet/internal/shard"
)

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := ln.Addr().String()
	ln.Close()

	return &config.Config{
		Server:  config.ServerConfig{HTTPAddr: httpAddr},
		Gateway: config.GatewayConfig{MaxConcurrencyOverride: 2, InfoTTL: time.Minute},
		Fleet: config.FleetConfig{
			ShardCount:      4,
			ShardsPerWorker: 2,
			Mode:            config.ModeInProcess,
			ReadyTimeout:    2 * time.Second,
			RestartBackoff:  10 * time.Millisecond,
		},
		Identify: config.IdentifyConfig{Interval: time.Millisecond},
		Session:  config.SessionConfig{Driver: config.DriverMemory},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startedGateway returns a gateway whose fleet has started, without
// binding the configured HTTP address.
func startedGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { gw.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, gw.fleet.Start(ctx))
	gw.ready.Store(true)
	return gw
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.fleet)
	assert.NotNil(t, gw.store)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, gw.fleet.Assignment())
}

func TestGatewayNew_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session = config.SessionConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "sessions.db")}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestGatewayNew_RequiresTokenWithoutOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.MaxConcurrencyOverride = 0

	_, err := New(cfg, testLogger())
	assert.ErrorIs(t, err, gatewayinfo.ErrMissingToken)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, err := gw.fleet.FetchStatus(context.Background(), 3)
		return err == nil && status == shard.StatusReady
	}, 2*time.Second, 10*time.Millisecond, "ConnectAll should connect every shard")

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	// Shards were destroyed with intent to resume, so sessions remain.
	info, err := gw.store.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestHealthEndpoints(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw.Handler(), http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_ShardLifecycle(t *testing.T) {
	gw := startedGateway(t, testConfig(t))
	h := gw.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/shards/2/connect", "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/shards/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one ShardStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, ShardStatusResponse{ShardID: 2, WorkerID: 1, Status: "ready"}, one)

	rec = doRequest(t, h, http.MethodPost, "/api/shards/2/send", `{"op": 0, "d": "hi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/shards/2/destroy", `{"code": 4000, "reason": "test"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/shards", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []ShardStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 4)
	for _, s := range all {
		assert.Equal(t, "idle", s.Status, "shard %d", s.ShardID)
		assert.Empty(t, s.Error)
	}
}

func TestAPI_Errors(t *testing.T) {
	gw := startedGateway(t, testConfig(t))
	h := gw.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"non-numeric id", http.MethodGet, "/api/shards/abc", "", http.StatusBadRequest},
		{"unknown shard", http.MethodPost, "/api/shards/99/connect", "", http.StatusNotFound},
		{"bad recover", http.MethodPost, "/api/shards/0/destroy", `{"recover": "maybe"}`, http.StatusBadRequest},
		{"bad payload", http.MethodPost, "/api/shards/0/send", `{`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/shards", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_GatewayInfo(t *testing.T) {
	gw := startedGateway(t, testConfig(t))

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/gateway", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info gatewayinfo.Info
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&info))
	assert.Equal(t, 2, info.SessionStartLimit.MaxConcurrency)
}

func TestMetricsEndpoint(t *testing.T) {
	gw := startedGateway(t, testConfig(t))

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shard_fleet_fleet_workers_ready 2")
}
