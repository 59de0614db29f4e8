package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/taskcore/config"
	"github.com/BaSui01/taskcore/orchestrator"
	"github.com/BaSui01/taskcore/persistence"
	"github.com/BaSui01/taskcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func configLog(level, format string) config.LogConfig {
	return config.LogConfig{Level: level, Format: format, OutputPaths: []string{"stderr"}}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, namespace string) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, "", zap.NewNop(), zap.NewAtomicLevelAt(zap.InfoLevel))
	srv.metricsNamespace = namespace
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	_, port, err := net.SplitHostPort(srv.httpManager.Addr())
	require.NoError(t, err)
	return srv, "http://127.0.0.1:" + port
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestServer_MemoryStoreEndToEnd(t *testing.T) {
	srv, base := startServer(t, testConfig(), "taskcore_test_memory")

	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, base+"/api/v1/tasks", map[string]any{"id": "t-1", "userId": "u1", "kind": "routine", "start": true})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	info, err := srv.orch.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", string(info.State))

	snap, err := srv.store.LoadConfig(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", snap.State)

	_, metricsPort, err := net.SplitHostPort(srv.metricsMgr.Addr())
	require.NoError(t, err)
	resp, err = http.Get("http://127.0.0.1:" + metricsPort + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "taskcore_test_memory_")
}

func TestServer_SQLStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Type = persistence.StoreTypeSQL
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "taskcore.db")

	srv, base := startServer(t, cfg, "taskcore_test_sql")
	require.NotNil(t, srv.pool)

	resp := postJSON(t, base+"/api/v1/tasks", map[string]any{"id": "sql-1", "userId": "u1", "kind": "swarm", "start": true})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	snap, err := srv.store.LoadConfig(context.Background(), "sql-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", snap.State)

	resp, err = http.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_APIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKeys = []string{"k1"}
	_, base := startServer(t, cfg, "taskcore_test_auth")

	resp, err := http.Get(base + "/api/v1/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"/api/v1/tasks", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "k1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ApplyConfig(t *testing.T) {
	srv, _ := startServer(t, testConfig(), "taskcore_test_reload")

	next := *srv.cfg
	next.Log.Level = "debug"
	next.Admission = orchestrator.AdmissionConfig{
		RatePerSecond:            0.001,
		Burst:                    1,
		Timeout:                  10 * time.Millisecond,
		PremiumReservePercentage: 0,
	}
	srv.applyConfig(&next)

	assert.Equal(t, zap.DebugLevel, srv.level.Level())
	assert.Equal(t, next.Admission, srv.cfg.Admission)

	ctx := context.Background()
	h, err := srv.orch.Submit(ctx, taskFor("reload-1"))
	require.NoError(t, err)
	require.NoError(t, srv.orch.Start(ctx, h.Task.ID))

	_, err = srv.orch.RequestRunExecution(ctx, orchestrator.RunRequest{TaskID: h.Task.ID})
	require.NoError(t, err)
	_, err = srv.orch.RequestRunExecution(ctx, orchestrator.RunRequest{TaskID: h.Task.ID})
	assert.ErrorIs(t, err, orchestrator.ErrAdmissionTimeout)
}

func TestServer_ShutdownIsIdempotent(t *testing.T) {
	srv, _ := startServer(t, testConfig(), "taskcore_test_shutdown")

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.False(t, srv.httpManager.IsRunning())
	assert.False(t, srv.metricsMgr.IsRunning())
	assert.NoError(t, srv.Shutdown(context.Background()))

	_, err := srv.orch.Submit(context.Background(), taskFor("late"))
	assert.ErrorIs(t, err, orchestrator.ErrShutdown)
}

func taskFor(id string) types.Task {
	return types.Task{ID: id, UserID: "u1", Kind: types.TaskKindRoutine}
}
