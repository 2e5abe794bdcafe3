package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-monitor/internal/config"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	return &cfg
}

func TestBuildWiresMemoryBackend(t *testing.T) {
	cfg := loadTestConfig(t)
	ctx := context.Background()

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.Runner())
	require.NotNil(t, app.Store())

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"search":{"status":"unconfigured"}`)
	require.Contains(t, rec.Body.String(), `"mail":{"status":"unconfigured"}`)
}

func TestBuildWiresSQLiteBackend(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "monitor.db")
	ctx := context.Background()

	app, err := Build(ctx, cfg)
	require.NoError(t, err)

	_, err = app.Store().CreateTask(ctx, monitor.Task{ID: "t-1", Keyword: "switch", TargetSites: []string{"amazon.co.jp"}})
	require.NoError(t, err)
	require.NoError(t, app.Close(ctx))

	reopened, err := Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close(context.Background())) })
	task, err := reopened.Store().GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, "switch", task.Keyword)
}
