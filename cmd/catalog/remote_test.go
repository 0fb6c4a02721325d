package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/data-catalog/internal/db"
	"github.com/kubeflow/data-catalog/pkg/audit"
	"github.com/kubeflow/data-catalog/pkg/catalog"
	"github.com/kubeflow/data-catalog/pkg/server"
)

// startRemote serves a seeded catalog and returns its URL.
func startRemote(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "catalog.db")
	mgr, err := db.Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	_, err = mgr.Migrate(ctx)
	require.NoError(t, err)

	cat, err := catalog.New(ctx, mgr, catalog.WithLogger(logger))
	require.NoError(t, err)
	h := server.New(cat, server.DefaultConfig(),
		server.WithLogger(logger),
		server.WithAudit(audit.NewStore(mgr), audit.DefaultConfig()),
	).Handler()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	post := func(path, body string) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Remote-User", "seeder")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	post("/api/v1/metadata/", `{"key": "raw", "structure_family": "container"}`)
	post("/api/v1/metadata/raw", `{"key": "a b", "structure_family": "container", "metadata": {"color": "red"}}`)
	post("/api/v1/metadata/raw", `{"key": "c", "structure_family": "container", "metadata": {"color": "blue"}, "specs": [{"name": "scan"}]}`)
	return ts.URL
}

func TestRemote(t *testing.T) {
	url := startRemote(t)

	out, err := run(t, "remote", "--server", url, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "readiness")
	assert.Contains(t, out, "ready")

	out, err = run(t, "remote", "--server", url, "ls", "raw", "-o", "json")
	require.NoError(t, err)
	var page catalog.Page
	require.NoError(t, json.Unmarshal([]byte(out), &page), out)
	assert.EqualValues(t, 2, page.Count)

	out, err = run(t, "remote", "--server", url, "ls", "raw", "--filter", `color = "blue"`)
	require.NoError(t, err)
	assert.Contains(t, out, "scan")
	assert.NotContains(t, out, "a b")

	out, err = run(t, "remote", "--server", url, "get", "raw/a b")
	require.NoError(t, err)
	assert.Contains(t, out, "raw/a b")

	_, err = run(t, "remote", "--server", url, "get", "raw/missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)

	out, err = run(t, "remote", "--server", url, "audit", "--actor", "seeder", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "create")
	assert.Contains(t, out, "--page-token")

	out, err = run(t, "remote", "--server", url, "audit", "-o", "json")
	require.NoError(t, err)
	var events auditPage
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.EqualValues(t, 3, events.Total)
}

func TestRemote_NotReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status": "not_ready"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status": "alive", "uptime": "1s"}`))
	}))
	t.Cleanup(ts.Close)

	out, err := run(t, "remote", "--server", ts.URL, "health")
	assert.ErrorContains(t, err, "not ready")
	assert.Contains(t, out, "not_ready")

	_, err = run(t, "remote", "--server", "http://127.0.0.1:1", "health")
	assert.ErrorContains(t, err, "unreachable")
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "raw/a%20b", escapePath("/raw/a b/"))
	assert.Equal(t, "", escapePath(""))
}
