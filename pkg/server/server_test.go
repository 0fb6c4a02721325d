package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/data-catalog/internal/db"
	"github.com/kubeflow/data-catalog/pkg/adapters"
	"github.com/kubeflow/data-catalog/pkg/audit"
	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog"
)

func setupTestServer(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	cat, _ := openTestCatalog(t)
	return New(cat, DefaultConfig(), append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)...).Handler()
}

func openTestCatalog(t *testing.T) (*catalog.Catalog, *db.Manager) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "catalog.db")
	mgr, err := db.Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	_, err = mgr.Migrate(context.Background())
	require.NoError(t, err)

	catCfg := catalog.DefaultConfig()
	catCfg.StorageRoot = t.TempDir()
	cat, err := catalog.New(context.Background(), mgr, catalog.WithConfig(catCfg), catalog.WithLogger(logger))
	require.NoError(t, err)
	return cat, mgr
}

type call struct {
	method      string
	path        string
	body        any
	contentType string
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case string:
		body.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&body).Encode(b))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	ct := c.contentType
	if ct == "" && c.body != nil {
		ct = "application/json"
	}
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("X-Remote-User", "tester")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
}

func seed(t *testing.T, h http.Handler) {
	t.Helper()
	requireStatus(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/metadata/", body: map[string]any{
		"key": "a", "structure_family": "container",
	}}), http.StatusCreated)
	for _, n := range []struct{ key, color string }{{"x", "red"}, {"y", "blue"}, {"z", "red"}} {
		requireStatus(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/metadata/a", body: map[string]any{
			"key": n.key, "structure_family": "container", "metadata": map[string]any{"color": n.color},
		}}), http.StatusCreated)
	}
}

func TestServer_GetNode(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	rec := do(t, h, call{method: http.MethodGet, path: "/api/v1/metadata/a/x"})
	requireStatus(t, rec, http.StatusOK)
	node := decode[catalog.Node](t, rec)
	assert.Equal(t, "x", node.Key)
	assert.Equal(t, []string{"a"}, node.Ancestors)
	assert.Equal(t, "red", node.Metadata["color"])

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/metadata/a/x?fields=specs"})
	requireStatus(t, rec, http.StatusOK)
	projected := decode[map[string]any](t, rec)
	assert.Contains(t, projected, "specs")
	assert.NotContains(t, projected, "metadata")

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/metadata/a/missing"})
	requireStatus(t, rec, http.StatusNotFound)
	assert.Equal(t, "not_found", decode[map[string]string](t, rec)["error"])
}

func TestServer_CreateErrors(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"duplicate key", "/api/v1/metadata/a", map[string]any{"key": "x", "structure_family": "container"}, http.StatusConflict, "key_conflict"},
		{"invalid key", "/api/v1/metadata/a", map[string]any{"key": "p/q", "structure_family": "container"}, http.StatusBadRequest, "invalid_key"},
		{"missing parent", "/api/v1/metadata/nope", map[string]any{"key": "k", "structure_family": "container"}, http.StatusNotFound, "not_found"},
		{"malformed body", "/api/v1/metadata/a", "{", http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, call{method: http.MethodPost, path: tt.path, body: tt.body, contentType: "application/json"})
			requireStatus(t, rec, tt.status)
			assert.Equal(t, tt.code, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestServer_SearchAndList(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	type page struct {
		Items []map[string]any `json:"items"`
		Count int64            `json:"count"`
		Next  *int             `json:"next"`
	}
	keys := func(p page) []string {
		var out []string
		for _, it := range p.Items {
			out = append(out, it["key"].(string))
		}
		return out
	}

	rec := do(t, h, call{method: http.MethodGet, path: "/api/v1/list/a?page[limit]=2&sort=-key"})
	requireStatus(t, rec, http.StatusOK)
	p := decode[page](t, rec)
	assert.Equal(t, []string{"z", "y"}, keys(p))
	assert.EqualValues(t, 3, p.Count)
	require.NotNil(t, p.Next)
	assert.Equal(t, 2, *p.Next)

	q := url.Values{"filter": {`color = "red"`}, "sort": {"key"}, "fields": {"metadata"}}
	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/search/a?" + q.Encode()})
	requireStatus(t, rec, http.StatusOK)
	p = decode[page](t, rec)
	assert.Equal(t, []string{"x", "z"}, keys(p))
	assert.NotContains(t, p.Items[0], "specs")

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/search/a?" + url.Values{"filter": {"color ="}}.Encode()})
	requireStatus(t, rec, http.StatusBadRequest)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/list/a?stride=2"})
	requireStatus(t, rec, http.StatusNotImplemented)
}

func TestServer_Distinct(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	rec := do(t, h, call{method: http.MethodGet, path: "/api/v1/distinct/a?field=color&counts=true"})
	requireStatus(t, rec, http.StatusOK)
	got := decode[map[string][]catalog.DistinctValue](t, rec)
	require.Len(t, got["color"], 2)
	counts := map[any]int64{}
	for _, v := range got["color"] {
		require.NotNil(t, v.Count)
		counts[v.Value] = *v.Count
	}
	assert.Equal(t, map[any]int64{"red": 2, "blue": 1}, counts)

	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/distinct/a"}), http.StatusBadRequest)
}

func TestServer_PatchAndRevisions(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	rec := do(t, h, call{method: http.MethodPatch, path: "/api/v1/metadata/a/x",
		body: `{"size": 3}`, contentType: "application/merge-patch+json"})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, catalog.JSONObject{"color": "red", "size": 3.0}, decode[catalog.Node](t, rec).Metadata)

	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/metadata/a/x",
		body: `[{"op": "replace", "path": "/color", "value": "green"}]`, contentType: "application/json-patch+json"})
	requireStatus(t, rec, http.StatusOK)

	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/metadata/a/x",
		body: map[string]any{"metadata": map[string]any{"only": true}}})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, catalog.JSONObject{"only": true}, decode[catalog.Node](t, rec).Metadata)

	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/metadata/a/x", body: "color=red", contentType: "text/plain"})
	requireStatus(t, rec, http.StatusUnsupportedMediaType)

	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/metadata/a/x",
		body: `[{"op": "remove", "path": "/absent"}]`, contentType: "application/json-patch+json"})
	requireStatus(t, rec, http.StatusBadRequest)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/revisions/a/x"})
	requireStatus(t, rec, http.StatusOK)
	revs := decode[catalog.RevisionPage](t, rec)
	assert.EqualValues(t, 3, revs.Count)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/revisions/a/x?number=0"})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, catalog.JSONObject{"color": "red"}, decode[catalog.Revision](t, rec).Metadata)

	requireStatus(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/revisions/a/x?number=0"}), http.StatusNoContent)
	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/revisions/a/x?number=0"}), http.StatusNotFound)
	requireStatus(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/revisions/a/x"}), http.StatusBadRequest)
}

func TestServer_MoveAndDelete(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	rec := do(t, h, call{method: http.MethodPut, path: "/api/v1/move/a/x", body: map[string]any{"new_parent": "a/y"}})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, []string{"a", "y"}, decode[catalog.Node](t, rec).Ancestors)

	rec = do(t, h, call{method: http.MethodPut, path: "/api/v1/move/a", body: map[string]any{"new_parent": "a/y"}})
	requireStatus(t, rec, http.StatusConflict)
	assert.Equal(t, "migration_conflict", decode[map[string]string](t, rec)["error"])

	rec = do(t, h, call{method: http.MethodDelete, path: "/api/v1/nodes/a/y"})
	requireStatus(t, rec, http.StatusOK)
	assert.EqualValues(t, 2, decode[catalog.DeleteResult](t, rec).Nodes)

	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/metadata/a/y/x"}), http.StatusNotFound)
	requireStatus(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/nodes/"}), http.StatusConflict)
}

func TestServer_DataSourcesAndAssets(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	rec := do(t, h, call{method: http.MethodPost, path: "/api/v1/data_sources/a/x", body: map[string]any{
		"mimetype":   "image/tiff",
		"management": "external",
		"structure_family": "container",
		"structure":  map[string]any{"shape": []int{3}},
	}})
	requireStatus(t, rec, http.StatusCreated)
	ds := decode[catalog.DataSource](t, rec)

	assetPath := "/api/v1/assets/" + jsonNumber(ds.ID)
	for i := range 2 {
		rec = do(t, h, call{method: http.MethodPost, path: assetPath, body: map[string]any{
			"data_uri": "file:///data/f" + jsonNumber(int64(i)) + ".tif", "parameter": "data_uris", "num": i,
		}})
		requireStatus(t, rec, http.StatusCreated)
	}
	rec = do(t, h, call{method: http.MethodPost, path: assetPath, body: map[string]any{
		"data_uri": "file:///data/single.tif", "parameter": "data_uris",
	}})
	requireStatus(t, rec, http.StatusConflict)
	assert.Equal(t, "asset_association_conflict", decode[map[string]string](t, rec)["error"])

	rec = do(t, h, call{method: http.MethodGet, path: assetPath})
	requireStatus(t, rec, http.StatusOK)
	assert.Len(t, decode[[]catalog.AssetAssociation](t, rec), 2)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/data_sources/" + jsonNumber(ds.ID)})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, "image/tiff", decode[catalog.DataSource](t, rec).Mimetype)

	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/assets/abc"}), http.StatusBadRequest)
}

func TestServer_ArrayData(t *testing.T) {
	h := setupTestServer(t)
	rec := do(t, h, call{method: http.MethodPost, path: "/api/v1/metadata/", body: map[string]any{
		"key": "arr", "structure_family": "array",
		"data_sources": []map[string]any{{
			"mimetype":  adapters.Float64Mimetype,
			"structure": map[string]any{"shape": []int{2, 2}},
		}},
	}})
	requireStatus(t, rec, http.StatusCreated)

	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/array/full/arr?offset=1", body: []float64{3, 4}})
	requireStatus(t, rec, http.StatusOK)
	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/array/full/arr?offset=2&extend=true", body: []float64{5, 6}})
	requireStatus(t, rec, http.StatusOK)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/array/full/arr"})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, []float64{0, 0, 3, 4, 5, 6}, decode[[]float64](t, rec))

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/array/block/arr?block=2"})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, []float64{5, 6}, decode[[]float64](t, rec))

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/array/block/arr?block=7"})
	requireStatus(t, rec, http.StatusBadRequest)

	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/array/full/arr?offset=9", body: []float64{1, 1}})
	requireStatus(t, rec, http.StatusBadRequest)
}

func TestServer_TablePartitions(t *testing.T) {
	h := setupTestServer(t)
	rec := do(t, h, call{method: http.MethodPost, path: "/api/v1/metadata/", body: map[string]any{
		"key": "tbl", "structure_family": "table",
		"data_sources": []map[string]any{{"mimetype": adapters.NDJSONMimetype}},
	}})
	requireStatus(t, rec, http.StatusCreated)

	rec = do(t, h, call{method: http.MethodPatch, path: "/api/v1/table/partition/tbl?partition=0",
		body: []map[string]any{{"a": 1}, {"a": 2}}})
	requireStatus(t, rec, http.StatusOK)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/table/partition/tbl?partition=0"})
	requireStatus(t, rec, http.StatusOK)
	assert.Len(t, decode[[]map[string]any](t, rec), 2)

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/table/full/tbl"})
	requireStatus(t, rec, http.StatusOK)
	assert.Len(t, decode[[]map[string]any](t, rec), 2)

	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/table/partition/tbl"}), http.StatusBadRequest)
}

func TestServer_Health(t *testing.T) {
	h := setupTestServer(t)
	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/healthz"}), http.StatusOK)
	rec := do(t, h, call{method: http.MethodGet, path: "/readyz"})
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, "ready", decode[map[string]any](t, rec)["status"])
}

type denyWrites struct{}

func (denyWrites) Authorize(_ context.Context, req authz.AuthzRequest) (bool, error) {
	return req.Verb == authz.VerbGet || req.Verb == authz.VerbList, nil
}

func TestServer_RequestAuthorizer(t *testing.T) {
	h := setupTestServer(t, WithAuthorizer(denyWrites{}))

	rec := do(t, h, call{method: http.MethodPost, path: "/api/v1/metadata/", body: map[string]any{
		"key": "a", "structure_family": "container",
	}})
	requireStatus(t, rec, http.StatusForbidden)

	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/list/"}), http.StatusOK)
}

func TestServer_Audit(t *testing.T) {
	cat, mgr := openTestCatalog(t)
	store := audit.NewStore(mgr)
	h := New(cat, DefaultConfig(),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithAuthorizer(denyDeletes{}),
		WithAudit(store, audit.DefaultConfig()),
	).Handler()

	seed(t, h)
	requireStatus(t, do(t, h, call{method: http.MethodPatch, path: "/api/v1/metadata/a/x",
		body: map[string]any{"metadata": map[string]any{"size": 1}}}), http.StatusOK)
	requireStatus(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/nodes/a/y"}), http.StatusForbidden)
	requireStatus(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/metadata/a"}), http.StatusOK)

	rec := do(t, h, call{method: http.MethodGet, path: "/api/v1/audit/events?path=a/x"})
	requireStatus(t, rec, http.StatusOK)
	page := decode[map[string]any](t, rec)
	events := page["events"].([]any)
	require.Len(t, events, 1)
	latest := events[0].(map[string]any)
	assert.Equal(t, "patch-metadata", latest["action"])
	assert.Equal(t, "tester", latest["actor"])
	assert.Equal(t, "success", latest["outcome"])

	// Creates are recorded against the parent path.
	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/audit/events?action=create"})
	page = decode[map[string]any](t, rec)
	assert.EqualValues(t, 4, page["total"])

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/audit/events?outcome=denied"})
	page = decode[map[string]any](t, rec)
	require.Len(t, page["events"], 1)
	denied := page["events"].([]any)[0].(map[string]any)
	assert.Equal(t, "delete", denied["action"])
	assert.EqualValues(t, http.StatusForbidden, denied["status_code"])

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/audit/events/" + denied["id"].(string)})
	requireStatus(t, rec, http.StatusOK)
}

type denyDeletes struct{}

func (denyDeletes) Authorize(_ context.Context, req authz.AuthzRequest) (bool, error) {
	return req.Verb != authz.VerbDelete, nil
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
