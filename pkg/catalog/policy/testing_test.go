package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubeflow/data-catalog/internal/db"
	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog"
)

func setupTestCatalog(t *testing.T, p catalog.AccessPolicy) *catalog.Catalog {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "catalog.db")
	cfg.RetryBackoff = 0
	logger := slog.New(slog.DiscardHandler)
	mgr, err := db.Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	_, err = mgr.Migrate(context.Background())
	require.NoError(t, err)

	catCfg := catalog.DefaultConfig()
	catCfg.StorageRoot = t.TempDir()
	c, err := catalog.New(context.Background(), mgr,
		catalog.WithPolicy(p), catalog.WithConfig(catCfg), catalog.WithLogger(logger))
	require.NoError(t, err)
	return c
}

func as(user string, groups ...string) context.Context {
	return authz.WithIdentity(context.Background(), authz.Identity{User: user, Groups: groups})
}

func create(t *testing.T, ctx context.Context, c *catalog.Catalog, parent, key string, md catalog.JSONObject) {
	t.Helper()
	family := catalog.FamilyContainer
	if md != nil {
		family = catalog.FamilyTable
	}
	_, err := c.Create(ctx, parent, catalog.NodeSpec{Key: key, StructureFamily: family, Metadata: md})
	require.NoError(t, err)
}

func listKeys(t *testing.T, ctx context.Context, c *catalog.Catalog, path string) []string {
	t.Helper()
	page, err := c.List(ctx, path, catalog.PageRequest{Sort: []catalog.SortKey{{Field: "key"}}})
	require.NoError(t, err)
	keys := make([]string, len(page.Items))
	for i, n := range page.Items {
		keys[i] = n.Key
	}
	return keys
}

// node builds an unsaved node at the slash-separated path.
func node(path string, md catalog.JSONObject) *catalog.Node {
	parts := catalog.SplitPath(path)
	n := &catalog.Node{Metadata: md}
	if len(parts) == 0 {
		return n
	}
	var root int64 = 1
	n.Parent = &root
	n.Key = parts[len(parts)-1]
	n.Ancestors = parts[:len(parts)-1]
	return n
}
