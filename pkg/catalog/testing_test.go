package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubeflow/data-catalog/internal/db"
)

// setupTestCatalog opens a catalog over a migrated temp-file SQLite database.
func setupTestCatalog(t *testing.T, opts ...Option) *Catalog {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "catalog.db")
	cfg.RetryBackoff = 0
	mgr, err := db.Open(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	_, err = mgr.Migrate(context.Background())
	require.NoError(t, err)

	catCfg := DefaultConfig()
	catCfg.StorageRoot = t.TempDir()
	base := []Option{WithConfig(catCfg), WithLogger(slog.New(slog.DiscardHandler))}
	c, err := New(context.Background(), mgr, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func mustCreate(t *testing.T, c *Catalog, parent, key, family string, md JSONObject, specs ...Spec) *Node {
	t.Helper()
	n, err := c.Create(context.Background(), parent, NodeSpec{
		Key:             key,
		StructureFamily: family,
		Metadata:        md,
		Specs:           specs,
	})
	require.NoError(t, err)
	return n
}

// assertClosure checks that nodes_closure is exactly the transitive
// closure of the parent relation, with one self edge per node.
func assertClosure(t *testing.T, c *Catalog) {
	t.Helper()
	ctx := context.Background()

	var nodes []Node
	require.NoError(t, c.db.DB(ctx).Find(&nodes).Error)
	parents := map[int64]*int64{}
	for _, n := range nodes {
		parents[n.ID] = n.Parent
	}

	want := map[string]int{}
	for id := range parents {
		depth := 0
		for cur := &id; cur != nil; cur = parents[*cur] {
			want[fmt.Sprintf("%d->%d", *cur, id)] = depth
			depth++
		}
	}

	var edges []closureEdge
	require.NoError(t, c.db.DB(ctx).Find(&edges).Error)
	got := map[string]int{}
	for _, e := range edges {
		got[fmt.Sprintf("%d->%d", e.Ancestor, e.Descendant)] = e.Depth
	}
	require.Equal(t, want, got)
}

func keysOf(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Key
	}
	return out
}
