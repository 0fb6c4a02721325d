package catalog

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
)

// DeleteResult counts the rows removed by Delete.
type DeleteResult struct {
	Nodes       int64 `json:"nodes"`
	DataSources int64 `json:"data_sources"`
	Assets      int64 `json:"assets"`
	Revisions   int64 `json:"revisions"`
}

// Delete removes the node at nodePath and its whole subtree, including
// data sources, revisions and assets no other data source references.
func (c *Catalog) Delete(ctx context.Context, nodePath string) (*DeleteResult, error) {
	var res *DeleteResult
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		node, err := c.resolve(ctx, tx, SplitPath(nodePath))
		if err != nil {
			return err
		}
		if node.IsRoot() {
			return fmt.Errorf("%w: cannot delete the root", ErrMigrationConflict)
		}
		if err := c.authorize(ctx, ActionDelete, node); err != nil {
			return err
		}
		res, err = c.delete(tx, node.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("node deleted", "path", nodePath, "nodes", res.Nodes, "assets", res.Assets)
	return res, nil
}

// delete removes the subtree rooted at id inside tx.
func (c *Catalog) delete(tx *gorm.DB, id int64) (*DeleteResult, error) {
	res := &DeleteResult{}
	nodes, err := subtree(tx, id)
	if err != nil {
		return nil, err
	}

	sources, err := pluckIn(tx, &DataSource{}, "node_id IN ?", "id", nodes)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	assets, err := pluckIn(tx, &association{}, "data_source_id IN ?", "asset_id", sources)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	if _, err := deleteIn(tx, &association{}, "data_source_id IN ?", sources); err != nil {
		return nil, fmt.Errorf("delete associations: %w", err)
	}
	if res.DataSources, err = deleteIn(tx, &DataSource{}, "id IN ?", sources); err != nil {
		return nil, fmt.Errorf("delete data sources: %w", err)
	}

	// Assets shared with data sources outside the subtree survive.
	shared, err := pluckIn(tx, &association{}, "asset_id IN ?", "asset_id", assets)
	if err != nil {
		return nil, fmt.Errorf("list shared assets: %w", err)
	}
	if res.Assets, err = deleteIn(tx, &Asset{}, "id IN ?", assets.Difference(shared)); err != nil {
		return nil, fmt.Errorf("delete assets: %w", err)
	}

	if res.Revisions, err = deleteIn(tx, &Revision{}, "node_id IN ?", nodes); err != nil {
		return nil, fmt.Errorf("delete revisions: %w", err)
	}
	if _, err := deleteIn(tx, &closureEdge{}, "descendant IN ?", nodes); err != nil {
		return nil, fmt.Errorf("delete closure rows: %w", err)
	}
	if res.Nodes, err = deleteLeavesFirst(tx, nodes); err != nil {
		return nil, fmt.Errorf("delete nodes: %w", err)
	}
	return res, nil
}

// deleteLeavesFirst removes nodes children before parents so the parent
// foreign key holds after every statement.
func deleteLeavesFirst(tx *gorm.DB, ids mapset.Set[int64]) (int64, error) {
	remaining := ids.Clone()
	var total int64
	for remaining.Cardinality() > 0 {
		parents, err := pluckIn(tx, &Node{}, "id IN ? AND parent IS NOT NULL", "parent", remaining)
		if err != nil {
			return total, err
		}
		leaves := remaining.Difference(parents)
		if leaves.Cardinality() == 0 {
			return total, fmt.Errorf("cycle among %d nodes", remaining.Cardinality())
		}
		n, err := deleteIn(tx, &Node{}, "id IN ?", leaves)
		total += n
		if err != nil {
			return total, err
		}
		remaining = remaining.Difference(leaves)
	}
	return total, nil
}
