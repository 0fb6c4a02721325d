package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/internal/db"
)

// Create adds a child node under parentPath. Data sources listed in spec
// are registered in the same transaction.
func (c *Catalog) Create(ctx context.Context, parentPath string, spec NodeSpec) (*Node, error) {
	if err := ValidateKey(spec.Key); err != nil {
		return nil, err
	}
	if !structureFamilies[spec.StructureFamily] {
		return nil, fmt.Errorf("%w: structure family %q", ErrUnsupported, spec.StructureFamily)
	}
	if err := validateSpecs(spec.Specs); err != nil {
		return nil, err
	}
	for _, ds := range spec.DataSources {
		if err := validateDataSource(spec.StructureFamily, ds); err != nil {
			return nil, err
		}
	}

	keys := SplitPath(parentPath)
	var created *Node
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		parent, err := c.resolve(ctx, tx, keys)
		if err != nil {
			return err
		}
		if parent.StructureFamily != FamilyContainer {
			return fmt.Errorf("%w: %s is a %s, not a container", ErrUnsupported, displayPath(parent), parent.StructureFamily)
		}
		if err := c.authorize(ctx, ActionCreate, parent); err != nil {
			return err
		}

		now := time.Now().UTC()
		node := &Node{
			Key:             spec.Key,
			Parent:          &parent.ID,
			StructureFamily: spec.StructureFamily,
			Metadata:        orEmpty(spec.Metadata),
			Specs:           orNoSpecs(spec.Specs),
			TimeCreated:     now,
			TimeUpdated:     now,
		}
		if err := tx.Create(node).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrKeyConflict, joinPath(parent.Path(), spec.Key))
			}
			return fmt.Errorf("create node: %w", err)
		}
		if err := insertClosure(tx, parent.ID, node.ID); err != nil {
			return err
		}
		node.Ancestors = append([]string{}, keys...)

		for _, ds := range spec.DataSources {
			registered, err := c.registerDataSource(ctx, tx, node, ds)
			if err != nil {
				return err
			}
			node.DataSources = append(node.DataSources, registered)
		}
		created = node
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("node created", "path", created.Path(), "id", created.ID, "family", created.StructureFamily)
	return created, nil
}

// insertClosure links a new node to every ancestor of its parent plus
// its own zero-depth edge.
func insertClosure(tx *gorm.DB, parentID, nodeID int64) error {
	err := tx.Exec(
		"INSERT INTO nodes_closure (ancestor, descendant, depth) "+
			"SELECT a.ancestor, n.id, a.depth + 1 FROM nodes_closure a, nodes n "+
			"WHERE a.descendant = ? AND n.id = ?",
		parentID, nodeID,
	).Error
	if err != nil {
		return fmt.Errorf("insert closure rows for node %d: %w", nodeID, err)
	}
	if err := tx.Create(&closureEdge{Ancestor: nodeID, Descendant: nodeID}).Error; err != nil {
		return fmt.Errorf("insert self edge for node %d: %w", nodeID, err)
	}
	return nil
}

// Get returns the node at path with its data sources.
func (c *Catalog) Get(ctx context.Context, path string) (*Node, error) {
	tx := c.db.DB(ctx)
	node, err := c.resolve(ctx, tx, SplitPath(path))
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, ActionRead, node); err != nil {
		return nil, err
	}
	if err := c.visible(ctx, node); err != nil {
		return nil, err
	}
	if err := c.loadDataSources(tx, []*Node{node}); err != nil {
		return nil, err
	}
	return node, nil
}

// List returns one page of the children of the node at parentPath.
func (c *Catalog) List(ctx context.Context, parentPath string, req PageRequest) (*Page, error) {
	v, err := c.View(ctx, parentPath)
	if err != nil {
		return nil, err
	}
	return v.List(ctx, req)
}

// loadDataSources attaches data sources, structures and assets to nodes.
func (c *Catalog) loadDataSources(tx *gorm.DB, nodes []*Node) error {
	if len(nodes) == 0 {
		return nil
	}
	byID := make(map[int64]*Node, len(nodes))
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		ids = append(ids, n.ID)
	}

	var sources []*DataSource
	if err := tx.Where("node_id IN ?", ids).Order("id").Find(&sources).Error; err != nil {
		return fmt.Errorf("list data sources: %w", err)
	}
	for _, ds := range sources {
		if err := c.hydrateDataSource(tx, ds); err != nil {
			return err
		}
		n := byID[ds.NodeID]
		n.DataSources = append(n.DataSources, ds)
	}
	return nil
}

func orEmpty(m JSONObject) JSONObject {
	if m == nil {
		return JSONObject{}
	}
	return m
}

func orNoSpecs(s Specs) Specs {
	if s == nil {
		return Specs{}
	}
	return s
}
