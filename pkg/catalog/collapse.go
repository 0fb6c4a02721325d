package catalog

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// CollapseResult summarizes a collapse migration.
type CollapseResult struct {
	Collapsed int `json:"collapsed"`
	Moved     int `json:"moved"`
}

// Collapse moves every child of the container at path up to the
// container's parent and then deletes the container, in one transaction.
// Nothing changes if any child key already exists under the parent.
func (c *Catalog) Collapse(ctx context.Context, path string) (*CollapseResult, error) {
	res := &CollapseResult{}
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		node, err := c.resolve(ctx, tx, SplitPath(path))
		if err != nil {
			return err
		}
		moved, err := c.collapse(ctx, tx, node)
		if err != nil {
			return err
		}
		res.Collapsed, res.Moved = 1, moved
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("container collapsed", "path", path, "moved", res.Moved)
	return res, nil
}

// CollapseBySpec collapses every container whose children all carry spec.
// Each container is collapsed in its own transaction; the first failure
// stops the run and is returned with the partial summary.
func (c *Catalog) CollapseBySpec(ctx context.Context, spec string) (*CollapseResult, error) {
	res := &CollapseResult{}
	if spec == "" {
		return res, fmt.Errorf("%w: empty spec", ErrInvalidQuery)
	}
	carries, err := c.dialect.Lower(query.SpecsQuery{Include: []string{spec}})
	if err != nil {
		return res, err
	}

	var ids []int64
	err = c.db.DB(ctx).Raw(
		"SELECT p.id FROM nodes p "+
			"WHERE p.structure_family = ? AND p.parent IS NOT NULL "+
			"AND EXISTS (SELECT 1 FROM nodes WHERE nodes.parent = p.id) "+
			"AND NOT EXISTS (SELECT 1 FROM nodes WHERE nodes.parent = p.id AND NOT "+carries.SQL+") "+
			"ORDER BY p.id",
		append([]any{FamilyContainer}, carries.Args...)...,
	).Scan(&ids).Error
	if err != nil {
		return res, fmt.Errorf("find containers with spec %s: %w", spec, err)
	}

	for _, id := range ids {
		err := c.db.Transact(ctx, func(tx *gorm.DB) error {
			node, err := c.nodeByID(tx, id)
			if err != nil {
				return err
			}
			moved, err := c.collapse(ctx, tx, node)
			if err != nil {
				return fmt.Errorf("collapse %s: %w", displayPath(node), err)
			}
			res.Collapsed++
			res.Moved += moved
			c.logger.Info("container collapsed", "path", node.Path(), "moved", moved, "spec", spec)
			return nil
		})
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Catalog) collapse(ctx context.Context, tx *gorm.DB, node *Node) (int, error) {
	if node.IsRoot() {
		return 0, fmt.Errorf("%w: cannot collapse the root", ErrMigrationConflict)
	}
	if node.StructureFamily != FamilyContainer {
		return 0, fmt.Errorf("%w: %s is not a container", ErrUnsupported, displayPath(node))
	}
	if err := c.authorize(ctx, ActionDelete, node); err != nil {
		return 0, err
	}
	parent, err := c.nodeByID(tx, *node.Parent)
	if err != nil {
		return 0, err
	}

	var children []*Node
	if err := tx.Where("nodes.parent = ?", node.ID).Order("id").Find(&children).Error; err != nil {
		return 0, fmt.Errorf("list children of %s: %w", displayPath(node), err)
	}
	keys := make([]string, 0, len(children))
	for _, ch := range children {
		keys = append(keys, ch.Key)
	}
	if len(keys) > 0 {
		var clashes []string
		err := tx.Model(&Node{}).
			Where("nodes.parent = ? AND "+c.dialect.KeyColumn()+" IN ?", parent.ID, keys).
			Pluck(c.dialect.KeyColumn(), &clashes).Error
		if err != nil {
			return 0, fmt.Errorf("check keys under %s: %w", displayPath(parent), err)
		}
		if len(clashes) > 0 {
			return 0, fmt.Errorf("%w: %s already exists", ErrKeyConflict, joinPath(parent.Path(), clashes[0]))
		}
	}

	for _, ch := range children {
		ch.Ancestors = append(append([]string{}, node.Ancestors...), node.Key)
		if _, err := c.move(tx, ch, parent); err != nil {
			return 0, err
		}
	}
	if _, err := c.delete(tx, node.ID); err != nil {
		return 0, err
	}
	return len(children), nil
}
