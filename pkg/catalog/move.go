package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/internal/db"
)

// Move reparents the node at nodePath under the container at
// newParentPath, rewriting the closure edges that link its subtree to its
// old ancestors. Edges inside the subtree are untouched.
func (c *Catalog) Move(ctx context.Context, nodePath, newParentPath string) (*Node, error) {
	var moved *Node
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		node, err := c.resolve(ctx, tx, SplitPath(nodePath))
		if err != nil {
			return err
		}
		parent, err := c.resolve(ctx, tx, SplitPath(newParentPath))
		if err != nil {
			return err
		}
		if err := c.authorize(ctx, ActionMove, node); err != nil {
			return err
		}
		if err := c.authorize(ctx, ActionCreate, parent); err != nil {
			return err
		}
		moved, err = c.move(tx, node, parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("node moved", "from", nodePath, "to", moved.Path())
	return moved, nil
}

// move does the work of Move inside tx.
func (c *Catalog) move(tx *gorm.DB, node, parent *Node) (*Node, error) {
	if node.IsRoot() {
		return nil, fmt.Errorf("%w: cannot move the root", ErrMigrationConflict)
	}
	if parent.StructureFamily != FamilyContainer {
		return nil, fmt.Errorf("%w: %s is not a container", ErrUnsupported, displayPath(parent))
	}
	var inside int64
	if err := tx.Model(&closureEdge{}).Where("ancestor = ? AND descendant = ?", node.ID, parent.ID).Count(&inside).Error; err != nil {
		return nil, fmt.Errorf("check move target: %w", err)
	}
	if inside > 0 {
		return nil, fmt.Errorf("%w: cannot move %s into its own subtree", ErrMigrationConflict, displayPath(node))
	}

	newAncestors := parent.Ancestors
	if !parent.IsRoot() {
		newAncestors = append(append([]string{}, parent.Ancestors...), parent.Key)
	}
	if *node.Parent == parent.ID {
		node.Ancestors = newAncestors
		return node, nil
	}

	var clash int64
	err := tx.Model(&Node{}).Where("nodes.parent = ? AND "+c.dialect.KeyColumn()+" = ?", parent.ID, node.Key).Count(&clash).Error
	if err != nil {
		return nil, fmt.Errorf("check key under new parent: %w", err)
	}
	if clash > 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyConflict, joinPath(parent.Path(), node.Key))
	}

	sub, err := subtree(tx, node.ID)
	if err != nil {
		return nil, err
	}
	old, err := properAncestors(tx, node.ID)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks(sub) {
		err := tx.Where("descendant IN ? AND ancestor IN ?", chunk, old.ToSlice()).Delete(&closureEdge{}).Error
		if err != nil {
			return nil, fmt.Errorf("unlink subtree of node %d: %w", node.ID, err)
		}
	}
	err = tx.Exec(
		"INSERT INTO nodes_closure (ancestor, descendant, depth) "+
			"SELECT p.ancestor, s.descendant, p.depth + s.depth + 1 "+
			"FROM nodes_closure p CROSS JOIN nodes_closure s "+
			"WHERE p.descendant = ? AND s.ancestor = ?",
		parent.ID, node.ID,
	).Error
	if err != nil {
		return nil, fmt.Errorf("link subtree of node %d: %w", node.ID, err)
	}

	now := time.Now().UTC()
	err = tx.Model(&Node{}).Where("id = ?", node.ID).Updates(map[string]any{"parent": parent.ID, "time_updated": now}).Error
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyConflict, joinPath(parent.Path(), node.Key))
		}
		return nil, fmt.Errorf("reparent node %d: %w", node.ID, err)
	}

	node.Parent = &parent.ID
	node.Ancestors = newAncestors
	node.TimeUpdated = now
	return node, nil
}
