package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/internal/db"
)

// PatchKind selects how MetadataPatch.Metadata is applied.
type PatchKind string

const (
	PatchReplace   PatchKind = "replace"
	PatchJSONPatch PatchKind = "json_patch"
	PatchMerge     PatchKind = "merge_patch"
)

// MetadataPatch updates a node's metadata and, when Specs is set, its
// specs. Metadata is a full document for replace, an RFC 6902 operation
// list for json_patch and an RFC 7386 document for merge_patch. The
// previous state is recorded as a revision unless DropRevision is set.
type MetadataPatch struct {
	Kind         PatchKind
	Metadata     json.RawMessage
	Specs        *Specs
	DropRevision bool
}

// RevisionPage is one page of a node's revisions.
type RevisionPage struct {
	Items  []*Revision `json:"items"`
	Count  int64       `json:"count"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

// prepared is a validated patch ready to apply to a document.
type prepared struct {
	kind  PatchKind
	doc   JSONObject
	ops   jsonpatch.Patch
	merge []byte
}

func (p MetadataPatch) prepare() (*prepared, error) {
	out := &prepared{kind: p.Kind}
	if p.Specs != nil {
		if err := validateSpecs(*p.Specs); err != nil {
			return nil, err
		}
	}
	if len(p.Metadata) == 0 {
		if p.Specs == nil {
			return nil, fmt.Errorf("%w: patch changes nothing", ErrInvalidPatch)
		}
		return out, nil
	}

	switch p.Kind {
	case PatchReplace, "":
		out.kind = PatchReplace
		if err := json.Unmarshal(p.Metadata, &out.doc); err != nil || out.doc == nil {
			return nil, fmt.Errorf("%w: metadata must be a JSON object", ErrInvalidPatch)
		}
	case PatchJSONPatch:
		ops, err := jsonpatch.DecodePatch(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		out.ops = ops
	case PatchMerge:
		var obj map[string]any
		if err := json.Unmarshal(p.Metadata, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: merge patch must be a JSON object", ErrInvalidPatch)
		}
		out.merge = p.Metadata
	default:
		return nil, fmt.Errorf("%w: unknown patch kind %q", ErrInvalidPatch, p.Kind)
	}
	return out, nil
}

func (p *prepared) apply(current JSONObject) (JSONObject, error) {
	switch {
	case p.doc != nil:
		return p.doc, nil
	case p.ops == nil && p.merge == nil:
		return current, nil
	}

	raw, err := json.Marshal(orEmpty(current))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var patched []byte
	if p.ops != nil {
		patched, err = p.ops.Apply(raw)
	} else {
		patched, err = jsonpatch.MergePatch(raw, p.merge)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	var out JSONObject
	if err := json.Unmarshal(patched, &out); err != nil || out == nil {
		return nil, fmt.Errorf("%w: patched metadata is not a JSON object", ErrInvalidPatch)
	}
	return out, nil
}

// PatchMetadata applies patch to the node at path. The previous metadata
// and specs become the next revision in the same transaction. Concurrent
// patches of one node race for the revision number; the loser is retried.
func (c *Catalog) PatchMetadata(ctx context.Context, path string, patch MetadataPatch) (*Node, error) {
	p, err := patch.prepare()
	if err != nil {
		return nil, err
	}
	keys := SplitPath(path)

	var updated *Node
	err = c.db.TransactWithRetry(ctx, func(tx *gorm.DB) error {
		node, err := c.resolve(ctx, tx, keys)
		if err != nil {
			return err
		}
		if err := c.authorize(ctx, ActionWriteMetadata, node); err != nil {
			return err
		}
		metadata, err := p.apply(node.Metadata)
		if err != nil {
			return err
		}
		specs := node.Specs
		if patch.Specs != nil {
			specs = *patch.Specs
		}

		if !patch.DropRevision {
			if err := c.recordRevision(tx, node); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		err = tx.Model(&Node{}).Where("id = ?", node.ID).Updates(map[string]any{
			"metadata":     metadata,
			"specs":        orNoSpecs(specs),
			"time_updated": now,
		}).Error
		if err != nil {
			return fmt.Errorf("update metadata of node %d: %w", node.ID, err)
		}
		node.Metadata, node.Specs, node.TimeUpdated = metadata, orNoSpecs(specs), now
		updated = node
		return nil
	}, isRevisionConflict)
	if errors.Is(err, db.ErrRetriesExhausted) {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// errRevisionRace reports that another transaction took the revision
// number first.
var errRevisionRace = errors.New("revision number taken")

func isRevisionConflict(err error) bool {
	return errors.Is(err, errRevisionRace) || db.IsUniqueViolation(err)
}

// recordRevision snapshots node under its next revision number and advances
// the node's counter. The counter moves only if it still holds the number
// read by resolve.
func (c *Catalog) recordRevision(tx *gorm.DB, node *Node) error {
	number := node.NextRevision
	res := tx.Model(&Node{}).Where("id = ? AND next_revision = ?", node.ID, number).
		Update("next_revision", number+1)
	if res.Error != nil {
		return fmt.Errorf("advance revision counter of node %d: %w", node.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: node %d revision %d", errRevisionRace, node.ID, number)
	}
	rev := Revision{
		NodeID:         node.ID,
		RevisionNumber: number,
		Metadata:       orEmpty(node.Metadata),
		Specs:          orNoSpecs(node.Specs),
		TimeCreated:    time.Now().UTC(),
	}
	if err := tx.Create(&rev).Error; err != nil {
		return fmt.Errorf("create revision %d of node %d: %w", number, node.ID, err)
	}
	node.NextRevision = number + 1
	return nil
}

// ListRevisions returns a page of the node's revisions by number.
func (c *Catalog) ListRevisions(ctx context.Context, path string, offset, limit int) (*RevisionPage, error) {
	if limit <= 0 {
		limit = c.cfg.DefaultPageLimit
	}
	limit = min(limit, c.cfg.MaxPageLimit)
	offset = max(offset, 0)

	page := &RevisionPage{Offset: offset, Limit: limit, Items: []*Revision{}}
	err := c.db.ReadSnapshot(ctx, func(tx *gorm.DB) error {
		node, err := c.readable(ctx, tx, path)
		if err != nil {
			return err
		}
		if err := tx.Model(&Revision{}).Where("node_id = ?", node.ID).Count(&page.Count).Error; err != nil {
			return fmt.Errorf("count revisions: %w", err)
		}
		err = tx.Where("node_id = ?", node.ID).Order("revision_number").
			Offset(offset).Limit(limit).Find(&page.Items).Error
		if err != nil {
			return fmt.Errorf("list revisions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetRevision returns one revision of the node at path.
func (c *Catalog) GetRevision(ctx context.Context, path string, number int64) (*Revision, error) {
	tx := c.db.DB(ctx)
	node, err := c.readable(ctx, tx, path)
	if err != nil {
		return nil, err
	}
	var rev Revision
	err = tx.Where("node_id = ? AND revision_number = ?", node.ID, number).First(&rev).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: revision %d of %s", ErrNotFound, number, displayPath(node))
	}
	if err != nil {
		return nil, fmt.Errorf("get revision: %w", err)
	}
	return &rev, nil
}

// DeleteRevision removes one revision of the node at path.
func (c *Catalog) DeleteRevision(ctx context.Context, path string, number int64) error {
	return c.db.Transact(ctx, func(tx *gorm.DB) error {
		node, err := c.resolve(ctx, tx, SplitPath(path))
		if err != nil {
			return err
		}
		if err := c.authorize(ctx, ActionDeleteRevision, node); err != nil {
			return err
		}
		res := tx.Where("node_id = ? AND revision_number = ?", node.ID, number).Delete(&Revision{})
		if res.Error != nil {
			return fmt.Errorf("delete revision: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: revision %d of %s", ErrNotFound, number, displayPath(node))
		}
		return nil
	})
}

// readable resolves path and checks that the caller may read it.
func (c *Catalog) readable(ctx context.Context, tx *gorm.DB, path string) (*Node, error) {
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
	return node, nil
}
