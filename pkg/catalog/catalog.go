// Package catalog implements the hierarchical node store: nodes and their
// closure table, revisions, data sources and assets, searchable views and
// the access policy contract that narrows them.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/internal/db"
	"github.com/kubeflow/data-catalog/pkg/adapters"
	"github.com/kubeflow/data-catalog/pkg/cache"
	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// Catalog is the entry point to the node store.
type Catalog struct {
	db         *db.Manager
	dialect    query.Dialect
	cfg        *Config
	policy     AccessPolicy
	adapters   *adapters.Registry
	structures *cache.LRU[string, JSONObject]
	logger     *slog.Logger
	rootID     int64
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithPolicy sets the access policy. The default allows everything.
func WithPolicy(p AccessPolicy) Option {
	return func(c *Catalog) { c.policy = p }
}

// WithConfig overrides the default Config.
func WithConfig(cfg *Config) Option {
	return func(c *Catalog) { c.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// WithAdapters sets the data adapter registry used for reads and writes.
func WithAdapters(r *adapters.Registry) Option {
	return func(c *Catalog) { c.adapters = r }
}

// WithStructureCache injects the cache of structures keyed by id.
func WithStructureCache(lru *cache.LRU[string, JSONObject]) Option {
	return func(c *Catalog) { c.structures = lru }
}

// New opens a catalog over a migrated database. It fails with
// ErrIncompatiblePolicy when the configured policy rejects this catalog.
func New(ctx context.Context, mgr *db.Manager, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		db:      mgr,
		dialect: query.Dialect(mgr.Dialect()),
		cfg:     DefaultConfig(),
		policy:  allowAll{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.adapters == nil {
		c.adapters = adapters.Default()
	}
	if c.structures == nil {
		c.structures = cache.New[string, JSONObject](cache.DefaultConfig())
	}

	var root Node
	if err := mgr.DB(ctx).Where("parent IS NULL").First(&root).Error; err != nil {
		return nil, fmt.Errorf("load root node: %w", err)
	}
	c.rootID = root.ID

	if !c.policy.CheckCompatibility(c) {
		return nil, fmt.Errorf("%w: %T", ErrIncompatiblePolicy, c.policy)
	}
	return c, nil
}

// Dialect returns the SQL dialect of the underlying database.
func (c *Catalog) Dialect() query.Dialect { return c.dialect }

// Config returns the catalog configuration.
func (c *Catalog) Config() *Config { return c.cfg }

// Adapters returns the data adapter registry.
func (c *Catalog) Adapters() *adapters.Registry { return c.adapters }

// Ping checks database connectivity.
func (c *Catalog) Ping(ctx context.Context) error { return c.db.Ping(ctx) }

// SplitPath splits a slash-separated node path into keys, ignoring empty
// segments. The root is the empty path.
func SplitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func joinPath(parts ...string) string {
	return strings.Join(SplitPath(strings.Join(parts, "/")), "/")
}

// ValidateKey checks that key can name a node.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if strings.Contains(key, "/") {
		return fmt.Errorf("%w: %q contains '/'", ErrInvalidKey, key)
	}
	if len(key) > 1023 {
		return fmt.Errorf("%w: key is longer than 1023 bytes", ErrInvalidKey)
	}
	return nil
}

// resolve walks keys from the root and returns the node at the end with
// its Ancestors filled in. Each step is narrowed by the policy queries of
// the parent, and every container passed through must be readable, so a
// hidden container hides its whole subtree. The final node is left to the
// caller to authorize for its action.
func (c *Catalog) resolve(ctx context.Context, tx *gorm.DB, keys []string) (*Node, error) {
	var node Node
	if err := tx.Where("id = ?", c.rootID).First(&node).Error; err != nil {
		return nil, fmt.Errorf("load root node: %w", err)
	}
	node.Ancestors = []string{}
	id := identityFrom(ctx)
	keyCol := c.dialect.KeyColumn()
	for i, key := range keys {
		if i > 0 {
			if err := c.authorize(ctx, ActionRead, &node); err != nil {
				return nil, err
			}
			if err := c.visible(ctx, &node); err != nil {
				return nil, err
			}
		}
		extra, err := c.policy.ModifyQueries(ctx, &node, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
		}
		q := tx.Model(&Node{}).Where("nodes.parent = ? AND "+keyCol+" = ?", node.ID, key)
		for _, item := range extra {
			clause, err := c.dialect.Lower(item)
			if err != nil {
				return nil, err
			}
			q = q.Where(clause.SQL, clause.Args...)
		}

		var child Node
		err = q.First(&child).Error
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(keys[:i+1], "/"))
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", strings.Join(keys[:i+1], "/"), err)
		}
		child.Ancestors = append([]string{}, keys[:i]...)
		node = child
	}
	return &node, nil
}

// nodeByID loads a node and reconstructs its ancestor keys from the
// closure table.
func (c *Catalog) nodeByID(tx *gorm.DB, id int64) (*Node, error) {
	var node Node
	err := tx.Where("id = ?", id).First(&node).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}

	var keys []string
	err = tx.Raw(
		"SELECT "+c.dialect.KeyColumn()+" FROM nodes_closure"+
			" JOIN nodes ON nodes.id = nodes_closure.ancestor"+
			" WHERE nodes_closure.descendant = ? AND nodes_closure.depth > 0 AND nodes.parent IS NOT NULL"+
			" ORDER BY nodes_closure.depth DESC", id,
	).Scan(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("get ancestors of node %d: %w", id, err)
	}
	if keys == nil {
		keys = []string{}
	}
	node.Ancestors = keys
	return &node, nil
}

func validateSpecs(specs Specs) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("%w: spec name is empty", ErrInvalidPatch)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate spec %q", ErrInvalidPatch, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
