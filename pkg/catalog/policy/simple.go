package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog"
	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// Subjects names users and groups.
type Subjects struct {
	Users  []string `yaml:"users,omitempty"`
	Groups []string `yaml:"groups,omitempty"`
}

// Grant gives its subjects access to the subtree rooted at Path. Nodes
// below Path are visible only when their metadata matches Where: each
// field must hold one of the listed values.
type Grant struct {
	Subjects `yaml:",inline"`
	Path     string           `yaml:"path"`
	ReadOnly bool             `yaml:"read_only,omitempty"`
	Where    map[string][]any `yaml:"where,omitempty"`
}

// SimpleConfig is the YAML document read by Simple.
//
//	admins:
//	  groups: [catalog-admins]
//	read_only:
//	  users: [auditor]
//	grants:
//	  - users: [alice]
//	    groups: [physics]
//	    path: /experiments/physics
//	    where:
//	      project: [alpha, beta]
type SimpleConfig struct {
	Admins   Subjects `yaml:"admins"`
	ReadOnly Subjects `yaml:"read_only"`
	Grants   []Grant  `yaml:"grants"`
}

// ParseSimpleConfig decodes a policy document. Unknown fields are errors.
func ParseSimpleConfig(data []byte) (*SimpleConfig, error) {
	var cfg SimpleConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &cfg, nil
}

type subjectSet struct {
	users  mapset.Set[string]
	groups mapset.Set[string]
}

func newSubjectSet(s Subjects) subjectSet {
	return subjectSet{
		users:  mapset.NewThreadUnsafeSet(s.Users...),
		groups: mapset.NewThreadUnsafeSet(s.Groups...),
	}
}

func (s subjectSet) matches(id authz.Identity) bool {
	if s.users.Contains(id.User) {
		return true
	}
	for _, g := range id.Groups {
		if s.groups.Contains(g) {
			return true
		}
	}
	return false
}

type compiledGrant struct {
	subjects subjectSet
	path     []string
	readOnly bool
	fields   []string
	allowed  map[string][]any
	where    []query.Query
}

// covers reports whether path lies at or below the grant.
func (g *compiledGrant) covers(path []string) bool {
	return len(path) >= len(g.path) && slices.Equal(path[:len(g.path)], g.path)
}

// leadsTo reports whether path is a proper ancestor of the grant.
func (g *compiledGrant) leadsTo(path []string) bool {
	return len(path) < len(g.path) && slices.Equal(g.path[:len(path)], path)
}

func (g *compiledGrant) admits(md catalog.JSONObject) bool {
	for _, f := range g.fields {
		v, ok := md.Lookup(f)
		if !ok || !slices.Contains(g.allowed[f], normalize(v)) {
			return false
		}
	}
	return true
}

type ruleset struct {
	admins   subjectSet
	readOnly subjectSet
	grants   []*compiledGrant
}

func compile(cfg *SimpleConfig) (*ruleset, error) {
	rs := &ruleset{
		admins:   newSubjectSet(cfg.Admins),
		readOnly: newSubjectSet(cfg.ReadOnly),
	}
	for i, g := range cfg.Grants {
		cg := &compiledGrant{
			subjects: newSubjectSet(g.Subjects),
			path:     catalog.SplitPath(g.Path),
			readOnly: g.ReadOnly,
			allowed:  make(map[string][]any, len(g.Where)),
		}
		for field, values := range g.Where {
			normalized := make([]any, len(values))
			for j, v := range values {
				normalized[j] = normalize(v)
			}
			in := query.In{Field: field, Values: normalized}
			if err := in.Validate(); err != nil {
				return nil, fmt.Errorf("grant %d: %w", i, err)
			}
			cg.fields = append(cg.fields, field)
			cg.allowed[field] = normalized
		}
		sort.Strings(cg.fields)
		for _, f := range cg.fields {
			cg.where = append(cg.where, query.In{Field: f, Values: cg.allowed[f]})
		}
		rs.grants = append(rs.grants, cg)
	}
	return rs, nil
}

// normalize maps YAML and JSON numbers onto float64 so both compare equal.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

// Simple grants access from a YAML document. Admins see and do
// everything. Other identities see the subtrees granted to them, plus the
// containers on the way there, and may write inside their grants unless
// the grant or the identity is read-only. Listings are narrowed with
// queries, so pagination stays in SQL.
type Simple struct {
	path   string
	rules  atomic.Pointer[ruleset]
	logger logr.Logger
}

var _ catalog.AccessPolicy = (*Simple)(nil)

// NewSimple builds a policy from an in-memory document.
func NewSimple(cfg *SimpleConfig, opts ...Option) (*Simple, error) {
	rs, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	s := &Simple{logger: buildOptions(opts).logger.WithName("simple-policy")}
	s.rules.Store(rs)
	return s, nil
}

// LoadSimple reads the policy document at path. Call Watch to follow
// later edits.
func LoadSimple(path string, opts ...Option) (*Simple, error) {
	s := &Simple{path: path, logger: buildOptions(opts).logger.WithName("simple-policy")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the policy file. The previous rules stay in force when
// the file cannot be read or parsed.
func (s *Simple) Reload() error {
	if s.path == "" {
		return errors.New("policy was not loaded from a file")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	cfg, err := ParseSimpleConfig(data)
	if err != nil {
		return err
	}
	rs, err := compile(cfg)
	if err != nil {
		return err
	}
	s.rules.Store(rs)
	s.logger.V(1).Info("policy loaded", "path", s.path, "grants", len(rs.grants))
	return nil
}

// Watch reloads the policy whenever its file changes, until ctx is done.
// The directory is watched rather than the file so that editors which
// replace the file by renaming are followed.
func (s *Simple) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("policy was not loaded from a file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch policy directory: %w", err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Error(err, "policy reload failed, keeping previous rules", "path", s.path)
					continue
				}
				s.logger.Info("policy reloaded", "path", s.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Error(err, "policy watcher")
			}
		}
	}()
	return nil
}

func (s *Simple) CheckCompatibility(*catalog.Catalog) bool { return true }

func (s *Simple) ModifyQueries(_ context.Context, node *catalog.Node, id authz.Identity) ([]query.Query, error) {
	rs := s.rules.Load()
	if rs.admins.matches(id) {
		return nil, nil
	}
	path := catalog.SplitPath(node.Path())
	if g := rs.innermost(path, id); g != nil {
		return slices.Clone(g.where), nil
	}

	keys := mapset.NewThreadUnsafeSet[string]()
	for _, g := range rs.grants {
		if g.subjects.matches(id) && g.leadsTo(path) {
			keys.Add(g.path[len(path)])
		}
	}
	next := keys.ToSlice()
	sort.Strings(next)
	return []query.Query{query.KeysFilter{Keys: next}}, nil
}

func (s *Simple) FilterResults(_ context.Context, nodes []*catalog.Node, _ authz.Identity) ([]*catalog.Node, error) {
	return nodes, nil
}

func (s *Simple) Authorize(_ context.Context, action catalog.Action, node *catalog.Node, id authz.Identity) (catalog.Decision, error) {
	rs := s.rules.Load()
	if rs.admins.matches(id) {
		return catalog.Allow, nil
	}
	path := catalog.SplitPath(node.Path())
	if len(path) == 0 && action == catalog.ActionRead {
		return catalog.Allow, nil
	}

	if g := rs.innermost(path, id); g != nil {
		if len(path) > len(g.path) && !g.admits(node.Metadata) {
			return catalog.Hide, nil
		}
		if action == catalog.ActionRead {
			return catalog.Allow, nil
		}
		if g.readOnly || rs.readOnly.matches(id) {
			return catalog.Deny, nil
		}
		return catalog.Allow, nil
	}

	for _, g := range rs.grants {
		if g.subjects.matches(id) && g.leadsTo(path) {
			if action == catalog.ActionRead {
				return catalog.Allow, nil
			}
			return catalog.Deny, nil
		}
	}
	return catalog.Hide, nil
}

// innermost returns the deepest grant of id covering path. Ties go to the
// grant listed first.
func (rs *ruleset) innermost(path []string, id authz.Identity) *compiledGrant {
	var best *compiledGrant
	for _, g := range rs.grants {
		if !g.subjects.matches(id) || !g.covers(path) {
			continue
		}
		if best == nil || len(g.path) > len(best.path) {
			best = g
		}
	}
	return best
}
