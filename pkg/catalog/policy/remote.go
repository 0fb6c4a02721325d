package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/cache"
	"github.com/kubeflow/data-catalog/pkg/catalog"
	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// actionResources maps catalog actions onto authz resources and verbs.
var actionResources = map[catalog.Action][2]string{
	catalog.ActionRead:           {authz.ResourceNodes, authz.VerbGet},
	catalog.ActionCreate:         {authz.ResourceNodes, authz.VerbCreate},
	catalog.ActionWriteMetadata:  {authz.ResourceMetadata, authz.VerbUpdate},
	catalog.ActionWriteData:      {authz.ResourceData, authz.VerbUpdate},
	catalog.ActionRegister:       {authz.ResourceDataSources, authz.VerbCreate},
	catalog.ActionMove:           {authz.ResourceNodes, authz.VerbUpdate},
	catalog.ActionDelete:         {authz.ResourceNodes, authz.VerbDelete},
	catalog.ActionDeleteRevision: {authz.ResourceRevisions, authz.VerbDelete},
}

// Remote asks an authz.Authorizer about every node it is shown. Pages are
// checked concurrently, at most Concurrency requests at a time, and
// decisions may be reused from an injected cache.
type Remote struct {
	authorizer  authz.Authorizer
	decisions   *cache.LRU[string, bool]
	concurrency int
	logger      logr.Logger
}

var (
	_ catalog.AccessPolicy = (*Remote)(nil)
	_ catalog.PostFilterer = (*Remote)(nil)
)

// NewRemote returns a policy backed by authorizer.
func NewRemote(authorizer authz.Authorizer, opts ...Option) *Remote {
	o := buildOptions(opts)
	return &Remote{
		authorizer:  authorizer,
		decisions:   o.decisions,
		concurrency: o.concurrency,
		logger:      o.logger.WithName("remote-policy"),
	}
}

// CheckCompatibility requires an authorizer.
func (r *Remote) CheckCompatibility(*catalog.Catalog) bool { return r.authorizer != nil }

// PostFilters is always true: visibility is only known per node.
func (r *Remote) PostFilters() bool { return true }

func (r *Remote) ModifyQueries(context.Context, *catalog.Node, authz.Identity) ([]query.Query, error) {
	return nil, nil
}

// FilterResults keeps the nodes id may read, preserving order. The first
// failed check cancels the others.
func (r *Remote) FilterResults(ctx context.Context, nodes []*catalog.Node, id authz.Identity) ([]*catalog.Node, error) {
	keep := make([]bool, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, n := range nodes {
		g.Go(func() error {
			ok, err := r.allowed(gctx, catalog.ActionRead, n, id)
			if err != nil {
				return err
			}
			keep[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*catalog.Node, 0, len(nodes))
	for i, n := range nodes {
		if keep[i] {
			out = append(out, n)
		}
	}
	return out, nil
}

// Authorize hides nodes id cannot read and denies other refused actions.
func (r *Remote) Authorize(ctx context.Context, action catalog.Action, node *catalog.Node, id authz.Identity) (catalog.Decision, error) {
	ok, err := r.allowed(ctx, action, node, id)
	if err != nil {
		return catalog.Deny, err
	}
	if ok {
		return catalog.Allow, nil
	}
	if action == catalog.ActionRead {
		return catalog.Hide, nil
	}
	readable, err := r.allowed(ctx, catalog.ActionRead, node, id)
	if err != nil {
		return catalog.Deny, err
	}
	if !readable {
		return catalog.Hide, nil
	}
	return catalog.Deny, nil
}

func (r *Remote) allowed(ctx context.Context, action catalog.Action, node *catalog.Node, id authz.Identity) (bool, error) {
	rv, ok := actionResources[action]
	if !ok {
		return false, fmt.Errorf("unknown action %q", action)
	}
	req := authz.AuthzRequest{
		User:     id.User,
		Groups:   id.Groups,
		Resource: rv[0],
		Verb:     rv[1],
		Name:     node.Path(),
	}

	key := decisionKey(req)
	if r.decisions != nil {
		if allowed, hit := r.decisions.Get(key); hit {
			return allowed, nil
		}
	}
	allowed, err := r.authorizer.Authorize(ctx, req)
	if err != nil {
		return false, fmt.Errorf("authorize %s/%s on %q: %w", req.Resource, req.Verb, req.Name, err)
	}
	if r.decisions != nil {
		r.decisions.Set(key, allowed)
	}
	r.logger.V(2).Info("remote decision", "user", req.User, "resource", req.Resource, "verb", req.Verb, "name", req.Name, "allowed", allowed)
	return allowed, nil
}

func decisionKey(req authz.AuthzRequest) string {
	return strings.Join([]string{req.User, strings.Join(req.Groups, ","), req.Resource, req.Verb, req.Name}, "\x00")
}
