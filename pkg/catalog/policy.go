package catalog

import (
	"context"
	"fmt"

	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// Action names an operation checked by AccessPolicy.Authorize.
type Action string

const (
	ActionRead           Action = "read"
	ActionCreate         Action = "create"
	ActionWriteMetadata  Action = "write:metadata"
	ActionWriteData      Action = "write:data"
	ActionRegister       Action = "register"
	ActionMove           Action = "move"
	ActionDelete         Action = "delete"
	ActionDeleteRevision Action = "delete:revision"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Allow lets the operation proceed.
	Allow Decision = iota
	// Deny rejects the operation with ErrAccessDenied.
	Deny
	// Hide rejects the operation as if the node did not exist.
	Hide
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Hide:
		return "hide"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// AccessPolicy decides what an identity may see and do. Queries returned by
// ModifyQueries are ANDed into every view of node; FilterResults runs on
// each page of results and must be idempotent.
type AccessPolicy interface {
	CheckCompatibility(c *Catalog) bool
	ModifyQueries(ctx context.Context, node *Node, id authz.Identity) ([]query.Query, error)
	FilterResults(ctx context.Context, nodes []*Node, id authz.Identity) ([]*Node, error)
	Authorize(ctx context.Context, action Action, node *Node, id authz.Identity) (Decision, error)
}

// PostFilterer is implemented by policies whose FilterResults may drop
// nodes. Views over such policies scan in batches so that offsets and
// counts refer to the filtered sequence.
type PostFilterer interface {
	PostFilters() bool
}

// postFilters reports whether p drops results after the SQL query.
func postFilters(p AccessPolicy) bool {
	pf, ok := p.(PostFilterer)
	return ok && pf.PostFilters()
}

// identityFrom returns the request identity, or the anonymous identity when
// the context carries none.
func identityFrom(ctx context.Context) authz.Identity {
	if id, ok := authz.IdentityFromContext(ctx); ok {
		return id
	}
	return authz.Anonymous()
}

// authorize translates a policy decision into the catalog error taxonomy.
func (c *Catalog) authorize(ctx context.Context, action Action, node *Node) error {
	id := identityFrom(ctx)
	decision, err := c.policy.Authorize(ctx, action, node, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	switch decision {
	case Allow:
		return nil
	case Hide:
		return fmt.Errorf("%w: %s", ErrNotFound, displayPath(node))
	default:
		c.logger.Debug("access denied", "user", id.User, "action", string(action), "path", node.Path())
		return fmt.Errorf("%w: %s on %s", ErrAccessDenied, action, displayPath(node))
	}
}

// visible runs the policy post-filter on a single node.
func (c *Catalog) visible(ctx context.Context, node *Node) error {
	kept, err := c.policy.FilterResults(ctx, []*Node{node}, identityFrom(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	if len(kept) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, displayPath(node))
	}
	return nil
}

func displayPath(n *Node) string {
	if n.IsRoot() {
		return "/"
	}
	return n.Path()
}

// allowAll is the policy used when none is configured.
type allowAll struct{}

func (allowAll) CheckCompatibility(*Catalog) bool { return true }

func (allowAll) ModifyQueries(context.Context, *Node, authz.Identity) ([]query.Query, error) {
	return nil, nil
}

func (allowAll) FilterResults(_ context.Context, nodes []*Node, _ authz.Identity) ([]*Node, error) {
	return nodes, nil
}

func (allowAll) Authorize(context.Context, Action, *Node, authz.Identity) (Decision, error) {
	return Allow, nil
}
