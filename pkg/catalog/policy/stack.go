package policy

import (
	"context"
	"fmt"

	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog"
	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// Stack is the conjunction of its policies. Queries are concatenated,
// filters run in order and an action is allowed only when every member
// allows it. Any Deny wins; otherwise any Hide wins.
type Stack struct {
	policies []catalog.AccessPolicy
}

var (
	_ catalog.AccessPolicy = (*Stack)(nil)
	_ catalog.PostFilterer = (*Stack)(nil)
)

// NewStack returns a Stack over policies. An empty stack allows everything.
func NewStack(policies ...catalog.AccessPolicy) *Stack {
	return &Stack{policies: append([]catalog.AccessPolicy(nil), policies...)}
}

// CheckCompatibility requires every member to accept the catalog.
func (s *Stack) CheckCompatibility(c *catalog.Catalog) bool {
	for _, p := range s.policies {
		if !p.CheckCompatibility(c) {
			return false
		}
	}
	return true
}

// PostFilters reports whether any member drops results after the query.
func (s *Stack) PostFilters() bool {
	for _, p := range s.policies {
		if pf, ok := p.(catalog.PostFilterer); ok && pf.PostFilters() {
			return true
		}
	}
	return false
}

func (s *Stack) ModifyQueries(ctx context.Context, node *catalog.Node, id authz.Identity) ([]query.Query, error) {
	var out []query.Query
	for i, p := range s.policies {
		qs, err := p.ModifyQueries(ctx, node, id)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		out = append(out, qs...)
	}
	return out, nil
}

func (s *Stack) FilterResults(ctx context.Context, nodes []*catalog.Node, id authz.Identity) ([]*catalog.Node, error) {
	for i, p := range s.policies {
		if len(nodes) == 0 {
			break
		}
		kept, err := p.FilterResults(ctx, nodes, id)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		nodes = kept
	}
	return nodes, nil
}

func (s *Stack) Authorize(ctx context.Context, action catalog.Action, node *catalog.Node, id authz.Identity) (catalog.Decision, error) {
	decision := catalog.Allow
	for i, p := range s.policies {
		d, err := p.Authorize(ctx, action, node, id)
		if err != nil {
			return catalog.Deny, fmt.Errorf("policy %d: %w", i, err)
		}
		switch d {
		case catalog.Allow:
		case catalog.Hide:
			decision = catalog.Hide
		default:
			return catalog.Deny, nil
		}
	}
	return decision, nil
}
