// Package policy provides the access policies the catalog ships with.
//
// AllowAll grants everything. Simple reads grants from a YAML file and
// narrows listings with queries. Remote asks an authz.Authorizer about
// every node. Stack combines several policies so that each one can only
// narrow what the others allow.
package policy

import (
	"context"

	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog"
	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// AllowAll lets every identity see and do everything.
type AllowAll struct{}

var _ catalog.AccessPolicy = AllowAll{}

func (AllowAll) CheckCompatibility(*catalog.Catalog) bool { return true }

func (AllowAll) ModifyQueries(context.Context, *catalog.Node, authz.Identity) ([]query.Query, error) {
	return nil, nil
}

func (AllowAll) FilterResults(_ context.Context, nodes []*catalog.Node, _ authz.Identity) ([]*catalog.Node, error) {
	return nodes, nil
}

func (AllowAll) Authorize(context.Context, catalog.Action, *catalog.Node, authz.Identity) (catalog.Decision, error) {
	return catalog.Allow, nil
}
