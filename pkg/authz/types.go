// Package authz resolves who is calling the catalog and whether they may
// perform an action. It supports Kubernetes SubjectAccessReview-based
// authorization and a no-op mode for development.
package authz

import "context"

// APIGroup is the API group for catalog resources in Kubernetes RBAC.
const APIGroup = "catalog.kubeflow.org"

// Resource names for RBAC mapping.
const (
	ResourceNodes       = "nodes"
	ResourceMetadata    = "metadata"
	ResourceRevisions   = "revisions"
	ResourceDataSources = "datasources"
	ResourceAssets      = "assets"
	ResourceData        = "data"
	ResourceAuditEvents = "auditevents"
)

// Verb names for RBAC mapping.
const (
	VerbGet    = "get"
	VerbList   = "list"
	VerbCreate = "create"
	VerbUpdate = "update"
	VerbDelete = "delete"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User     string
	Groups   []string
	Resource string
	Verb     string
	// Name is the catalog path of the node being accessed. Empty for
	// checks that are not tied to a single node.
	Name string
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req AuthzRequest) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	return f(ctx, req)
}

// AllowAll permits every mapped request. Used when CATALOG_AUTHZ_MODE=none.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, AuthzRequest) (bool, error) {
	return true, nil
})
