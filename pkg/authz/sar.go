package authz

import (
	"context"
	"fmt"
	"strings"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// SARAuthorizer checks authorization using Kubernetes SubjectAccessReview.
// Catalog paths are passed as the resource name. A rule naming "raw" in
// resourceNames covers "raw/scan_001" too: a denied node check is retried
// for each ancestor, nearest first.
type SARAuthorizer struct {
	client    kubernetes.Interface
	namespace string
}

// NewSARAuthorizer creates a new SARAuthorizer backed by the given Kubernetes
// client. namespace may be empty for cluster-scoped checks.
func NewSARAuthorizer(client kubernetes.Interface, namespace string) *SARAuthorizer {
	return &SARAuthorizer{client: client, namespace: namespace}
}

// Authorize reviews req.Name and then its ancestors until one is allowed.
func (s *SARAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	name := strings.Trim(req.Name, "/")
	for {
		allowed, err := s.review(ctx, req, name)
		if err != nil || allowed {
			return allowed, err
		}
		i := strings.LastIndexByte(name, '/')
		if i < 0 {
			return false, nil
		}
		name = name[:i]
	}
}

func (s *SARAuthorizer) review(ctx context.Context, req AuthzRequest, name string) (bool, error) {
	sar := &authorizationv1.SubjectAccessReview{
		Spec: authorizationv1.SubjectAccessReviewSpec{
			User:   req.User,
			Groups: req.Groups,
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Group:     APIGroup,
				Resource:  req.Resource,
				Verb:      req.Verb,
				Name:      name,
				Namespace: s.namespace,
			},
		},
	}

	review, err := s.client.AuthorizationV1().SubjectAccessReviews().Create(ctx, sar, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("subject access review for %s %s %q: %w", req.Verb, req.Resource, name, err)
	}
	return review.Status.Allowed, nil
}
