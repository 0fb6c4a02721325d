package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kubeflow/data-catalog/pkg/cache"
)

// DefaultCacheTTL is the default time-to-live for cached authorization results.
const DefaultCacheTTL = 10 * time.Second

// CachedAuthorizer wraps another Authorizer with a short-lived bounded cache
// to reduce the number of SAR calls to the Kubernetes API server. Errors
// are never cached.
type CachedAuthorizer struct {
	inner Authorizer
	cache *cache.LRU[string, bool]
}

// NewCachedAuthorizer creates a CachedAuthorizer that wraps inner. The
// cache is owned by the caller so its size and TTL stay configurable.
func NewCachedAuthorizer(inner Authorizer, c *cache.LRU[string, bool]) *CachedAuthorizer {
	if c == nil {
		c = cache.New[string, bool](&cache.Config{Enabled: true, MaxSize: 1000, TTL: DefaultCacheTTL})
	}
	return &CachedAuthorizer{inner: inner, cache: c}
}

// Authorize checks the cache first and delegates to the inner Authorizer on miss.
func (c *CachedAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	key := cacheKey(req)
	if allowed, ok := c.cache.Get(key); ok {
		return allowed, nil
	}

	allowed, err := c.inner.Authorize(ctx, req)
	if err != nil {
		return false, err
	}
	c.cache.Set(key, allowed)
	return allowed, nil
}

// cacheKey builds a deterministic cache key from an AuthzRequest.
func cacheKey(req AuthzRequest) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		req.User,
		strings.Join(req.Groups, ","),
		req.Resource,
		req.Verb,
		req.Name,
	)
}
