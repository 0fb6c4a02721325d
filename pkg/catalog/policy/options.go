package policy

import (
	"log/slog"

	"github.com/go-logr/logr"

	"github.com/kubeflow/data-catalog/pkg/cache"
)

// DefaultConcurrency bounds the number of in-flight Remote checks per page.
const DefaultConcurrency = 8

type options struct {
	logger      logr.Logger
	concurrency int
	decisions   *cache.LRU[string, bool]
}

// Option configures Simple and Remote policies.
type Option func(*options)

// WithLogger sets the policy logger.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSlogHandler logs through h.
func WithSlogHandler(h slog.Handler) Option {
	return func(o *options) { o.logger = logr.FromSlogHandler(h) }
}

// WithConcurrency bounds how many authorization checks Remote runs at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithDecisionCache makes Remote reuse decisions held in c.
func WithDecisionCache(c *cache.LRU[string, bool]) Option {
	return func(o *options) { o.decisions = c }
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:      logr.FromSlogHandler(slog.Default().Handler()),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
