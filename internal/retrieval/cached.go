package retrieval

import (
	"context"

	"github.com/nidhogg/turnkeeper/internal/cache"
)

// CachedSearcher serves repeated queries from a cache.Cache. Failed
// searches are not cached.
type CachedSearcher struct {
	inner     Searcher
	cache     *cache.Cache[[]Result]
	namespace string
}

// NewCachedSearcher wraps inner. namespace separates this searcher's keys
// from other users of the same cache.
func NewCachedSearcher(inner Searcher, c *cache.Cache[[]Result], namespace string) *CachedSearcher {
	return &CachedSearcher{inner: inner, cache: c, namespace: namespace}
}

// Search implements Searcher.
func (s *CachedSearcher) Search(ctx context.Context, query string, k int, filter map[string]string) ([]Result, error) {
	parts := cache.KeyParts{Namespace: s.namespace, Query: query, K: k, Filter: filter}
	results, err := s.cache.GetOrCompute(ctx, parts, func(ctx context.Context) ([]Result, error) {
		return s.inner.Search(ctx, query, k, filter)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(results))
	copy(out, results)
	return out, nil
}

// Invalidate drops every cached result, e.g. after the index changed.
func (s *CachedSearcher) Invalidate() {
	s.cache.Purge()
}

// Stats reports the underlying cache counters.
func (s *CachedSearcher) Stats() cache.Stats {
	return s.cache.Stats()
}
