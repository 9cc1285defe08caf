// Package tags resolves the optional supplementary tag appended to replies.
package tags

import (
	"context"
	"time"

	"github.com/sawpanic/replyrun/internal/cache"
)

// TrendSource lists trending topic names for a location, most prominent first
type TrendSource interface {
	Trends(ctx context.Context, region string) ([]string, error)
}

// Resolver picks the top trend for a region and caches it, so the trends
// endpoint is hit at most once per TTL.
type Resolver struct {
	source TrendSource
	cache  cache.Cache
	region string
	ttl    time.Duration
}

// NewResolver returns a resolver for region. An empty region resolves to no tag.
func NewResolver(source TrendSource, c cache.Cache, region string, ttl time.Duration) *Resolver {
	return &Resolver{source: source, cache: c, region: region, ttl: ttl}
}

// Resolve returns the tag, or "" when there is none
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if r.region == "" {
		return "", nil
	}

	key := "replyrun:tag:" + r.region
	if v, ok := r.cache.Get(ctx, key); ok {
		return string(v), nil
	}

	names, err := r.source.Trends(ctx, r.region)
	if err != nil {
		return "", err
	}

	var tag string
	if len(names) > 0 {
		tag = names[0]
	}
	r.cache.Set(ctx, key, []byte(tag), r.ttl)
	return tag, nil
}
