package prices

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"meanrev/internal/domain"
)

// CachedProvider memoizes fetch results, failures included, so each
// (ticker, range) is fetched at most once per cache lifetime. Concurrent
// requests for the same key share one upstream fetch.
type CachedProvider struct {
	next  Provider
	cache *gocache.Cache
	group singleflight.Group
}

type cacheEntry struct {
	series domain.PriceSeries
	err    error
}

// NewCachedProvider wraps next. A ttl of zero keeps entries forever.
func NewCachedProvider(next Provider, ttl time.Duration) *CachedProvider {
	exp := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = ttl * 2
	}
	return &CachedProvider{
		next:  next,
		cache: gocache.New(exp, cleanup),
	}
}

func cacheKey(ticker string, start, end time.Time) string {
	var b strings.Builder
	b.WriteString(ticker)
	b.WriteByte('|')
	if !start.IsZero() {
		b.WriteString(start.Format(domain.DateLayout))
	}
	b.WriteByte('|')
	if !end.IsZero() {
		b.WriteString(end.Format(domain.DateLayout))
	}
	return b.String()
}

// FetchCloseSeries implements Provider.
func (c *CachedProvider) FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
	key := cacheKey(ticker, start, end)
	if v, ok := c.cache.Get(key); ok {
		e := v.(cacheEntry)
		return e.series, e.err
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		s, err := c.next.FetchCloseSeries(ctx, ticker, start, end)
		e := cacheEntry{series: s, err: err}
		// A cancelled caller says nothing about the ticker.
		if ctx.Err() == nil {
			c.cache.SetDefault(key, e)
		}
		return e, nil
	})
	e := v.(cacheEntry)
	return e.series, e.err
}

// Len returns the number of cached entries.
func (c *CachedProvider) Len() int { return c.cache.ItemCount() }
