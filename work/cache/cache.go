package cache

import (
	"strconv"
	"time"

	"trackunblock/work/types"

	"github.com/maypok86/otter/v2"
)

// defaultMaxEntries bounds the resolved URL cache.
const defaultMaxEntries = 10_000

// Cache holds successful resolutions keyed by track and quality. Entries expire a
// fixed duration after they were written; any source change purges everything so a
// removed or disabled backend can never keep serving.
type Cache struct {
	store    *otter.Cache[string, types.MatchResult]
	duration time.Duration
}

// NewCache creates a cache whose entries live for duration.
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		store: otter.Must(&otter.Options[string, types.MatchResult]{
			MaximumSize:      defaultMaxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, types.MatchResult](duration),
		}),
		duration: duration,
	}
}

// Key builds the cache key for a request.
func Key(req types.MatchRequest) string {
	return strconv.FormatInt(req.TrackID, 10) + "|" + req.Quality
}

// Get returns a cached result for req.
func (c *Cache) Get(req types.MatchRequest) (types.MatchResult, bool) {
	if c == nil {
		return types.MatchResult{}, false
	}
	return c.store.GetIfPresent(Key(req))
}

// Set stores a successful result; results without a URL are ignored.
func (c *Cache) Set(req types.MatchRequest, result types.MatchResult) {
	if c == nil || !result.OK() {
		return
	}
	c.store.Set(Key(req), result)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.store.InvalidateAll()
}

// Len returns the approximate number of entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.store.EstimatedSize()
}

// Duration returns the entry lifetime.
func (c *Cache) Duration() time.Duration {
	if c == nil {
		return 0
	}
	return c.duration
}
