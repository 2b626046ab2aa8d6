package recipients

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

const DefaultCacheTTL = 30 * time.Second

// CachedPreferences memoizes per-user lookups. Channel listings go to the
// source every time since the digest runs once a day.
type CachedPreferences struct {
	src   PreferenceSource
	cache *cache.Cache
}

// NewCachedPreferences wraps src. The cache runs without a janitor
// goroutine; expired entries are replaced on read.
func NewCachedPreferences(src PreferenceSource, ttl time.Duration) *CachedPreferences {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedPreferences{src: src, cache: cache.New(ttl, 0)}
}

func (c *CachedPreferences) Users(ctx context.Context, ids []int64) ([]User, error) {
	out := make([]User, 0, len(ids))
	var miss []int64
	for _, id := range ids {
		if v, ok := c.cache.Get(key(id)); ok {
			out = append(out, v.(User))
			continue
		}
		miss = append(miss, id)
	}
	if len(miss) == 0 {
		return out, nil
	}
	loaded, err := c.src.Users(ctx, miss)
	if err != nil {
		return nil, err
	}
	for _, u := range loaded {
		c.cache.SetDefault(key(u.ID), u)
	}
	return append(out, loaded...), nil
}

func (c *CachedPreferences) UsersWithChannel(ctx context.Context, ch Channel) ([]User, error) {
	return c.src.UsersWithChannel(ctx, ch)
}

// Invalidate drops one user, e.g. after a preference change.
func (c *CachedPreferences) Invalidate(userID int64) { c.cache.Delete(key(userID)) }

func key(id int64) string { return strconv.FormatInt(id, 10) }
