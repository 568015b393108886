package flags

import (
	"context"
	"errors"
	"sync"
	"time"

	"gatehouse.dev/internal/obs"
)

const defaultTTL = 60 * time.Second

// Cache is a TTL read-through cache over a flag Store. It is process-local:
// staleness across instances is bounded only by the TTL. Mutations made
// through Service evict synchronously, so read-after-write holds within one
// process.
type Cache struct {
	store       Store
	environment string
	ttl         time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	enabled  bool
	loadedAt time.Time
}

// CacheOption configures Cache.
type CacheOption func(*Cache)

// WithTTL overrides the default 60s entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock overrides the time source.
func WithCacheClock(fn func() time.Time) CacheOption {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCache constructs a cache bound to one environment.
func NewCache(store Store, environment string, opts ...CacheOption) *Cache {
	c := &Cache{
		store:       store,
		environment: environment,
		ttl:         defaultTTL,
		now:         time.Now,
		entries:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports the flag state, serving from cache within the TTL. A load
// error fails closed: the flag reads as off.
func (c *Cache) Enabled(ctx context.Context, key string) bool {
	enabled, err := c.lookup(ctx, key)
	if err != nil {
		return false
	}
	return enabled
}

// EnabledOrDefault is the fail-open variant: a load error yields the caller's
// default instead of false.
func (c *Cache) EnabledOrDefault(ctx context.Context, key string, def bool) bool {
	enabled, err := c.lookup(ctx, key)
	if err != nil {
		return def
	}
	return enabled
}

func (c *Cache) lookup(ctx context.Context, key string) (bool, error) {
	env, key, err := normalize(c.environment, key)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.loadedAt) < c.ttl {
		c.mu.Unlock()
		obs.FlagCache("hit")
		return e.enabled, nil
	}
	c.mu.Unlock()

	obs.FlagCache("miss")
	flag, err := c.store.Find(ctx, env, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Absent flags cache as off; a later create evicts.
			c.put(key, false)
			return false, nil
		}
		return false, err
	}
	c.put(key, flag.Enabled)
	return flag.Enabled, nil
}

func (c *Cache) put(key string, enabled bool) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{enabled: enabled, loadedAt: c.now()}
	c.mu.Unlock()
}

// Evict drops the entry for key, forcing the next read through to the store.
func (c *Cache) Evict(key string) {
	_, key, err := normalize(c.environment, key)
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	obs.FlagCache("evict")
}
