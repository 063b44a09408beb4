package semanticindex

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nullspire/opencircle/internal/logger"
)

// resultCache is the time-bounded cache of §4.3 step 1/5. Backed by redis
// when configured (grounded on the teacher's redisSSEBus client setup, a
// Get/Set cache instead of its pub/sub use), or an in-process map when no
// redis address is configured — either way the interface the search
// algorithm sees is identical.
type resultCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value string, ttl time.Duration)
}

type redisCache struct {
	rdb *redis.Client
	log *logger.Logger
}

func newRedisCache(addr string, log *logger.Logger) (*redisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisCache{rdb: rdb, log: log.With("cache", "redis")}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("semantic index cache get failed", "err", err)
		}
		return "", false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Warn("semantic index cache set failed", "err", err)
	}
}

type inProcessEntry struct {
	value     string
	expiresAt time.Time
}

// inProcessCache backs local-first installs with no redis available —
// §4.3 never mandates redis, only "a time-bounded result cache".
type inProcessCache struct {
	mu      sync.Mutex
	entries map[string]inProcessEntry
}

func newInProcessCache() *inProcessCache {
	return &inProcessCache{entries: make(map[string]inProcessEntry)}
}

func (c *inProcessCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (c *inProcessCache) Set(ctx context.Context, key string, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = inProcessEntry{value: value, expiresAt: time.Now().Add(ttl)}
}
