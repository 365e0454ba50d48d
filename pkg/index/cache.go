package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/registry"
)

// RedisCache wraps another Index with a cache-aside layer over
// GetSparseEntry and Search: read through on a miss, invalidate the affected
// keys on every mutation rather than trying to update them in place.
// ConfirmExistence, ListAll, and ownership operations pass straight through —
// the cached entries are the two hot, read-heavy paths.
type RedisCache struct {
	next   Index
	client *redis.Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewRedisCache connects to the Redis URL and returns an Index that serves
// GetSparseEntry/Search through the cache, delegating everything else (and
// cache misses) to next.
func NewRedisCache(next Index, redisURL string, ttl time.Duration, logger *observability.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("index: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("index: failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{next: next, client: client, ttl: ttl, logger: logger}, nil
}

func sparseEntryKey(name string) string { return "sparse:" + name }
func searchKey(query string, perPage int) string {
	return fmt.Sprintf("search:%s:%d", query, perPage)
}

func (c *RedisCache) ConfirmExistence(ctx context.Context, name, version string) (registry.VersionStatus, error) {
	return c.next.ConfirmExistence(ctx, name, version)
}

func (c *RedisCache) ListAll(ctx context.Context) ([]registry.PackageSummary, error) {
	return c.next.ListAll(ctx)
}

func (c *RedisCache) GetSparseEntry(ctx context.Context, name string) ([]registry.SparseIndexEntry, error) {
	key := sparseEntryKey(name)

	if cached, err := c.client.Get(ctx, key).Result(); err == nil {
		var entries []registry.SparseIndexEntry
		if jsonErr := json.Unmarshal([]byte(cached), &entries); jsonErr == nil {
			return entries, nil
		}
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.WithError(err).Warn("redis get failed for sparse entry, falling back to index")
	}

	entries, err := c.next.GetSparseEntry(ctx, name)
	if err != nil {
		return nil, err
	}

	if data, jsonErr := json.Marshal(entries); jsonErr == nil {
		if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			c.logger.WithError(setErr).Warn("redis set failed for sparse entry")
		}
	}
	return entries, nil
}

func (c *RedisCache) Search(ctx context.Context, query string, perPage int) (registry.SearchResult, error) {
	key := searchKey(query, perPage)

	if cached, err := c.client.Get(ctx, key).Result(); err == nil {
		var result registry.SearchResult
		if jsonErr := json.Unmarshal([]byte(cached), &result); jsonErr == nil {
			return result, nil
		}
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.WithError(err).Warn("redis get failed for search, falling back to index")
	}

	result, err := c.next.Search(ctx, query, perPage)
	if err != nil {
		return registry.SearchResult{}, err
	}

	if data, jsonErr := json.Marshal(result); jsonErr == nil {
		if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			c.logger.WithError(setErr).Warn("redis set failed for search")
		}
	}
	return result, nil
}

// Publish delegates to next and, on success, invalidates the package's sparse
// entry and every cached search result (a publish can change which packages
// match an existing query's prefix-first ordering, so search is invalidated
// wholesale rather than per-key).
func (c *RedisCache) Publish(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep EndStep) (registry.Version, error) {
	version, err := c.next.Publish(ctx, meta, checksum, endStep)
	if err != nil {
		return version, err
	}
	c.invalidate(ctx, meta.Name)
	return version, nil
}

// Yank delegates to next and invalidates name's sparse entry on success, since
// the yanked flag is part of the cached NDJSON payload.
func (c *RedisCache) Yank(ctx context.Context, name, version string, yanked bool) error {
	if err := c.next.Yank(ctx, name, version, yanked); err != nil {
		return err
	}
	c.invalidate(ctx, name)
	return nil
}

func (c *RedisCache) ListOwners(ctx context.Context, packageName string) ([]registry.Owner, error) {
	return c.next.ListOwners(ctx, packageName)
}

func (c *RedisCache) AddOwners(ctx context.Context, packageName string, logins []string) error {
	return c.next.AddOwners(ctx, packageName, logins)
}

func (c *RedisCache) RemoveOwners(ctx context.Context, packageName string, logins []string) error {
	return c.next.RemoveOwners(ctx, packageName, logins)
}

// invalidate drops the cached sparse entry for name and the entire search
// namespace, logging but not surfacing failures — a stale cache entry is
// never worse than the round trip it was meant to save, per the compensating
// operations elsewhere in this codebase that also log-and-continue.
func (c *RedisCache) invalidate(ctx context.Context, name string) {
	if err := c.client.Del(ctx, sparseEntryKey(name)).Err(); err != nil {
		c.logger.WithError(err).Warn("failed to invalidate cached sparse entry")
	}
	iter := c.client.Scan(ctx, 0, "search:*", 100).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("failed to scan search cache for invalidation")
	}
}

// HealthCheck pings Redis and, if the wrapped Index supports it, also checks
// its backing store — a cache that can't reach Redis is still serviceable
// (reads fall back to next), but a readiness probe should surface it.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("index: redis cache unreachable: %w", err)
	}
	if checker, ok := c.next.(HealthChecker); ok {
		return checker.HealthCheck(ctx)
	}
	return nil
}

// Close releases the Redis client and the wrapped Index, if it is closeable.
func (c *RedisCache) Close() error {
	if closer, ok := c.next.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return c.client.Close()
}
