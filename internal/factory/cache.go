package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"graphplane-backend/internal/allocation"
	"graphplane-backend/pkg/observability"
)

// LocationCache stores resolved database locations for a bounded TTL.
// Entries are advisory: a stale location surfaces as a connection
// failure and the caller re-resolves through the registry.
type LocationCache interface {
	Get(ctx context.Context, graphID string) (*allocation.DatabaseLocation, bool)
	Set(ctx context.Context, graphID string, loc *allocation.DatabaseLocation)
	Delete(ctx context.Context, graphID string)
}

type memoryEntry struct {
	loc     *allocation.DatabaseLocation
	expires time.Time
}

// MemoryCache is a TTL map guarded by a RWMutex. Expired entries are
// dropped lazily on read.
type MemoryCache struct {
	ttl     time.Duration
	metrics *observability.Collector
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		metrics: observability.NewCollector("graphplane"),
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) Get(_ context.Context, graphID string) (*allocation.DatabaseLocation, bool) {
	c.mu.RLock()
	entry, ok := c.entries[graphID]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expires) {
		if ok {
			c.mu.Lock()
			delete(c.entries, graphID)
			c.mu.Unlock()
		}
		c.metrics.CacheMisses.WithLabelValues("memory").Inc()
		return nil, false
	}
	c.metrics.CacheHits.WithLabelValues("memory").Inc()
	return entry.loc, true
}

func (c *MemoryCache) Set(_ context.Context, graphID string, loc *allocation.DatabaseLocation) {
	c.mu.Lock()
	c.entries[graphID] = memoryEntry{loc: loc, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, graphID string) {
	c.mu.Lock()
	delete(c.entries, graphID)
	c.mu.Unlock()
}

// RedisCache shares resolved locations across control-plane replicas.
// Keys are environment-scoped so staging and prod can share a cluster.
// Every failure degrades to a miss.
type RedisCache struct {
	client  *redis.Client
	env     string
	ttl     time.Duration
	logger  *zap.Logger
	metrics *observability.Collector
}

func NewRedisCache(client *redis.Client, env string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client:  client,
		env:     env,
		ttl:     ttl,
		logger:  logger,
		metrics: observability.NewCollector("graphplane"),
	}
}

func (c *RedisCache) key(graphID string) string {
	return fmt.Sprintf("graphplane:%s:location:%s", c.env, graphID)
}

func (c *RedisCache) Get(ctx context.Context, graphID string) (*allocation.DatabaseLocation, bool) {
	payload, err := c.client.Get(ctx, c.key(graphID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("location cache read failed", zap.String("graph_id", graphID), zap.Error(err))
		}
		c.metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}

	var loc allocation.DatabaseLocation
	if err := json.Unmarshal(payload, &loc); err != nil {
		c.metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}
	c.metrics.CacheHits.WithLabelValues("redis").Inc()
	return &loc, true
}

func (c *RedisCache) Set(ctx context.Context, graphID string, loc *allocation.DatabaseLocation) {
	payload, err := json.Marshal(loc)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(graphID), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("location cache write failed", zap.String("graph_id", graphID), zap.Error(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, graphID string) {
	if err := c.client.Del(ctx, c.key(graphID)).Err(); err != nil {
		c.logger.Warn("location cache delete failed", zap.String("graph_id", graphID), zap.Error(err))
	}
}

// TieredCache checks memory first and falls back to Redis, refilling
// the memory tier on a Redis hit.
type TieredCache struct {
	local  *MemoryCache
	shared LocationCache
}

func NewTieredCache(local *MemoryCache, shared LocationCache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

func (c *TieredCache) Get(ctx context.Context, graphID string) (*allocation.DatabaseLocation, bool) {
	if loc, ok := c.local.Get(ctx, graphID); ok {
		return loc, true
	}
	loc, ok := c.shared.Get(ctx, graphID)
	if ok {
		c.local.Set(ctx, graphID, loc)
	}
	return loc, ok
}

func (c *TieredCache) Set(ctx context.Context, graphID string, loc *allocation.DatabaseLocation) {
	c.local.Set(ctx, graphID, loc)
	c.shared.Set(ctx, graphID, loc)
}

func (c *TieredCache) Delete(ctx context.Context, graphID string) {
	c.local.Delete(ctx, graphID)
	c.shared.Delete(ctx, graphID)
}
