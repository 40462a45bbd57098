package factory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphplane-backend/internal/allocation"
)

func testLocation(ip string) *allocation.DatabaseLocation {
	return &allocation.DatabaseLocation{
		GraphID:    testGraph,
		InstanceID: "i-aaa1",
		PrivateIP:  ip,
		Status:     allocation.StatusActive,
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()

	_, ok := cache.Get(ctx, testGraph)
	assert.False(t, ok)

	cache.Set(ctx, testGraph, testLocation("10.0.0.1"))
	loc, ok := cache.Get(ctx, testGraph)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", loc.PrivateIP)

	cache.Delete(ctx, testGraph)
	_, ok = cache.Get(ctx, testGraph)
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	cache.Set(ctx, testGraph, testLocation("10.0.0.1"))

	cache.now = func() time.Time { return now.Add(59 * time.Second) }
	_, ok := cache.Get(ctx, testGraph)
	assert.True(t, ok)

	cache.now = func() time.Time { return now.Add(61 * time.Second) }
	_, ok = cache.Get(ctx, testGraph)
	assert.False(t, ok, "entries past the TTL must not be served")
}

type recordingCache struct {
	entries map[string]*allocation.DatabaseLocation
	gets    int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: map[string]*allocation.DatabaseLocation{}}
}

func (c *recordingCache) Get(_ context.Context, graphID string) (*allocation.DatabaseLocation, bool) {
	c.gets++
	loc, ok := c.entries[graphID]
	return loc, ok
}

func (c *recordingCache) Set(_ context.Context, graphID string, loc *allocation.DatabaseLocation) {
	c.entries[graphID] = loc
}

func (c *recordingCache) Delete(_ context.Context, graphID string) {
	delete(c.entries, graphID)
}

func TestTieredCacheRefillsLocalTier(t *testing.T) {
	shared := newRecordingCache()
	shared.entries[testGraph] = testLocation("10.0.0.1")
	tiered := NewTieredCache(NewMemoryCache(time.Minute), shared)
	ctx := context.Background()

	loc, ok := tiered.Get(ctx, testGraph)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", loc.PrivateIP)
	assert.Equal(t, 1, shared.gets)

	// The hit refilled the memory tier; the shared tier is not asked
	// again.
	_, ok = tiered.Get(ctx, testGraph)
	require.True(t, ok)
	assert.Equal(t, 1, shared.gets)
}

func TestTieredCacheWritesBothTiers(t *testing.T) {
	shared := newRecordingCache()
	local := NewMemoryCache(time.Minute)
	tiered := NewTieredCache(local, shared)
	ctx := context.Background()

	tiered.Set(ctx, testGraph, testLocation("10.0.0.1"))
	assert.Contains(t, shared.entries, testGraph)
	_, ok := local.Get(ctx, testGraph)
	assert.True(t, ok)

	tiered.Delete(ctx, testGraph)
	assert.NotContains(t, shared.entries, testGraph)
	_, ok = local.Get(ctx, testGraph)
	assert.False(t, ok)
}
