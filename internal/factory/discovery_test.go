package factory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphplane-backend/internal/allocation"
	apperrors "graphplane-backend/pkg/errors"
)

func TestDiscoveryCachesHealthyMaster(t *testing.T) {
	lister := &fakeLister{records: []allocation.InstanceRecord{healthyMaster("10.0.9.9")}}
	d := NewDiscovery(lister, 8100, zap.NewNop())
	ctx := context.Background()

	url, err := d.MasterBaseURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.9.9:8100", url)

	_, err = d.MasterBaseURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls, "second resolution must come from the cache")
}

func TestDiscoveryIngestionFallbackHasShortTTL(t *testing.T) {
	lister := &fakeLister{records: []allocation.InstanceRecord{{
		InstanceID:      "i-master1",
		PrivateIP:       "10.0.9.9",
		Status:          allocation.InstanceUnhealthy,
		NodeType:        allocation.NodeSharedMaster,
		IngestionActive: true,
	}}}
	d := NewDiscovery(lister, 8100, zap.NewNop())

	now := time.Now()
	d.now = func() time.Time { return now }

	url, err := d.MasterBaseURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.9.9:8100", url)

	// Inside the fallback window the cached endpoint is reused.
	d.now = func() time.Time { return now.Add(30 * time.Second) }
	_, err = d.MasterBaseURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls)

	// Past the window discovery runs again.
	d.now = func() time.Time { return now.Add(ingestionFallbackTTL + time.Second) }
	_, err = d.MasterBaseURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
}

func TestDiscoveryServesStaleOnRegistryError(t *testing.T) {
	lister := &fakeLister{records: []allocation.InstanceRecord{healthyMaster("10.0.9.9")}}
	d := NewDiscovery(lister, 8100, zap.NewNop())

	now := time.Now()
	d.now = func() time.Time { return now }

	_, err := d.MasterBaseURL(context.Background())
	require.NoError(t, err)

	lister.err = errors.New("dynamodb unavailable")
	d.now = func() time.Time { return now.Add(masterCacheTTL + time.Second) }

	url, err := d.MasterBaseURL(context.Background())
	require.NoError(t, err, "stale endpoint beats a hard failure")
	assert.Equal(t, "http://10.0.9.9:8100", url)
}

func TestDiscoveryNoMasterAvailable(t *testing.T) {
	lister := &fakeLister{}
	d := NewDiscovery(lister, 8100, zap.NewNop())

	_, err := d.MasterBaseURL(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsRouting(err), "got %v", err)
}

type blockingLister struct {
	entered chan struct{}
	release chan struct{}
	records []allocation.InstanceRecord
}

func (l *blockingLister) ListByNodeType(_ context.Context, _ allocation.NodeType) ([]allocation.InstanceRecord, error) {
	close(l.entered)
	<-l.release
	return l.records, nil
}

func TestDiscoveryScanRunsOutsideCacheLock(t *testing.T) {
	lister := &blockingLister{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		records: []allocation.InstanceRecord{healthyMaster("10.0.9.9")},
	}
	d := NewDiscovery(lister, 8100, zap.NewNop())

	go func() {
		_, _ = d.MasterBaseURL(context.Background())
	}()
	<-lister.entered

	// Cache state stays reachable while the registry scan is in flight.
	done := make(chan struct{})
	go func() {
		d.Invalidate()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cache access blocked behind the registry scan")
	}
	close(lister.release)
}

func TestDiscoveryBreakerSuspendsScans(t *testing.T) {
	lister := &fakeLister{err: errors.New("dynamodb unavailable")}
	d := NewDiscovery(lister, 8100, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.MasterBaseURL(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, 3, lister.calls)

	_, err := d.MasterBaseURL(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err), "open breaker reads as transient: %v", err)
	assert.Equal(t, 3, lister.calls, "open breaker must not reach the registry")
}

func TestDiscoveryInvalidate(t *testing.T) {
	lister := &fakeLister{records: []allocation.InstanceRecord{healthyMaster("10.0.9.9")}}
	d := NewDiscovery(lister, 8100, zap.NewNop())
	ctx := context.Background()

	_, err := d.MasterBaseURL(ctx)
	require.NoError(t, err)

	d.Invalidate()
	_, err = d.MasterBaseURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
}
