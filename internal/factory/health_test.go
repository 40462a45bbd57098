package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestALBHealthCachesVerdict(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewALBHealth(server.URL, time.Minute, zap.NewNop())
	ctx := context.Background()

	assert.True(t, h.Healthy(ctx))
	assert.True(t, h.Healthy(ctx))
	assert.Equal(t, int64(1), hits.Load(), "second verdict must come from the cache")
}

func TestALBHealthUnhealthyStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	h := NewALBHealth(server.URL, time.Minute, zap.NewNop())
	assert.False(t, h.Healthy(context.Background()))
}

func TestALBHealthBreakerStopsProbing(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	// Zero TTL so every call would probe if the breaker allowed it.
	h := NewALBHealth(server.URL, 0, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.False(t, h.Healthy(ctx))
	}
	assert.Equal(t, int64(3), hits.Load(), "open breaker must stop reaching the ALB")
}

func TestALBHealthCollapsesConcurrentProbes(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewALBHealth(server.URL, time.Minute, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.Healthy(ctx)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load(), "concurrent callers share one probe")
	for _, healthy := range results {
		assert.True(t, healthy)
	}
}
