package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "graphplane-backend/pkg/errors"
)

func testClient(t *testing.T, server *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	opts := DefaultOptions(server.URL, "test-key")
	opts.RetryDelay = time.Millisecond
	opts.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&opts)
	}
	client, err := New(opts, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestRetryOnTransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"healthy","version":"1.2.3"}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	info, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", info.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := testClient(t, server, func(o *Options) { o.MaxRetries = 2 })
	_, err := client.Health(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err), "exhausted transient retries keep the kind: %v", err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus 2 retries")
}

func TestSyntaxErrorNeverRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Parser exception: unexpected token"))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	start := time.Now()
	_, err := client.GetInfo(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.IsSyntax(err), "got %v", err)
	assert.Equal(t, int32(1), calls.Load(), "syntax errors take exactly one attempt")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "no backoff may elapse")
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	_, err := client.GetInfo(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsClient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryDisabledByFlag(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testClient(t, server, func(o *Options) { o.RetryEnabled = false })
	_, err := client.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	threshold := 3
	client := testClient(t, server, func(o *Options) {
		o.MaxRetries = 0
		o.CircuitBreakerThreshold = threshold
		o.CircuitBreakerTimeout = 200 * time.Millisecond
	})

	// Trip the breaker with consecutive failures.
	for i := 0; i < threshold; i++ {
		_, err := client.Health(context.Background())
		require.Error(t, err)
	}

	// Open breaker fails fast without touching the wire.
	before := calls.Load()
	_, err := client.Health(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err), "open breaker maps to Transient: %v", err)
	assert.Equal(t, before, calls.Load(), "open breaker must not issue requests")

	// After the timeout a half-open probe succeeds and closes it.
	healthy.Store(true)
	time.Sleep(250 * time.Millisecond)
	_, err = client.Health(context.Background())
	require.NoError(t, err)
	_, err = client.Health(context.Background())
	require.NoError(t, err)
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(t, server, func(o *Options) {
		o.MaxRetries = 0
		o.CircuitBreakerThreshold = 2
	})

	for i := 0; i < 10; i++ {
		_, err := client.GetInfo(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.IsClient(err), "breaker must stay closed on 404s: %v", err)
	}
}

func TestAPIKeyHeaderSent(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Graph-API-Key")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	_, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
}

func TestStatsCountRequestsAndFailures(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	_, _ = client.Health(context.Background())
	fail.Store(true)
	_, _ = client.Health(context.Background())

	stats := client.Stats()
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}
