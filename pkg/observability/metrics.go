// Package observability holds the Prometheus metrics surface of the
// control plane. CloudWatch tier metrics live next to the allocation
// manager; everything process-local is exported here.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the control plane.
type Collector struct {
	registry *prometheus.Registry

	// Routing metrics
	PoolRequests  *prometheus.CounterVec
	PoolFailures  *prometheus.CounterVec
	BreakerStates *prometheus.CounterVec
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	// Allocation metrics
	Allocations       *prometheus.CounterVec
	AllocationRetries prometheus.Counter

	// Backend client metrics
	BackendRequests *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec
	SSEOutcomes     *prometheus.CounterVec
}

// NewCollector creates the metrics collector with the given namespace.
// A process-wide singleton avoids duplicate registration in tests.
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	poolRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_requests_total",
			Help:      "Total requests issued per connection pool",
		},
		[]string{"base_url"},
	)

	poolFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_failures_total",
			Help:      "Total failed requests per connection pool",
		},
		[]string{"base_url"},
	)

	breakerStates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	cacheHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_cache_hits_total",
			Help:      "Location cache hits per cache backend",
		},
		[]string{"backend"},
	)

	cacheMisses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_cache_misses_total",
			Help:      "Location cache misses per cache backend",
		},
		[]string{"backend"},
	)

	allocations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Database allocation outcomes per tier",
		},
		[]string{"tier", "result"},
	)

	allocationRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_retries_total",
			Help:      "Allocation commit retries after capacity races",
		},
	)

	backendRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend API requests by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	backendDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	sseOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_terminal_events_total",
			Help:      "Terminal SSE outcomes by task type",
		},
		[]string{"task_type", "status"},
	)

	registry.MustRegister(
		poolRequests,
		poolFailures,
		breakerStates,
		cacheHits,
		cacheMisses,
		allocations,
		allocationRetries,
		backendRequests,
		backendDuration,
		sseOutcomes,
	)

	globalCollector = &Collector{
		registry:          registry,
		PoolRequests:      poolRequests,
		PoolFailures:      poolFailures,
		BreakerStates:     breakerStates,
		CacheHits:         cacheHits,
		CacheMisses:       cacheMisses,
		Allocations:       allocations,
		AllocationRetries: allocationRetries,
		BackendRequests:   backendRequests,
		BackendDuration:   backendDuration,
		SSEOutcomes:       sseOutcomes,
	}
	return globalCollector
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Reset drops the singleton. Intended for tests.
func Reset() {
	collectorMutex.Lock()
	globalCollector = nil
	collectorMutex.Unlock()
}
