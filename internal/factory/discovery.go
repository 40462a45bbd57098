package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"graphplane-backend/internal/allocation"
	apperrors "graphplane-backend/pkg/errors"
	"graphplane-backend/pkg/observability"
)

const (
	// masterCacheTTL covers the steady state; shared masters move only
	// on failover.
	masterCacheTTL = 5 * time.Minute

	// ingestionFallbackTTL is the short window for serving a master
	// that is mid-ingestion and reporting unhealthy. Kept short so a
	// genuinely failed master is not pinned.
	ingestionFallbackTTL = time.Minute
)

// InstanceLister is the registry surface discovery needs.
type InstanceLister interface {
	ListByNodeType(ctx context.Context, nodeType allocation.NodeType) ([]allocation.InstanceRecord, error)
}

// Discovery resolves the shared-repository master instance with a
// time-bounded cache. The registry scan runs outside the cache lock,
// collapsed to one flight per expiry, behind its own circuit breaker.
type Discovery struct {
	instances InstanceLister
	port      int
	breaker   *gobreaker.CircuitBreaker
	flight    singleflight.Group
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	baseURL string
	expires time.Time
}

func NewDiscovery(instances InstanceLister, port int, logger *zap.Logger) *Discovery {
	d := &Discovery{instances: instances, port: port, logger: logger, now: time.Now}
	metrics := observability.NewCollector("graphplane")
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "shared-master-discovery",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerStates.WithLabelValues(name, to.String()).Inc()
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return d
}

// MasterBaseURL returns the shared master's endpoint. A healthy master
// is cached for masterCacheTTL; an ingestion-active unhealthy master is
// served as a fallback with a one-minute cache and a warning.
func (d *Discovery) MasterBaseURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	cached, expires := d.baseURL, d.expires
	d.mu.Unlock()
	if cached != "" && d.now().Before(expires) {
		return cached, nil
	}

	result, err, _ := d.flight.Do("shared-master", func() (any, error) {
		return d.rediscover(ctx, cached)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// rediscover scans the registry and publishes the fresh endpoint. The
// stale endpoint keeps serving reads when the scan itself fails.
func (d *Discovery) rediscover(ctx context.Context, stale string) (string, error) {
	listed, err := d.breaker.Execute(func() (any, error) {
		return d.instances.ListByNodeType(ctx, allocation.NodeSharedMaster)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = apperrors.NewTransient("shared master discovery suspended", err)
	}
	if err != nil {
		if stale != "" {
			d.logger.Warn("shared master discovery failed, serving stale endpoint", zap.Error(err))
			return stale, nil
		}
		return "", err
	}
	records := listed.([]allocation.InstanceRecord)

	var fallback *allocation.InstanceRecord
	for i := range records {
		rec := &records[i]
		if rec.Status == allocation.InstanceHealthy {
			return d.publish(d.endpoint(rec), masterCacheTTL), nil
		}
		if rec.IngestionActive && fallback == nil {
			fallback = rec
		}
	}

	if fallback != nil {
		d.logger.Warn("no healthy shared master, using ingestion-active fallback",
			zap.String("instance_id", fallback.InstanceID))
		return d.publish(d.endpoint(fallback), ingestionFallbackTTL), nil
	}

	d.Invalidate()
	return "", apperrors.NewRouting("no shared master instance available")
}

func (d *Discovery) publish(baseURL string, ttl time.Duration) string {
	d.mu.Lock()
	d.baseURL = baseURL
	d.expires = d.now().Add(ttl)
	d.mu.Unlock()
	return baseURL
}

// Invalidate drops the cached endpoint, forcing rediscovery.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	d.baseURL = ""
	d.expires = time.Time{}
	d.mu.Unlock()
}

func (d *Discovery) endpoint(rec *allocation.InstanceRecord) string {
	return fmt.Sprintf("http://%s:%d", rec.PrivateIP, d.port)
}
