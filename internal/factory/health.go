package factory

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"graphplane-backend/pkg/observability"
)

const albHealthTimeout = 3 * time.Second

// ALBHealth probes the replica load balancer's /health endpoint. The
// verdict is cached so routing does not add a probe per read, and a
// breaker keeps a dead ALB from absorbing the probe timeout on every
// cache expiry. The probe runs outside the cache lock, collapsed to
// one flight per expiry.
type ALBHealth struct {
	url      string
	cacheTTL time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	flight   singleflight.Group
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	healthy bool
	checked time.Time
}

func NewALBHealth(url string, cacheTTL time.Duration, logger *zap.Logger) *ALBHealth {
	h := &ALBHealth{
		url:      url,
		cacheTTL: cacheTTL,
		client:   &http.Client{Timeout: albHealthTimeout},
		logger:   logger,
		now:      time.Now,
	}
	metrics := observability.NewCollector("graphplane")
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "replica-alb-health",
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
	return h
}

// Healthy reports whether replica reads should be routed to the ALB.
// Any probe failure, including an open breaker, counts as unhealthy.
func (h *ALBHealth) Healthy(ctx context.Context) bool {
	h.mu.Lock()
	healthy, checked := h.healthy, h.checked
	h.mu.Unlock()
	if !checked.IsZero() && h.now().Sub(checked) < h.cacheTTL {
		return healthy
	}

	verdict, _, _ := h.flight.Do("replica-alb", func() (any, error) {
		v := h.probe(ctx)
		h.mu.Lock()
		h.healthy = v
		h.checked = h.now()
		h.mu.Unlock()
		return v, nil
	})
	return verdict.(bool)
}

func (h *ALBHealth) probe(ctx context.Context) bool {
	_, err := h.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &probeError{status: resp.StatusCode}
		}
		return nil, nil
	})
	if err != nil {
		h.logger.Debug("replica ALB unhealthy", zap.Error(err))
		return false
	}
	return true
}

type probeError struct{ status int }

func (e *probeError) Error() string {
	return http.StatusText(e.status)
}
