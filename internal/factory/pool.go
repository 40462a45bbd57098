// Package factory routes graph operations to backend clients. It owns
// the per-endpoint connection pools, the location cache, shared-master
// discovery and the read/write routing decision.
package factory

import (
	"sync"

	"go.uber.org/zap"

	"graphplane-backend/internal/backend"
)

// Pool hands out one backend client per base URL. Clients carry their
// own transport pool and circuit breaker, so reusing them per endpoint
// is what makes breaker state meaningful.
type Pool struct {
	template backend.Options
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*backend.Client
}

func NewPool(template backend.Options, logger *zap.Logger) *Pool {
	return &Pool{
		template: template,
		logger:   logger,
		clients:  make(map[string]*backend.Client),
	}
}

// Get returns the client for a base URL, creating it on first use.
func (p *Pool) Get(baseURL string) (*backend.Client, error) {
	p.mu.RLock()
	client, ok := p.clients[baseURL]
	p.mu.RUnlock()
	if ok {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[baseURL]; ok {
		return client, nil
	}

	opts := p.template
	opts.BaseURL = baseURL
	client, err := backend.New(opts, p.logger.With(zap.String("base_url", baseURL)))
	if err != nil {
		return nil, err
	}
	p.clients[baseURL] = client
	p.logger.Debug("created backend client pool", zap.String("base_url", baseURL))
	return client, nil
}

// Evict drops the client for a base URL, typically after its instance
// was deallocated or replaced.
func (p *Pool) Evict(baseURL string) {
	p.mu.Lock()
	delete(p.clients, baseURL)
	p.mu.Unlock()
}

// Stats snapshots per-endpoint request counters.
func (p *Pool) Stats() map[string]backend.PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]backend.PoolStats, len(p.clients))
	for url, client := range p.clients {
		stats[url] = client.Stats()
	}
	return stats
}

// LogStats writes one line per pool. Called on shutdown.
func (p *Pool) LogStats() {
	for url, stats := range p.Stats() {
		p.logger.Info("pool statistics",
			zap.String("base_url", url),
			zap.Int64("requests", stats.Requests),
			zap.Int64("failures", stats.Failures))
	}
}
