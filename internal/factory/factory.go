package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"graphplane-backend/internal/allocation"
	"graphplane-backend/internal/backend"
	"graphplane-backend/internal/config"
	"graphplane-backend/internal/graphid"
	apperrors "graphplane-backend/pkg/errors"
	"graphplane-backend/pkg/observability"
)

// Intent says whether the caller will mutate the graph. Reads against
// shared graphs may be served by replicas; everything else goes to the
// owning writer.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

func (i Intent) String() string {
	if i == IntentWrite {
		return "write"
	}
	return "read"
}

// Resolver locates user graph databases.
type Resolver interface {
	FindDatabaseLocation(ctx context.Context, graphID string) (*allocation.DatabaseLocation, error)
}

// Factory is the single entry point for obtaining a backend client for
// a graph. It encapsulates the routing decision table:
//
//	shared + write          -> shared master
//	shared + read           -> replica ALB when enabled and healthy,
//	                           else master when master reads allowed
//	user graph or subgraph  -> owning writer via registry lookup
type Factory struct {
	cfg       *config.Config
	pool      *Pool
	cache     LocationCache
	discovery *Discovery
	albHealth *ALBHealth
	resolver  Resolver
	logger    *zap.Logger
	metrics   *observability.Collector
}

func New(cfg *config.Config, pool *Pool, cache LocationCache, discovery *Discovery, albHealth *ALBHealth, resolver Resolver, logger *zap.Logger) *Factory {
	return &Factory{
		cfg:       cfg,
		pool:      pool,
		cache:     cache,
		discovery: discovery,
		albHealth: albHealth,
		resolver:  resolver,
		logger:    logger,
		metrics:   observability.NewCollector("graphplane"),
	}
}

// ClientFor resolves the endpoint serving graphID for the given intent
// and returns its pooled client.
func (f *Factory) ClientFor(ctx context.Context, graphID string, intent Intent) (*backend.Client, error) {
	parsed := graphid.Parse(graphID)
	switch parsed.Kind {
	case graphid.KindInvalid:
		return nil, apperrors.NewClient(fmt.Sprintf("invalid graph identifier: %s", graphID))
	case graphid.KindShared:
		return f.sharedClient(ctx, graphID, intent)
	default:
		return f.userClient(ctx, graphID)
	}
}

// Invalidate drops cached placement for a graph, forcing the next call
// to re-resolve through the registry.
func (f *Factory) Invalidate(ctx context.Context, graphID string) {
	f.cache.Delete(ctx, graphID)
}

// Shutdown logs pool statistics. Transport pools close with the
// process.
func (f *Factory) Shutdown() {
	f.pool.LogStats()
}

func (f *Factory) sharedClient(ctx context.Context, graphID string, intent Intent) (*backend.Client, error) {
	if intent == IntentWrite {
		return f.masterClient(ctx, graphID)
	}

	if f.cfg.ReplicaALBEnabled && f.albHealth != nil && f.albUsable(ctx) {
		f.logger.Debug("routing shared read to replica ALB", zap.String("graph_id", graphID))
		return f.clientAt(f.cfg.ReplicaALBURL)
	}

	if f.cfg.AllowSharedMasterReads {
		f.logger.Debug("routing shared read to master", zap.String("graph_id", graphID))
		return f.masterClient(ctx, graphID)
	}

	f.metrics.PoolFailures.WithLabelValues("shared").Inc()
	return nil, apperrors.NewRouting(fmt.Sprintf(
		"no read endpoint for shared graph %s: replicas unavailable and master reads disabled", graphID))
}

// albUsable gates replica routing on the health verdict. With health
// checks disabled the ALB is trusted as-is, no probe.
func (f *Factory) albUsable(ctx context.Context) bool {
	if !f.cfg.Features.HealthChecks {
		return true
	}
	return f.albHealth.Healthy(ctx)
}

func (f *Factory) masterClient(ctx context.Context, graphID string) (*backend.Client, error) {
	baseURL, err := f.discovery.MasterBaseURL(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, fmt.Sprintf("resolve shared master for %s", graphID))
	}
	return f.clientAt(baseURL)
}

func (f *Factory) userClient(ctx context.Context, graphID string) (*backend.Client, error) {
	if loc, ok := f.cache.Get(ctx, graphID); ok {
		return f.clientAt(f.endpoint(loc))
	}

	loc, err := f.resolver.FindDatabaseLocation(ctx, graphID)
	if err != nil {
		return nil, err
	}
	f.cache.Set(ctx, graphID, loc)
	return f.clientAt(f.endpoint(loc))
}

func (f *Factory) endpoint(loc *allocation.DatabaseLocation) string {
	return fmt.Sprintf("http://%s:%d", loc.PrivateIP, f.cfg.GraphPort)
}

func (f *Factory) clientAt(baseURL string) (*backend.Client, error) {
	client, err := f.pool.Get(baseURL)
	if err != nil {
		return nil, err
	}
	f.metrics.PoolRequests.WithLabelValues(baseURL).Inc()
	return client, nil
}
