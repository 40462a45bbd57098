// Command api runs the graph control-plane HTTP service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"graphplane-backend/internal/allocation"
	"graphplane-backend/internal/api"
	"graphplane-backend/internal/backend"
	"graphplane-backend/internal/config"
	"graphplane-backend/internal/credits"
	"graphplane-backend/internal/events"
	"graphplane-backend/internal/factory"
	"graphplane-backend/internal/permissions"
	"graphplane-backend/internal/sse"
	"graphplane-backend/internal/subgraph"
	"graphplane-backend/internal/tier"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return err
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	graphs := allocation.NewGraphRegistry(dynamoClient, cfg.GraphRegistryTable, logger)
	instances := allocation.NewInstanceRegistry(dynamoClient, cfg.InstanceRegistryTable, logger)
	scaler := allocation.NewASGScaler(autoscaling.NewFromConfig(awsCfg), cfg.StackPrefix, logger)
	tierMetrics := allocation.NewCloudWatchPublisher(
		cloudwatch.NewFromConfig(awsCfg), cfg.MetricsNamespace, logger)
	manager := allocation.NewManager(graphs, instances, scaler, tierMetrics, logger)

	catalog := tier.NewCatalog(string(cfg.Environment), logger)
	var watcher *tier.Watcher
	if err := catalog.Reload(); err != nil {
		logger.Warn("Tier manifest unavailable, subgraph creation will fail", zap.Error(err))
	} else if watcher, err = tier.NewWatcher(catalog, logger); err != nil {
		logger.Warn("Tier manifest hot reloading unavailable", zap.Error(err))
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	pool := factory.NewPool(backend.Options{
		APIKey:                  cfg.GraphAPIKey,
		Timeout:                 cfg.ReadTimeout,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.CircuitBreakerTimeout,
		RetryEnabled:            cfg.Features.RetryLogic,
		BreakerEnabled:          cfg.Features.CircuitBreakers,
	}, logger)

	var cache factory.LocationCache = factory.NewMemoryCache(cfg.InstanceCacheTTL)
	if cfg.Features.RedisCache {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cache = factory.NewTieredCache(
			factory.NewMemoryCache(cfg.InstanceCacheTTL),
			factory.NewRedisCache(redisClient, string(cfg.Environment), cfg.InstanceCacheTTL, logger))
		logger.Info("Location cache backed by Redis", zap.String("addr", cfg.RedisAddr))
	}

	discovery := factory.NewDiscovery(instances, cfg.GraphPort, logger)
	var albHealth *factory.ALBHealth
	if cfg.ReplicaALBEnabled && cfg.ReplicaALBURL != "" {
		albHealth = factory.NewALBHealth(cfg.ReplicaALBURL, cfg.ALBHealthCacheTTL, logger)
	}
	clients := factory.New(cfg, pool, cache, discovery, albHealth, manager, logger)
	defer clients.Shutdown()

	subgraphs := subgraph.NewService(
		subgraph.NewStore(dynamoClient, cfg.SubgraphMetadataTable, logger),
		subgraph.FromFactory(clients), manager, catalog, logger)

	server := api.NewServer(
		manager,
		subgraphs,
		credits.NewRouter(dynamoClient, cfg.CreditPoolTable, logger),
		func(ctx context.Context, graphID string, intent factory.Intent) (api.QueryBackend, error) {
			return clients.ClientFor(ctx, graphID, intent)
		},
		permissions.NewService(permissions.NewRegistryAuthorizer(graphs), logger),
		sse.NewBroker(logger),
		events.NewBusPublisher(eventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logger),
		logger,
	)
	server.SetSubgraphCreation(cfg.Features.SubgraphCreate)

	httpServer := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.ConnectTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Control plane listening",
			zap.String("address", cfg.ServerAddress),
			zap.String("environment", string(cfg.Environment)))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.IsProduction() {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}
