// Command cleanup sweeps expired registry tombstones. It is intended to
// run on a schedule, once per day in production.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"graphplane-backend/internal/allocation"
	"graphplane-backend/internal/config"
)

func main() {
	retention := flag.Duration("retention", 30*24*time.Hour,
		"how long deleted graphs stay recoverable before the tombstone is purged")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall sweep deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Fatal("aws configuration", zap.Error(err))
	}

	graphs := allocation.NewGraphRegistry(
		dynamodb.NewFromConfig(awsCfg), cfg.GraphRegistryTable, logger)

	cutoff := time.Now().Add(-*retention)
	purged, err := graphs.PurgeDeleted(ctx, cutoff)
	if err != nil {
		logger.Fatal("tombstone sweep failed",
			zap.Int("purged_before_failure", purged), zap.Error(err))
	}

	logger.Info("tombstone sweep complete",
		zap.Int("purged", purged),
		zap.Time("cutoff", cutoff))
}
