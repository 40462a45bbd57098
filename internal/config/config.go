// Package config loads control-plane configuration from environment
// variables. Every recognized variable has a documented default so a dev
// environment starts with no configuration at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment names a deployment environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
	EnvTest    Environment = "test"
)

// Features contains the runtime feature flags. All default on except the
// Redis cache, which requires an address to be useful.
type Features struct {
	RetryLogic      bool
	HealthChecks    bool
	CircuitBreakers bool
	RedisCache      bool
	SubgraphCreate  bool
}

// Config holds all control-plane configuration.
type Config struct {
	ServerAddress string
	Environment   Environment

	// AWS configuration
	AWSRegion             string
	GraphRegistryTable    string
	InstanceRegistryTable string
	SubgraphMetadataTable string
	CreditPoolTable       string
	EventBusName          string
	MetricsNamespace      string
	StackPrefix           string

	// Backend defaults
	GraphAPIURL string
	GraphAPIKey string
	GraphPort   int

	// Shared-repository read path
	ReplicaALBURL          string
	ReplicaALBEnabled      bool
	AllowSharedMasterReads bool

	// Tunables
	ConnectTimeout          time.Duration
	ReadTimeout             time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	InstanceCacheTTL        time.Duration
	ALBHealthCacheTTL       time.Duration

	// Redis (shared location cache)
	RedisAddr string

	// Tier defaults when the manifest omits a field
	DefaultMemoryPerDBMB int
	DefaultChunkSize     int

	// Logging
	LogLevel string

	Features Features
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   Environment(getEnv("ENVIRONMENT", "dev")),

		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		GraphRegistryTable:    getEnv("GRAPH_REGISTRY_TABLE", "graph-registry"),
		InstanceRegistryTable: getEnv("INSTANCE_REGISTRY_TABLE", "instance-registry"),
		SubgraphMetadataTable: getEnv("SUBGRAPH_METADATA_TABLE", "subgraph-metadata"),
		CreditPoolTable:       getEnv("CREDIT_POOL_TABLE", "credit-pools"),
		EventBusName:          getEnv("EVENT_BUS_NAME", "graphplane-events"),
		MetricsNamespace:      getEnv("METRICS_NAMESPACE", "GraphPlane"),
		StackPrefix:           getEnv("STACK_PREFIX", "graphplane"),

		GraphAPIURL: getEnv("GRAPH_API_URL", ""),
		GraphAPIKey: getEnv("GRAPH_API_KEY", ""),
		GraphPort:   getEnvInt("GRAPH_API_PORT", 8100),

		ReplicaALBURL:          getEnv("GRAPH_REPLICA_ALB_URL", ""),
		ReplicaALBEnabled:      getEnvBool("SHARED_REPLICA_ALB_ENABLED", true),
		AllowSharedMasterReads: getEnvBool("ALLOW_SHARED_MASTER_READS", true),

		ConnectTimeout:          getEnvDuration("GRAPH_CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:             getEnvDuration("GRAPH_READ_TIMEOUT", 60*time.Second),
		CircuitBreakerThreshold: getEnvInt("GRAPH_CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerTimeout:   getEnvDuration("GRAPH_CIRCUIT_BREAKER_TIMEOUT", 60*time.Second),
		InstanceCacheTTL:        getEnvDuration("GRAPH_INSTANCE_CACHE_TTL", 60*time.Second),
		ALBHealthCacheTTL:       getEnvDuration("GRAPH_ALB_HEALTH_CACHE_TTL", 30*time.Second),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		DefaultMemoryPerDBMB: getEnvInt("GRAPH_DEFAULT_MEMORY_PER_DB_MB", 2048),
		DefaultChunkSize:     getEnvInt("GRAPH_DEFAULT_CHUNK_SIZE", 50000),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		Features: Features{
			RetryLogic:      getEnvBool("GRAPH_RETRY_LOGIC_ENABLED", true),
			HealthChecks:    getEnvBool("GRAPH_HEALTH_CHECKS_ENABLED", true),
			CircuitBreakers: getEnvBool("GRAPH_CIRCUIT_BREAKERS_ENABLED", true),
			RedisCache:      getEnvBool("GRAPH_REDIS_CACHE_ENABLED", true),
			SubgraphCreate:  getEnvBool("SUBGRAPH_CREATION_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable for the selected
// environment. Production requires an API key and registry tables.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd, EnvTest:
	default:
		return fmt.Errorf("ENVIRONMENT must be one of dev, staging, prod, test; got %q", c.Environment)
	}

	if c.Environment == EnvProd {
		if c.GraphAPIKey == "" {
			return fmt.Errorf("GRAPH_API_KEY is required in prod")
		}
		if c.GraphRegistryTable == "" || c.InstanceRegistryTable == "" {
			return fmt.Errorf("GRAPH_REGISTRY_TABLE and INSTANCE_REGISTRY_TABLE are required in prod")
		}
	}

	if c.Features.RedisCache && c.RedisAddr == "" {
		// An enabled Redis cache with no address silently falls back to
		// the in-process cache.
		c.Features.RedisCache = false
	}

	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("GRAPH_CIRCUIT_BREAKER_THRESHOLD must be >= 1")
	}

	return nil
}

// IsProduction reports whether the prod environment is selected.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProd
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts either a Go duration string ("30s") or a bare
// number of seconds, which is how the deployment tooling writes timeouts.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
