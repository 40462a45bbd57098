package tier

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "graphplane-backend/pkg/errors"
)

// Manifest paths, probed in order. The container path wins when present.
var manifestPaths = []string{
	"/etc/graphplane/graph.yml",
	"config/graph.yml",
}

// Defaults applied when a manifest field is absent.
const (
	DefaultMaxSubgraphs         = 5
	DefaultDatabasesPerInstance = 50
	DefaultMemoryPerDBMB        = 2048
	DefaultMaxMemoryMB          = 16384
	DefaultChunkSize            = 50000
	DefaultQueryTimeout         = 60 * time.Second
	DefaultAPIRateMultiplier    = 1.0
	DefaultCopyConcurrent       = 2
	DefaultCopyDailyLimit       = 20
	DefaultBackupRetentionDays  = 7
	DefaultBackupDailyLimit     = 2
)

// Manifest is the parsed graph.yml, partitioned by environment.
type Manifest struct {
	Environments map[string]EnvironmentManifest `yaml:"environments"`
}

// EnvironmentManifest lists the writer tiers of one environment.
type EnvironmentManifest struct {
	WriterTiers []TierSpec `yaml:"writer_tiers"`
}

// TierSpec is one writer tier as declared in the manifest.
type TierSpec struct {
	Name              string       `yaml:"name"`
	BackendType       string       `yaml:"backend_type"`
	Disabled          bool         `yaml:"disabled"`
	Instance          InstanceSpec `yaml:"instance"`
	MaxSubgraphs      *int         `yaml:"max_subgraphs"`
	StorageLimitGB    int          `yaml:"storage_limit_gb"`
	MonthlyCredits    int          `yaml:"monthly_credits"`
	APIRateMultiplier float64      `yaml:"api_rate_multiplier"`
	CopyOperations    *CopyLimits  `yaml:"copy_operations"`
	BackupLimits      *BackupLimits `yaml:"backup_limits"`
}

// InstanceSpec holds the per-instance sizing of a tier.
type InstanceSpec struct {
	Type                 string `yaml:"type"`
	DatabasesPerInstance int    `yaml:"databases_per_instance"`
	MemoryPerDBMB        int    `yaml:"memory_per_db_mb"`
	MaxMemoryMB          int    `yaml:"max_memory_mb"`
	ChunkSize            int    `yaml:"chunk_size"`
	QueryTimeoutSeconds  int    `yaml:"query_timeout_seconds"`
}

// CopyLimits bounds staging-table copy operations.
type CopyLimits struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	DailyLimit    int `yaml:"daily_limit"`
}

// BackupLimits bounds backup operations.
type BackupLimits struct {
	RetentionDays int `yaml:"retention_days"`
	DailyLimit    int `yaml:"daily_limit"`
}

// Config is the resolved configuration of one tier, with manifest gaps
// filled by the documented defaults.
type Config struct {
	Tier                 Tier
	BackendType          string
	Disabled             bool
	MaxSubgraphs         int
	DatabasesPerInstance int
	MemoryPerDBMB        int
	MaxMemoryMB          int
	ChunkSize            int
	QueryTimeout         time.Duration
	StorageLimitGB       int
	MonthlyCredits       int
	APIRateMultiplier    float64
	CopyOperations       CopyLimits
	BackupLimits         BackupLimits
}

// Catalog answers tier lookups for one environment. A nil logger is
// replaced with zap.L().
type Catalog struct {
	environment string
	logger      *zap.Logger
	path        string

	mu       sync.RWMutex
	manifest *Manifest
	source   string
}

// NewCatalog creates a catalog for the given environment. The manifest is
// loaded lazily on first use, probing the container path and then the
// development path.
func NewCatalog(environment string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.L()
	}
	return &Catalog{environment: environment, logger: logger}
}

// NewCatalogFromFile creates a catalog bound to an explicit manifest path.
func NewCatalogFromFile(path, environment string, logger *zap.Logger) *Catalog {
	c := NewCatalog(environment, logger)
	c.path = path
	return c
}

// load parses the manifest on first use; subsequent calls hit the cache.
func (c *Catalog) load() (*Manifest, error) {
	c.mu.RLock()
	m := c.manifest
	c.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manifest != nil {
		return c.manifest, nil
	}

	paths := manifestPaths
	if c.path != "" {
		paths = []string{c.path}
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("reading tier manifest %s: %v", path, err))
		}

		manifest, err := parseManifest(data)
		if err != nil {
			return nil, err
		}
		c.manifest = manifest
		c.source = path
		c.logger.Info("Loaded tier manifest",
			zap.String("path", path),
			zap.String("environment", c.environment))
		return c.manifest, nil
	}

	return nil, apperrors.NewConfiguration("tier manifest graph.yml not found")
}

func parseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("unparseable tier manifest: %v", err))
	}
	if len(manifest.Environments) == 0 {
		return nil, apperrors.NewConfiguration("tier manifest has no environments")
	}
	return &manifest, nil
}

// Reload re-parses the manifest and swaps it in. A malformed update keeps
// the previous manifest.
func (c *Catalog) Reload() error {
	c.mu.RLock()
	path := c.source
	c.mu.RUnlock()
	if path == "" {
		c.ClearCache()
		_, err := c.load()
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.NewConfiguration(fmt.Sprintf("reloading tier manifest %s: %v", path, err))
	}
	manifest, err := parseManifest(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.manifest = manifest
	c.mu.Unlock()
	c.logger.Info("Reloaded tier manifest", zap.String("path", path))
	return nil
}

// ClearCache drops the cached manifest. Intended for tests.
func (c *Catalog) ClearCache() {
	c.mu.Lock()
	c.manifest = nil
	c.source = ""
	c.mu.Unlock()
}

// GetConfig resolves the configuration for a tier, filling absent fields
// with defaults. Unknown tiers fail with a configuration error.
func (c *Catalog) GetConfig(t Tier) (*Config, error) {
	manifest, err := c.load()
	if err != nil {
		return nil, err
	}

	env, ok := manifest.Environments[c.environment]
	if !ok {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("environment %q not present in tier manifest", c.environment))
	}

	for _, spec := range env.WriterTiers {
		if spec.Name == t.String() {
			return resolveConfig(t, spec), nil
		}
	}

	return nil, apperrors.NewConfiguration(fmt.Sprintf("tier %q not present in manifest for environment %q", t, c.environment))
}

// AvailableTiers returns the tiers of this environment, filtering out
// disabled ones unless includeDisabled is set.
func (c *Catalog) AvailableTiers(includeDisabled bool) ([]*Config, error) {
	manifest, err := c.load()
	if err != nil {
		return nil, err
	}

	env, ok := manifest.Environments[c.environment]
	if !ok {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("environment %q not present in tier manifest", c.environment))
	}

	configs := make([]*Config, 0, len(env.WriterTiers))
	for _, spec := range env.WriterTiers {
		if spec.Disabled && !includeDisabled {
			continue
		}
		configs = append(configs, resolveConfig(ParseTier(spec.Name), spec))
	}
	return configs, nil
}

// MaxSubgraphs is a convenience lookup used by the subgraph service.
func (c *Catalog) MaxSubgraphs(t Tier) (int, error) {
	cfg, err := c.GetConfig(t)
	if err != nil {
		return 0, err
	}
	return cfg.MaxSubgraphs, nil
}

func resolveConfig(t Tier, spec TierSpec) *Config {
	cfg := &Config{
		Tier:                 t,
		BackendType:          spec.BackendType,
		Disabled:             spec.Disabled,
		MaxSubgraphs:         DefaultMaxSubgraphs,
		DatabasesPerInstance: spec.Instance.DatabasesPerInstance,
		MemoryPerDBMB:        spec.Instance.MemoryPerDBMB,
		MaxMemoryMB:          spec.Instance.MaxMemoryMB,
		ChunkSize:            spec.Instance.ChunkSize,
		QueryTimeout:         DefaultQueryTimeout,
		StorageLimitGB:       spec.StorageLimitGB,
		MonthlyCredits:       spec.MonthlyCredits,
		APIRateMultiplier:    spec.APIRateMultiplier,
		CopyOperations:       CopyLimits{MaxConcurrent: DefaultCopyConcurrent, DailyLimit: DefaultCopyDailyLimit},
		BackupLimits:         BackupLimits{RetentionDays: DefaultBackupRetentionDays, DailyLimit: DefaultBackupDailyLimit},
	}

	if spec.MaxSubgraphs != nil {
		cfg.MaxSubgraphs = *spec.MaxSubgraphs
	}
	if cfg.DatabasesPerInstance == 0 {
		cfg.DatabasesPerInstance = DefaultDatabasesPerInstance
	}
	if cfg.MemoryPerDBMB == 0 {
		cfg.MemoryPerDBMB = DefaultMemoryPerDBMB
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if spec.Instance.QueryTimeoutSeconds > 0 {
		cfg.QueryTimeout = time.Duration(spec.Instance.QueryTimeoutSeconds) * time.Second
	}
	if cfg.APIRateMultiplier == 0 {
		cfg.APIRateMultiplier = DefaultAPIRateMultiplier
	}
	if spec.CopyOperations != nil {
		cfg.CopyOperations = *spec.CopyOperations
	}
	if spec.BackupLimits != nil {
		cfg.BackupLimits = *spec.BackupLimits
	}

	return cfg
}
