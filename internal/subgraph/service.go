package subgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"graphplane-backend/internal/backend"
	"graphplane-backend/internal/factory"
	"graphplane-backend/internal/graphid"
	"graphplane-backend/internal/tier"
	apperrors "graphplane-backend/pkg/errors"
)

// Backend is the worker surface the service needs. A subgraph always
// lives on its parent's instance, so every call goes through a client
// resolved for the parent.
type Backend interface {
	CreateDatabase(ctx context.Context, req backend.CreateDatabaseRequest) (*backend.CreateDatabaseResult, error)
	DeleteDatabase(ctx context.Context, graphID string) error
	InstallSchema(ctx context.Context, graphID, baseSchema string, extensions []string, customDDL string) error
	ForkFromParent(ctx context.Context, parentID, subgraphID string, tables, excludePatterns []string, ignoreErrors bool) (*backend.ForkResult, error)
	Query(ctx context.Context, graphID, cypher string, params map[string]any) (*backend.QueryResult, error)
	GetDatabase(ctx context.Context, graphID string) (*backend.DatabaseInfo, error)
	ListDatabases(ctx context.Context) ([]backend.DatabaseInfo, error)
	BackupWithSSE(ctx context.Context, graphID string, req backend.BackupRequest, timeout time.Duration) (*backend.TaskResult, error)
}

// BackendProvider resolves the backend serving a graph.
type BackendProvider func(ctx context.Context, graphID string, intent factory.Intent) (Backend, error)

// FromFactory adapts the client factory into a BackendProvider.
func FromFactory(f *factory.Factory) BackendProvider {
	return func(ctx context.Context, graphID string, intent factory.Intent) (Backend, error) {
		return f.ClientFor(ctx, graphID, intent)
	}
}

// TierResolver reports which tier hosts a graph. Subgraph quotas come
// from the parent's tier, never from caller input.
type TierResolver interface {
	TierOf(ctx context.Context, graphID string) (string, error)
}

// MetadataStore is the persistence surface the service needs.
type MetadataStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, subgraphID string) (*Record, error)
	Delete(ctx context.Context, subgraphID string) error
	ListByParent(ctx context.Context, parentGraphID string) ([]Record, error)
}

// CreateRequest describes a new subgraph. Name is the exact identifier
// segment; when empty one is generated from DisplayName.
type CreateRequest struct {
	ParentGraphID string `validate:"required"`
	TenantID      string `validate:"required,max=128"`
	Name          string
	DisplayName   string
	BaseSchema    string
	Extensions    []string
	CustomDDL     string
}

// ForkRequest copies table content from the parent into a new
// subgraph.
type ForkRequest struct {
	CreateRequest
	Tables          []string
	ExcludePatterns []string
	IgnoreErrors    bool
}

// DeleteOptions control the delete safety rail and optional backup.
type DeleteOptions struct {
	Force         bool
	Backup        bool
	BackupTimeout time.Duration
}

// Info is the external view of a subgraph. Counts are nil when the
// worker could not report them. Status is set by Create: "created" for
// a fresh subgraph, "exists" when the name was already taken.
type Info struct {
	SubgraphID    string    `json:"subgraph_id"`
	ParentGraphID string    `json:"parent_graph_id"`
	SubgraphIndex int       `json:"subgraph_index,omitempty"`
	Name          string    `json:"name"`
	Status        string    `json:"status,omitempty"`
	BaseSchema    string    `json:"base_schema,omitempty"`
	Extensions    []string  `json:"extensions,omitempty"`
	ForkedFrom    string    `json:"forked_from,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	NodeCount     *int64    `json:"node_count"`
	EdgeCount     *int64    `json:"edge_count"`
}

// Service implements subgraph lifecycle on top of the parent's worker
// instance and the metadata table.
type Service struct {
	store    MetadataStore
	provider BackendProvider
	tiers    TierResolver
	catalog  *tier.Catalog
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(store MetadataStore, provider BackendProvider, tiers TierResolver, catalog *tier.Catalog, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		provider: provider,
		tiers:    tiers,
		catalog:  catalog,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Create provisions a subgraph database on the parent's instance,
// installs its schema and records the metadata. The database create
// carries is_subgraph so the worker skips its capacity check: the
// parent's slot already covers its children. Creating a subgraph that
// already exists is not an error: the existing one is returned with
// Status "exists".
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Info, error) {
	rec, client, err := s.provision(ctx, req)
	if errors.Is(err, ErrExists) {
		return existsInfo(rec), nil
	}
	if err != nil {
		return nil, err
	}

	if req.BaseSchema != "" || req.CustomDDL != "" {
		if err := client.InstallSchema(ctx, rec.SubgraphID, req.BaseSchema, req.Extensions, req.CustomDDL); err != nil {
			s.cleanup(ctx, client, rec.SubgraphID)
			return nil, err
		}
	}

	if err := s.store.Put(ctx, *rec); err != nil {
		if errors.Is(err, ErrExists) {
			// Lost the insert to a concurrent create. The database
			// belongs to the winner now, so no cleanup.
			if existing, getErr := s.store.Get(ctx, rec.SubgraphID); getErr == nil {
				return existsInfo(existing), nil
			}
			return existsInfo(rec), nil
		}
		s.cleanup(ctx, client, rec.SubgraphID)
		return nil, err
	}

	s.logger.Info("created subgraph",
		zap.String("subgraph_id", rec.SubgraphID),
		zap.String("parent_graph_id", rec.ParentGraphID),
		zap.Int("subgraph_index", rec.SubgraphIndex))
	info := infoOf(rec, nil)
	info.Status = "created"
	return info, nil
}

// Fork creates a subgraph and copies the selected tables from the
// parent in the same worker call. Unlike Create, forking onto an
// existing subgraph is refused: it would overwrite data.
func (s *Service) Fork(ctx context.Context, req ForkRequest) (*Info, *backend.ForkResult, error) {
	rec, client, err := s.provision(ctx, req.CreateRequest)
	if errors.Is(err, ErrExists) {
		return nil, nil, apperrors.NewClient(fmt.Sprintf("subgraph %s already exists", rec.SubgraphID))
	}
	if err != nil {
		return nil, nil, err
	}
	rec.ForkedFrom = rec.ParentGraphID

	result, err := client.ForkFromParent(ctx, rec.ParentGraphID, rec.SubgraphID,
		req.Tables, req.ExcludePatterns, req.IgnoreErrors)
	if err != nil {
		s.cleanup(ctx, client, rec.SubgraphID)
		return nil, nil, err
	}

	if err := s.store.Put(ctx, *rec); err != nil {
		if errors.Is(err, ErrExists) {
			return nil, nil, apperrors.NewClient(fmt.Sprintf("subgraph %s already exists", rec.SubgraphID))
		}
		s.cleanup(ctx, client, rec.SubgraphID)
		return nil, nil, err
	}

	s.logger.Info("forked subgraph",
		zap.String("subgraph_id", rec.SubgraphID),
		zap.Int64("total_rows", result.TotalRows))
	return infoOf(rec, nil), result, nil
}

// Delete removes a subgraph database and its metadata. Without force,
// a subgraph that still holds nodes is refused.
func (s *Service) Delete(ctx context.Context, subgraphID string, opts DeleteOptions) error {
	parsed := graphid.Parse(subgraphID)
	if parsed.Kind != graphid.KindSubgraph {
		return apperrors.NewClient(fmt.Sprintf("%s is not a subgraph identifier", subgraphID))
	}

	client, err := s.provider(ctx, subgraphID, factory.IntentWrite)
	if err != nil {
		return err
	}

	if !opts.Force {
		result, err := client.Query(ctx, subgraphID, "MATCH (n) RETURN count(n) AS cnt LIMIT 1", nil)
		if err == nil && result.Error == "" && hasNodes(result) {
			return apperrors.NewClient(fmt.Sprintf(
				"subgraph %s still contains data; pass force to delete anyway", subgraphID))
		}
	}

	if opts.Backup {
		timeout := opts.BackupTimeout
		if timeout == 0 {
			timeout = 10 * time.Minute
		}
		result, err := client.BackupWithSSE(ctx, subgraphID, backend.BackupRequest{
			Format:      "full",
			Compression: "zstd",
		}, timeout)
		if err != nil {
			return apperrors.Wrap(err, "backup before delete")
		}
		if result.Status != "completed" {
			return apperrors.NewServer(fmt.Sprintf("backup before delete failed: %s", result.Error), nil)
		}
	}

	if err := client.DeleteDatabase(ctx, subgraphID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, subgraphID); err != nil {
		// The database is gone; a dangling metadata row is cleaned up
		// by the next delete or the GC sweep.
		s.logger.Warn("failed to delete subgraph metadata",
			zap.String("subgraph_id", subgraphID), zap.Error(err))
	}

	s.logger.Info("deleted subgraph", zap.String("subgraph_id", subgraphID))
	return nil
}

// List enumerates the parent's subgraphs from the databases actually
// present on its instance, filtered by the parent-prefix naming
// convention. Metadata enriches each entry when available; the worker
// stays authoritative for what exists.
func (s *Service) List(ctx context.Context, parentGraphID string) ([]Info, error) {
	if graphid.Parse(parentGraphID).Kind != graphid.KindParent {
		return nil, apperrors.NewClient(fmt.Sprintf("%s is not a user graph identifier", parentGraphID))
	}

	client, err := s.provider(ctx, parentGraphID, factory.IntentRead)
	if err != nil {
		return nil, err
	}
	databases, err := client.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}

	meta := map[string]*Record{}
	if records, err := s.store.ListByParent(ctx, parentGraphID); err == nil {
		for i := range records {
			meta[records[i].SubgraphID] = &records[i]
		}
	} else {
		s.logger.Warn("subgraph metadata unavailable, listing from instance only",
			zap.String("parent_graph_id", parentGraphID), zap.Error(err))
	}

	prefix := parentGraphID + "_"
	infos := make([]Info, 0, len(databases))
	for i := range databases {
		db := &databases[i]
		if !strings.HasPrefix(db.GraphID, prefix) {
			continue
		}
		if rec, ok := meta[db.GraphID]; ok {
			infos = append(infos, *infoOf(rec, db))
			continue
		}
		infos = append(infos, Info{
			SubgraphID:    db.GraphID,
			ParentGraphID: parentGraphID,
			Name:          strings.TrimPrefix(db.GraphID, prefix),
			NodeCount:     db.NodeCount,
			EdgeCount:     db.EdgeCount,
		})
	}
	return infos, nil
}

// GetInfo returns metadata plus live counts. Count retrieval failures
// leave the counts nil rather than failing the call.
func (s *Service) GetInfo(ctx context.Context, subgraphID string) (*Info, error) {
	rec, err := s.store.Get(ctx, subgraphID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NewClient(fmt.Sprintf("subgraph %s not found", subgraphID)).WithStatus(404)
		}
		return nil, err
	}

	var dbInfo *backend.DatabaseInfo
	if client, err := s.provider(ctx, subgraphID, factory.IntentRead); err == nil {
		if info, err := client.GetDatabase(ctx, subgraphID); err == nil {
			dbInfo = info
		} else {
			s.logger.Debug("subgraph counts unavailable",
				zap.String("subgraph_id", subgraphID), zap.Error(err))
		}
	}
	return infoOf(rec, dbInfo), nil
}

// provision validates the request, claims the parent tier's subgraph
// budget and creates the database on the parent's instance. When the
// named subgraph already exists it returns the existing record with
// ErrExists and no client.
func (s *Service) provision(ctx context.Context, req CreateRequest) (*Record, Backend, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, apperrors.NewClient(fmt.Sprintf("invalid subgraph request: %v", err))
	}
	if graphid.Parse(req.ParentGraphID).Kind != graphid.KindParent {
		return nil, nil, apperrors.NewClient(fmt.Sprintf(
			"%s cannot own subgraphs: parent must be a user graph", req.ParentGraphID))
	}

	existing, err := s.store.ListByParent(ctx, req.ParentGraphID)
	if err != nil {
		return nil, nil, err
	}

	tierName, err := s.tiers.TierOf(ctx, req.ParentGraphID)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, "resolve parent tier")
	}
	limit, err := s.catalog.MaxSubgraphs(tier.ParseTier(tierName))
	if err != nil {
		return nil, nil, apperrors.Wrap(err, "resolve subgraph limit")
	}

	name := req.Name
	if name == "" {
		taken := make([]string, 0, len(existing))
		for _, rec := range existing {
			taken = append(taken, rec.SubgraphID)
		}
		name, err = graphid.GenerateUniqueName(req.ParentGraphID, req.DisplayName, taken)
		if err != nil {
			return nil, nil, err
		}
	}

	subgraphID, err := graphid.ConstructSubgraph(req.ParentGraphID, name)
	if err != nil {
		return nil, nil, err
	}

	// The exists check precedes the quota check so a retried create of
	// an existing subgraph succeeds even on a full parent.
	index := 0
	for i := range existing {
		if existing[i].SubgraphID == subgraphID {
			return &existing[i], nil, ErrExists
		}
		if existing[i].SubgraphIndex > index {
			index = existing[i].SubgraphIndex
		}
	}
	if index < len(existing) {
		index = len(existing)
	}

	if len(existing) >= limit {
		return nil, nil, apperrors.NewClient(fmt.Sprintf(
			"graph %s already has %d of %d subgraphs", req.ParentGraphID, len(existing), limit))
	}

	client, err := s.provider(ctx, req.ParentGraphID, factory.IntentWrite)
	if err != nil {
		return nil, nil, err
	}

	if _, err := client.CreateDatabase(ctx, backend.CreateDatabaseRequest{
		GraphID:    subgraphID,
		SchemaType: req.BaseSchema,
		IsSubgraph: true,
	}); err != nil {
		return nil, nil, err
	}

	return &Record{
		SubgraphID:    subgraphID,
		ParentGraphID: req.ParentGraphID,
		SubgraphIndex: index + 1,
		Name:          name,
		TenantID:      req.TenantID,
		BaseSchema:    req.BaseSchema,
		Extensions:    req.Extensions,
		CreatedAt:     s.now().UTC(),
	}, client, nil
}

func (s *Service) cleanup(ctx context.Context, client Backend, subgraphID string) {
	if err := client.DeleteDatabase(ctx, subgraphID); err != nil {
		s.logger.Error("failed to clean up subgraph database",
			zap.String("subgraph_id", subgraphID), zap.Error(err))
	}
}

func hasNodes(result *backend.QueryResult) bool {
	if len(result.Data) == 0 {
		return false
	}
	for _, v := range result.Data[0] {
		switch n := v.(type) {
		case float64:
			return n > 0
		case int64:
			return n > 0
		}
	}
	return false
}

func existsInfo(rec *Record) *Info {
	info := infoOf(rec, nil)
	info.Status = "exists"
	return info
}

func infoOf(rec *Record, db *backend.DatabaseInfo) *Info {
	info := &Info{
		SubgraphID:    rec.SubgraphID,
		ParentGraphID: rec.ParentGraphID,
		SubgraphIndex: rec.SubgraphIndex,
		Name:          rec.Name,
		BaseSchema:    rec.BaseSchema,
		Extensions:    rec.Extensions,
		ForkedFrom:    rec.ForkedFrom,
		CreatedAt:     rec.CreatedAt,
	}
	if db != nil {
		info.NodeCount = db.NodeCount
		info.EdgeCount = db.EdgeCount
	}
	return info
}
