package allocation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"graphplane-backend/internal/graphid"
	"graphplane-backend/internal/tier"
	apperrors "graphplane-backend/pkg/errors"
	"graphplane-backend/pkg/observability"
)

const (
	// maxPlacementAttempts bounds how many instances one allocation
	// will try before giving up.
	maxPlacementAttempts = 3

	// scaleUpUtilization is the tier fill ratio that triggers a
	// proactive scale-up signal even when the allocation succeeded.
	scaleUpUtilization = 0.8
)

// GraphStore is the graph-registry surface the manager needs.
type GraphStore interface {
	InsertPending(ctx context.Context, rec DatabaseRecord) error
	Commit(ctx context.Context, graphID string, inst *InstanceRecord) error
	RollbackPending(ctx context.Context, graphID, lock string) error
	Get(ctx context.Context, graphID string) (*DatabaseRecord, error)
	Tombstone(ctx context.Context, graphID string) error
	Restore(ctx context.Context, graphID string) error
	TouchLastAccessed(ctx context.Context, graphID string, at time.Time) error
}

// InstanceStore is the instance-registry surface the manager needs.
type InstanceStore interface {
	Get(ctx context.Context, instanceID string) (*InstanceRecord, error)
	ListByTier(ctx context.Context, tierName string) ([]InstanceRecord, error)
	IncrementCount(ctx context.Context, instanceID string, at time.Time) (int, error)
	DecrementCount(ctx context.Context, instanceID string, at time.Time) (int, error)
}

// tenantIDPattern is the accepted tenant identifier alphabet.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// AllocateRequest asks for a new graph database placement.
type AllocateRequest struct {
	GraphID     string `validate:"required"`
	TenantID    string `validate:"required,tenant_id"`
	Tier        string
	BackendType string
}

// Manager owns the placement algorithm: pick the healthy writer with
// the most free capacity, claim a slot with a conditional increment,
// and fall through to the next candidate when the claim loses.
type Manager struct {
	graphs    GraphStore
	instances InstanceStore
	scaler    Scaler
	publisher MetricsPublisher
	logger    *zap.Logger
	validate  *validator.Validate
	metrics   *observability.Collector
	now       func() time.Time
}

func NewManager(graphs GraphStore, instances InstanceStore, scaler Scaler, publisher MetricsPublisher, logger *zap.Logger) *Manager {
	if publisher == nil {
		publisher = NopPublisher()
	}
	validate := validator.New()
	_ = validate.RegisterValidation("tenant_id", func(fl validator.FieldLevel) bool {
		return tenantIDPattern.MatchString(fl.Field().String())
	})
	return &Manager{
		graphs:    graphs,
		instances: instances,
		scaler:    scaler,
		publisher: publisher,
		logger:    logger,
		validate:  validate,
		metrics:   observability.NewCollector("graphplane"),
		now:       time.Now,
	}
}

// Allocate places a graph database and returns its location. Calling
// it again for an already placed graph returns the existing location.
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (*DatabaseLocation, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, apperrors.NewClient(fmt.Sprintf("invalid allocation request: %v", err))
	}
	parsed := graphid.Parse(req.GraphID)
	switch parsed.Kind {
	case graphid.KindParent:
	case graphid.KindSubgraph:
		// Subgraphs share their parent's placement; allocating one is a
		// lookup, not a new placement.
		return m.FindDatabaseLocation(ctx, req.GraphID)
	default:
		return nil, apperrors.NewClient(fmt.Sprintf("graph %s is not allocatable: only user graphs receive placements", req.GraphID))
	}

	tierName := tier.ParseTier(req.Tier)
	candidates, utilization, err := m.candidates(ctx, tierName.String())
	if err != nil {
		m.metrics.Allocations.WithLabelValues(tierName.String(), "error").Inc()
		return nil, err
	}
	if len(candidates) == 0 {
		m.metrics.Allocations.WithLabelValues(tierName.String(), "exhausted").Inc()
		return nil, m.capacityExhausted(ctx, tierName)
	}

	lock := uuid.NewString()
	now := m.now().UTC()
	pending := DatabaseRecord{
		GraphID:        req.GraphID,
		TenantID:       req.TenantID,
		GraphType:      "user",
		BackendType:    req.BackendType,
		CreatedAt:      now,
		LastAccessed:   now,
		Status:         StatusCreating,
		AllocationLock: lock,
	}
	if err := m.graphs.InsertPending(ctx, pending); err != nil {
		if errors.Is(err, ErrAlreadyAllocated) {
			existing, getErr := m.graphs.Get(ctx, req.GraphID)
			if getErr != nil {
				return nil, apperrors.Wrap(getErr, "resolve existing allocation")
			}
			m.metrics.Allocations.WithLabelValues(tierName.String(), "exists").Inc()
			return locationOf(req.GraphID, existing), nil
		}
		m.metrics.Allocations.WithLabelValues(tierName.String(), "error").Inc()
		return nil, err
	}

	attempts := len(candidates)
	if attempts > maxPlacementAttempts {
		attempts = maxPlacementAttempts
	}
	for i := 0; i < attempts; i++ {
		inst := candidates[i]
		newCount, err := m.instances.IncrementCount(ctx, inst.InstanceID, m.now())
		if errors.Is(err, ErrCapacityExhausted) {
			// The slot went to a concurrent allocation; move to the
			// next best instance.
			m.metrics.AllocationRetries.Inc()
			m.logger.Debug("instance filled during allocation",
				zap.String("instance_id", inst.InstanceID), zap.String("graph_id", req.GraphID))
			continue
		}
		if err != nil {
			m.rollback(ctx, req.GraphID, lock)
			m.metrics.Allocations.WithLabelValues(tierName.String(), "error").Inc()
			return nil, err
		}

		if err := m.graphs.Commit(ctx, req.GraphID, &inst); err != nil {
			if _, decErr := m.instances.DecrementCount(ctx, inst.InstanceID, m.now()); decErr != nil {
				m.logger.Error("failed to release slot after commit failure",
					zap.String("instance_id", inst.InstanceID), zap.Error(decErr))
			}
			m.rollback(ctx, req.GraphID, lock)
			m.metrics.Allocations.WithLabelValues(tierName.String(), "error").Inc()
			return nil, err
		}

		if newCount == 1 {
			m.protect(ctx, inst.InstanceID, tierName.String(), true)
		}
		if utilization >= scaleUpUtilization && tierName.IsStandard() {
			if err := m.scaler.SignalScaleUp(ctx, tierName.String()); err != nil {
				m.logger.Warn("scale-up signal failed", zap.String("tier", tierName.String()), zap.Error(err))
			}
		}

		m.metrics.Allocations.WithLabelValues(tierName.String(), "ok").Inc()
		m.logger.Info("allocated graph database",
			zap.String("graph_id", req.GraphID),
			zap.String("instance_id", inst.InstanceID),
			zap.String("tier", tierName.String()),
			zap.Int("database_count", newCount))
		return &DatabaseLocation{
			GraphID:          req.GraphID,
			InstanceID:       inst.InstanceID,
			PrivateIP:        inst.PrivateIP,
			AvailabilityZone: inst.AvailabilityZone,
			Status:           StatusActive,
			BackendType:      req.BackendType,
		}, nil
	}

	m.rollback(ctx, req.GraphID, lock)
	m.metrics.Allocations.WithLabelValues(tierName.String(), "exhausted").Inc()
	return nil, m.capacityExhausted(ctx, tierName)
}

// Deallocate tombstones a graph record and releases its instance slot.
// It is idempotent: a missing or already deleted record is success.
func (m *Manager) Deallocate(ctx context.Context, graphID string) error {
	rec, err := m.graphs.Get(ctx, graphID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status == StatusDeleted {
		return nil
	}

	if err := m.graphs.Tombstone(ctx, graphID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if rec.InstanceID == "" {
		return nil
	}
	newCount, err := m.instances.DecrementCount(ctx, rec.InstanceID, m.now())
	if errors.Is(err, ErrCapacityExhausted) {
		// The count was already zero. The tombstone stands but the
		// registries disagree; that is worth an alarm, not a failure.
		m.logger.Error("database_count already zero on deallocate",
			zap.String("graph_id", graphID), zap.String("instance_id", rec.InstanceID))
		return nil
	}
	if err != nil {
		if restoreErr := m.graphs.Restore(ctx, graphID); restoreErr != nil {
			m.logger.Error("failed to restore record after decrement failure",
				zap.String("graph_id", graphID), zap.Error(restoreErr))
		}
		return err
	}

	if newCount == 0 {
		if inst, getErr := m.instances.Get(ctx, rec.InstanceID); getErr == nil {
			m.protect(ctx, rec.InstanceID, inst.ClusterTier, false)
		}
	}

	m.logger.Info("deallocated graph database",
		zap.String("graph_id", graphID), zap.String("instance_id", rec.InstanceID))
	return nil
}

// FindDatabaseLocation resolves where a graph lives. Subgraphs resolve
// through their parent's record while keeping their own ID in the
// returned location.
func (m *Manager) FindDatabaseLocation(ctx context.Context, graphID string) (*DatabaseLocation, error) {
	parsed := graphid.Parse(graphID)
	switch parsed.Kind {
	case graphid.KindInvalid:
		return nil, apperrors.NewClient(fmt.Sprintf("invalid graph identifier: %s", graphID))
	case graphid.KindShared:
		return nil, apperrors.NewRouting(fmt.Sprintf("shared graph %s has no registry placement", graphID))
	}

	lookupID := graphID
	if parsed.Kind == graphid.KindSubgraph {
		lookupID = parsed.Parent
	}

	rec, err := m.graphs.Get(ctx, lookupID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.NewAllocation(fmt.Sprintf("graph %s is not allocated", lookupID))
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusDeleted {
		return nil, apperrors.NewAllocation(fmt.Sprintf("graph %s has been deleted", lookupID))
	}

	if err := m.graphs.TouchLastAccessed(ctx, lookupID, m.now()); err != nil {
		m.logger.Debug("failed to touch last_accessed", zap.String("graph_id", lookupID), zap.Error(err))
	}
	return locationOf(graphID, rec), nil
}

// TierOf reports which tier hosts a graph, resolved from the instance
// its registry record points at. Subgraphs resolve through their
// parent.
func (m *Manager) TierOf(ctx context.Context, graphID string) (string, error) {
	parsed := graphid.Parse(graphID)
	lookupID := graphID
	if parsed.Kind == graphid.KindSubgraph {
		lookupID = parsed.Parent
	}

	rec, err := m.graphs.Get(ctx, lookupID)
	if errors.Is(err, ErrNotFound) {
		return "", apperrors.NewAllocation(fmt.Sprintf("graph %s is not allocated", lookupID))
	}
	if err != nil {
		return "", err
	}
	if rec.InstanceID == "" {
		return "", apperrors.NewAllocation(fmt.Sprintf("graph %s has no placement yet", lookupID))
	}

	inst, err := m.instances.Get(ctx, rec.InstanceID)
	if errors.Is(err, ErrNotFound) {
		return "", apperrors.NewAllocation(fmt.Sprintf(
			"instance %s hosting graph %s is not registered", rec.InstanceID, lookupID))
	}
	if err != nil {
		return "", err
	}
	return inst.ClusterTier, nil
}

// TierUtilization reports current fill for one tier and publishes it.
func (m *Manager) TierUtilization(ctx context.Context, tierName string) (TierMetrics, error) {
	records, err := m.instances.ListByTier(ctx, tierName)
	if err != nil {
		return TierMetrics{}, err
	}

	var metrics TierMetrics
	for _, rec := range records {
		metrics.TotalDatabases += rec.DatabaseCount
		metrics.TotalCapacity += rec.MaxDatabases
		if rec.Status == InstanceHealthy {
			metrics.HealthyInstances++
		}
	}
	if metrics.TotalCapacity > 0 {
		metrics.UtilizationPercent = 100 * float64(metrics.TotalDatabases) / float64(metrics.TotalCapacity)
	}
	m.publisher.PublishTierMetrics(ctx, tierName, metrics)
	return metrics, nil
}

// candidates returns healthy writers of the tier with free capacity,
// best residual first, plus the tier's current fill ratio.
func (m *Manager) candidates(ctx context.Context, tierName string) ([]InstanceRecord, float64, error) {
	records, err := m.instances.ListByTier(ctx, tierName)
	if err != nil {
		return nil, 0, err
	}

	var candidates []InstanceRecord
	used, capacity := 0, 0
	for _, rec := range records {
		used += rec.DatabaseCount
		capacity += rec.MaxDatabases
		if rec.Status == InstanceHealthy && rec.Residual() > 0 {
			candidates = append(candidates, rec)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Residual() > candidates[j].Residual()
	})

	utilization := 0.0
	if capacity > 0 {
		utilization = float64(used) / float64(capacity)
	}
	return candidates, utilization, nil
}

// capacityExhausted signals scale-up for the baseline tier and builds
// the terminal error. Dedicated tiers never autoscale.
func (m *Manager) capacityExhausted(ctx context.Context, t tier.Tier) error {
	if !t.IsStandard() {
		return apperrors.NewAllocation(fmt.Sprintf(
			"tier %s has no capacity: dedicated tiers require manual provisioning", t.String()))
	}
	if err := m.scaler.SignalScaleUp(ctx, t.String()); err != nil {
		m.logger.Warn("scale-up signal failed", zap.String("tier", t.String()), zap.Error(err))
	}
	return apperrors.NewAllocation(fmt.Sprintf(
		"tier %s has no capacity: scale-up signalled, retry shortly", t.String()))
}

func (m *Manager) rollback(ctx context.Context, graphID, lock string) {
	if err := m.graphs.RollbackPending(ctx, graphID, lock); err != nil {
		m.logger.Error("failed to roll back pending allocation",
			zap.String("graph_id", graphID), zap.Error(err))
	}
}

func (m *Manager) protect(ctx context.Context, instanceID, tierName string, protect bool) {
	if err := m.scaler.SetScaleInProtection(ctx, instanceID, tierName, protect); err != nil {
		m.logger.Warn("failed to update scale-in protection",
			zap.String("instance_id", instanceID), zap.Bool("protect", protect), zap.Error(err))
	}
}

func locationOf(graphID string, rec *DatabaseRecord) *DatabaseLocation {
	return &DatabaseLocation{
		GraphID:          graphID,
		InstanceID:       rec.InstanceID,
		PrivateIP:        rec.PrivateIP,
		AvailabilityZone: rec.AvailabilityZone,
		Status:           rec.Status,
		BackendType:      rec.BackendType,
	}
}
