package permissions

import (
	"context"
	"errors"

	"graphplane-backend/internal/allocation"
)

// OwnerLookup reads a graph's registry record. Satisfied by
// allocation.GraphRegistry.
type OwnerLookup interface {
	Get(ctx context.Context, graphID string) (*allocation.DatabaseRecord, error)
}

// RegistryAuthorizer grants every action to the tenant recorded as the
// graph's owner and nothing to anyone else. Deleted graphs hold no
// grants.
type RegistryAuthorizer struct {
	graphs OwnerLookup
}

func NewRegistryAuthorizer(graphs OwnerLookup) *RegistryAuthorizer {
	return &RegistryAuthorizer{graphs: graphs}
}

func (a *RegistryAuthorizer) Can(ctx context.Context, tenantID, graphID string, _ Action) (bool, error) {
	rec, err := a.graphs.Get(ctx, graphID)
	if errors.Is(err, allocation.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status == allocation.StatusDeleted {
		return false, nil
	}
	return rec.TenantID == tenantID, nil
}
