package permissions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphplane-backend/internal/allocation"
	apperrors "graphplane-backend/pkg/errors"
)

type fakeOwnerLookup struct {
	records map[string]*allocation.DatabaseRecord
	err     error
}

func (f *fakeOwnerLookup) Get(_ context.Context, graphID string) (*allocation.DatabaseRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[graphID]
	if !ok {
		return nil, allocation.ErrNotFound
	}
	return rec, nil
}

func TestRegistryAuthorizerOwnerHasAllActions(t *testing.T) {
	auth := NewRegistryAuthorizer(&fakeOwnerLookup{records: map[string]*allocation.DatabaseRecord{
		parentGraph: {GraphID: parentGraph, TenantID: "tenant-1", Status: allocation.StatusActive},
	}})

	for _, action := range []Action{ActionRead, ActionWrite, ActionAdmin} {
		ok, err := auth.Can(context.Background(), "tenant-1", parentGraph, action)
		require.NoError(t, err)
		assert.True(t, ok, action)
	}

	ok, err := auth.Can(context.Background(), "tenant-2", parentGraph, ActionRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryAuthorizerUnknownGraphDenied(t *testing.T) {
	auth := NewRegistryAuthorizer(&fakeOwnerLookup{})

	ok, err := auth.Can(context.Background(), "tenant-1", parentGraph, ActionRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryAuthorizerDeletedGraphDenied(t *testing.T) {
	auth := NewRegistryAuthorizer(&fakeOwnerLookup{records: map[string]*allocation.DatabaseRecord{
		parentGraph: {GraphID: parentGraph, TenantID: "tenant-1", Status: allocation.StatusDeleted},
	}})

	ok, err := auth.Can(context.Background(), "tenant-1", parentGraph, ActionRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryAuthorizerPropagatesLookupError(t *testing.T) {
	auth := NewRegistryAuthorizer(&fakeOwnerLookup{err: apperrors.NewTransient("dynamo down", nil)})

	_, err := auth.Can(context.Background(), "tenant-1", parentGraph, ActionRead)
	assert.Error(t, err)
}
