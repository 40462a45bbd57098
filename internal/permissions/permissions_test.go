package permissions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "graphplane-backend/pkg/errors"
)

const parentGraph = "kg0123456789abcdef"

type fakeAuthorizer struct {
	grants map[string]map[Action]bool
	asked  []string
}

func (a *fakeAuthorizer) Can(_ context.Context, tenantID, graphID string, action Action) (bool, error) {
	a.asked = append(a.asked, graphID)
	return a.grants[tenantID+"/"+graphID][action], nil
}

func newService(grants map[string]map[Action]bool) (*Service, *fakeAuthorizer) {
	auth := &fakeAuthorizer{grants: grants}
	return NewService(auth, zap.NewNop()), auth
}

func TestSubgraphInheritsParentGrants(t *testing.T) {
	svc, auth := newService(map[string]map[Action]bool{
		"tenant-1/" + parentGraph: {ActionRead: true, ActionWrite: true},
	})
	ctx := context.Background()

	for _, action := range []Action{ActionRead, ActionWrite} {
		ok, err := svc.Can(ctx, "tenant-1", parentGraph+"_dev", action)
		require.NoError(t, err)
		assert.True(t, ok, action)
	}
	assert.Equal(t, []string{parentGraph, parentGraph}, auth.asked,
		"subgraph checks must be asked as parent checks")

	ok, err := svc.Can(ctx, "tenant-2", parentGraph+"_dev", ActionRead)
	require.NoError(t, err)
	assert.False(t, ok, "no parent grant means no subgraph access")
}

func TestSharedGraphsAreReadOnly(t *testing.T) {
	svc, auth := newService(nil)
	ctx := context.Background()

	ok, err := svc.Can(ctx, "tenant-1", "sec", ActionRead)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, action := range []Action{ActionWrite, ActionAdmin} {
		ok, err := svc.Can(ctx, "tenant-1", "sec", action)
		require.NoError(t, err)
		assert.False(t, ok, action)
	}
	assert.Empty(t, auth.asked, "shared graphs never reach the authorizer")
}

func TestInvalidIdentifier(t *testing.T) {
	svc, _ := newService(nil)

	_, err := svc.Can(context.Background(), "tenant-1", "!!bogus!!", ActionRead)
	require.Error(t, err)
	assert.True(t, apperrors.IsClient(err))
}

func TestRequireDeniesWith403(t *testing.T) {
	svc, _ := newService(map[string]map[Action]bool{
		"tenant-1/" + parentGraph: {ActionRead: true},
	})
	ctx := context.Background()

	assert.NoError(t, svc.Require(ctx, "tenant-1", parentGraph, ActionRead))

	err := svc.Require(ctx, "tenant-1", parentGraph, ActionWrite)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 403, appErr.Status)
}
