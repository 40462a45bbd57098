// Package permissions answers access questions for graphs. It holds no
// grants itself: ownership checks are delegated to an Authorizer, and
// the package contributes the identifier-level rules, most importantly
// that a subgraph inherits its parent's grants.
package permissions

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"graphplane-backend/internal/graphid"
	apperrors "graphplane-backend/pkg/errors"
)

// Action is the access being requested.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Authorizer answers whether a tenant holds a grant on a user graph.
// It is only ever asked about parent graphs.
type Authorizer interface {
	Can(ctx context.Context, tenantID, graphID string, action Action) (bool, error)
}

// Service resolves permissions across the identifier grammar.
type Service struct {
	authorizer Authorizer
	logger     *zap.Logger
}

func NewService(authorizer Authorizer, logger *zap.Logger) *Service {
	return &Service{authorizer: authorizer, logger: logger}
}

// Can reports whether the tenant may perform action on the graph.
// Shared graphs are readable by every tenant and writable by none;
// subgraph checks resolve against the parent graph's grants.
func (s *Service) Can(ctx context.Context, tenantID, graphID string, action Action) (bool, error) {
	parsed := graphid.Parse(graphID)
	switch parsed.Kind {
	case graphid.KindInvalid:
		return false, apperrors.NewClient(fmt.Sprintf("invalid graph identifier: %s", graphID))
	case graphid.KindShared:
		return action == ActionRead, nil
	case graphid.KindSubgraph:
		return s.authorizer.Can(ctx, tenantID, parsed.Parent, action)
	default:
		return s.authorizer.Can(ctx, tenantID, graphID, action)
	}
}

// Require is Can with a permission failure turned into a 403 error.
func (s *Service) Require(ctx context.Context, tenantID, graphID string, action Action) error {
	allowed, err := s.Can(ctx, tenantID, graphID, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logger.Debug("access denied",
			zap.String("tenant_id", tenantID),
			zap.String("graph_id", graphID),
			zap.String("action", string(action)))
		return apperrors.NewClient(fmt.Sprintf(
			"tenant %s may not %s graph %s", tenantID, action, graphID)).WithStatus(403)
	}
	return nil
}
