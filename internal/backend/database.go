package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	apperrors "graphplane-backend/pkg/errors"
)

// Health returns worker liveness and version information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var info HealthInfo
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetInfo returns cluster-wide configuration and capabilities.
func (c *Client) GetInfo(ctx context.Context) (*ClusterInfo, error) {
	var info ClusterInfo
	if err := c.doJSON(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListDatabases returns all databases hosted on the worker.
func (c *Client) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	var out struct {
		Databases []DatabaseInfo `json:"databases"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/databases", nil, &out); err != nil {
		return nil, err
	}
	return out.Databases, nil
}

// GetDatabase returns one database record.
func (c *Client) GetDatabase(ctx context.Context, graphID string) (*DatabaseInfo, error) {
	var info DatabaseInfo
	if err := c.doJSON(ctx, http.MethodGet, "/databases/"+url.PathEscape(graphID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DatabaseExists reports whether the worker hosts the database.
func (c *Client) DatabaseExists(ctx context.Context, graphID string) (bool, error) {
	_, err := c.GetDatabase(ctx, graphID)
	if err == nil {
		return true, nil
	}
	var appErr *apperrors.AppError
	if asAppError(err, &appErr) && appErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// CreateDatabase creates a database on the worker. Idempotent on
// "already exists". IsSubgraph bypasses the worker's max_databases check
// and is reserved for subgraph placement.
func (c *Client) CreateDatabase(ctx context.Context, req CreateDatabaseRequest) (*CreateDatabaseResult, error) {
	var result CreateDatabaseResult
	err := c.doJSON(ctx, http.MethodPost, "/databases", req, &result)
	if err != nil {
		if isAlreadyExists(err) {
			return &CreateDatabaseResult{GraphID: req.GraphID, Status: "exists"}, nil
		}
		return nil, err
	}
	if result.GraphID == "" {
		result.GraphID = req.GraphID
	}
	if result.Status == "" {
		result.Status = "created"
	}
	return &result, nil
}

// DeleteDatabase removes a database. Idempotent on "already deleted".
func (c *Client) DeleteDatabase(ctx context.Context, graphID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/databases/"+url.PathEscape(graphID), nil, nil)
	if err != nil {
		var appErr *apperrors.AppError
		if asAppError(err, &appErr) && appErr.Status == http.StatusNotFound {
			return nil
		}
		if isAlreadyDeleted(err) {
			return nil
		}
		return err
	}
	return nil
}

// InstallSchema installs either a named base schema plus extensions, or a
// raw DDL payload. The two forms are mutually exclusive.
func (c *Client) InstallSchema(ctx context.Context, graphID, baseSchema string, extensions []string, customDDL string) error {
	if customDDL != "" && baseSchema != "" {
		return apperrors.NewClient("base schema and custom DDL are mutually exclusive")
	}
	if customDDL == "" && baseSchema == "" {
		return apperrors.NewClient("schema install requires a base schema or custom DDL")
	}

	req := SchemaInstallRequest{}
	if customDDL != "" {
		req.Type = "ddl"
		req.DDL = customDDL
	} else {
		req.Type = "custom"
		req.Metadata = &SchemaMetadata{BaseSchema: baseSchema, Extensions: extensions}
	}

	return c.doJSON(ctx, http.MethodPost, "/databases/"+url.PathEscape(graphID)+"/schema", req, nil)
}

// GetSchema returns the declared tables of a database.
func (c *Client) GetSchema(ctx context.Context, graphID string) (*SchemaInfo, error) {
	var info SchemaInfo
	if err := c.doJSON(ctx, http.MethodGet, "/databases/"+url.PathEscape(graphID)+"/schema", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMetrics returns worker-reported statistics for a database.
func (c *Client) GetMetrics(ctx context.Context, graphID string) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/databases/"+url.PathEscape(graphID)+"/metrics", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isAlreadyExists(err error) bool {
	var appErr *apperrors.AppError
	if !asAppError(err, &appErr) {
		return false
	}
	msg := strings.ToLower(appErr.Message)
	return strings.Contains(msg, "already exists") ||
		(appErr.Status == http.StatusConflict)
}

func isAlreadyDeleted(err error) bool {
	var appErr *apperrors.AppError
	if !asAppError(err, &appErr) {
		return false
	}
	msg := strings.ToLower(appErr.Message)
	return strings.Contains(msg, "already deleted") || strings.Contains(msg, "not found")
}

func asAppError(err error, target **apperrors.AppError) bool {
	return errors.As(err, target)
}
