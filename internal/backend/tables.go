package backend

import (
	"context"
	"net/http"
	"net/url"
)

// CreateTable declares a staging table backed by an S3 pattern. Staging
// tables are external views over object storage; no data moves until an
// ingest or fork touches them.
func (c *Client) CreateTable(ctx context.Context, graphID, name, s3Pattern string) (*TableInfo, error) {
	req := struct {
		Name      string `json:"name"`
		S3Pattern string `json:"s3_pattern"`
	}{Name: name, S3Pattern: s3Pattern}

	var info TableInfo
	if err := c.doJSON(ctx, http.MethodPost, "/databases/"+url.PathEscape(graphID)+"/tables", req, &info); err != nil {
		return nil, err
	}
	if info.Name == "" {
		info.Name = name
	}
	return &info, nil
}

// ListTables returns the staging tables of a database.
func (c *Client) ListTables(ctx context.Context, graphID string) ([]TableInfo, error) {
	var out struct {
		Tables []TableInfo `json:"tables"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/databases/"+url.PathEscape(graphID)+"/tables", nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

// QueryTable runs SQL against the staging store.
func (c *Client) QueryTable(ctx context.Context, graphID, sqlText string, params map[string]any) (*QueryResult, error) {
	req := struct {
		SQL        string         `json:"sql"`
		Parameters map[string]any `json:"parameters,omitempty"`
	}{SQL: sqlText, Parameters: params}

	var result QueryResult
	if err := c.doJSON(ctx, http.MethodPost, "/databases/"+url.PathEscape(graphID)+"/tables/query", req, &result); err != nil {
		return nil, err
	}
	if result.Data == nil {
		result.Data = []map[string]any{}
	}
	if result.Columns == nil {
		result.Columns = []string{}
	}
	return &result, nil
}

// DeleteTable drops a staging table.
func (c *Client) DeleteTable(ctx context.Context, graphID, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/databases/"+url.PathEscape(graphID)+"/tables/"+url.PathEscape(name), nil, nil)
}

// IngestTableToGraph materializes a staging table into the graph.
func (c *Client) IngestTableToGraph(ctx context.Context, graphID, name string, ignoreErrors bool) (*TaskHandle, error) {
	req := struct {
		IgnoreErrors bool `json:"ignore_errors"`
	}{IgnoreErrors: ignoreErrors}

	var handle TaskHandle
	path := "/databases/" + url.PathEscape(graphID) + "/tables/" + url.PathEscape(name) + "/ingest"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &handle); err != nil {
		return nil, err
	}
	handle.TaskType = "ingestion"
	return &handle, nil
}

// ForkFromParent copies selected staging tables from a parent database
// into a co-located subgraph, in place on the same instance.
func (c *Client) ForkFromParent(ctx context.Context, parentID, subgraphID string, tables, excludePatterns []string, ignoreErrors bool) (*ForkResult, error) {
	req := ForkRequest{
		ParentGraphID:   parentID,
		SubgraphID:      subgraphID,
		Tables:          tables,
		ExcludePatterns: excludePatterns,
		IgnoreErrors:    ignoreErrors,
	}

	var result ForkResult
	path := "/databases/" + url.PathEscape(parentID) + "/fork"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
