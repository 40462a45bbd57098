package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	apperrors "graphplane-backend/pkg/errors"
)

type queryRequest struct {
	Cypher     string         `json:"cypher"`
	Database   string         `json:"database"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Query executes a unary Cypher query. Parse failures come back as an
// error record in QueryResult.Error, never as a raised error; transport
// failures raise through the usual taxonomy. An empty response body
// normalizes to an empty result.
func (c *Client) Query(ctx context.Context, graphID, cypher string, params map[string]any) (*QueryResult, error) {
	req := queryRequest{Cypher: cypher, Database: graphID, Parameters: params}
	path := "/databases/" + url.PathEscape(graphID) + "/query?streaming=false"

	var result QueryResult
	err := c.doJSON(ctx, http.MethodPost, path, req, &result)
	if err != nil {
		if apperrors.IsSyntax(err) {
			var appErr *apperrors.AppError
			asAppError(err, &appErr)
			return &QueryResult{Data: []map[string]any{}, Columns: []string{}, Error: appErr.Message}, nil
		}
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

// QueryStream executes a streaming query. Rows arrive as NDJSON chunks on
// the returned channel; a stream-level HTTP error raises before any chunk
// is delivered. The channel closes when the stream ends or ctx expires.
func (c *Client) QueryStream(ctx context.Context, graphID, cypher string, params map[string]any) (<-chan json.RawMessage, <-chan error, error) {
	req := queryRequest{Cypher: cypher, Database: graphID, Parameters: params}
	path := "/databases/" + url.PathEscape(graphID) + "/query?streaming=true"

	resp, err := c.openStream(ctx, http.MethodPost, path, req, "application/x-ndjson")
	if err != nil {
		return nil, nil, err
	}

	chunks := make(chan json.RawMessage)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case chunks <- json.RawMessage(line):
			case <-ctx.Done():
				errs <- apperrors.NewTimeout("query stream cancelled", ctx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- classifyTransport(err)
		}
	}()

	return chunks, errs, nil
}

// ExecuteDDL is a convenience over Query for DDL statements.
func (c *Client) ExecuteDDL(ctx context.Context, graphID, ddl string) (*QueryResult, error) {
	return c.Query(ctx, graphID, ddl, nil)
}

// NodeExists reports whether a node with the given label and property
// filters exists, via a generated COUNT query.
func (c *Client) NodeExists(ctx context.Context, graphID, label string, filters map[string]any) (bool, error) {
	var conditions []string
	params := make(map[string]any, len(filters))
	for key, value := range filters {
		param := "p_" + key
		conditions = append(conditions, fmt.Sprintf("n.%s = $%s", key, param))
		params[param] = value
	}

	cypher := fmt.Sprintf("MATCH (n:%s)", label)
	if len(conditions) > 0 {
		cypher += " WHERE " + strings.Join(conditions, " AND ")
	}
	cypher += " RETURN count(n) AS cnt"

	result, err := c.Query(ctx, graphID, cypher, params)
	if err != nil {
		return false, err
	}
	if result.Error != "" {
		return false, apperrors.NewSyntax(result.Error)
	}
	if len(result.Data) == 0 {
		return false, nil
	}

	switch v := result.Data[0]["cnt"].(type) {
	case float64:
		return v > 0, nil
	case int64:
		return v > 0, nil
	case json.Number:
		n, _ := v.Int64()
		return n > 0, nil
	default:
		return false, nil
	}
}
