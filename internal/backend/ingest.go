package backend

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// syncIngestTimeoutFactor scales the base timeout for synchronous
// ingestion, which holds the request open until the load finishes.
const syncIngestTimeoutFactor = 30

// Ingest submits an ingestion request. Sync mode takes a file path and
// table name and runs with 30x the base timeout; async mode takes a
// pipeline run, bucket and file list and returns immediately with a task
// handle.
func (c *Client) Ingest(ctx context.Context, graphID string, req IngestRequest) (*TaskHandle, error) {
	timeout := c.opts.Timeout
	if req.Mode == IngestSync {
		timeout = c.opts.Timeout * syncIngestTimeoutFactor
	}

	var handle TaskHandle
	path := "/databases/" + url.PathEscape(graphID) + "/ingest"
	if err := c.doJSONTimeout(ctx, http.MethodPost, path, req, &handle, timeout); err != nil {
		return nil, err
	}
	handle.TaskType = "ingestion"
	return &handle, nil
}

// IngestWithSSE starts an S3 copy into a staging table and blocks on the
// task's SSE channel until a terminal event. Backend-reported ingestion
// failures come back as a failed TaskResult, not an error; only transport
// failures raise.
func (c *Client) IngestWithSSE(ctx context.Context, graphID, tableName, s3Pattern string, credentials map[string]string, ignoreErrors bool, timeout time.Duration) (*TaskResult, error) {
	req := CopyRequest{
		S3Pattern:     s3Pattern,
		TableName:     tableName,
		S3Credentials: credentials,
		IgnoreErrors:  ignoreErrors,
	}

	var handle TaskHandle
	path := "/databases/" + url.PathEscape(graphID) + "/copy"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &handle); err != nil {
		return nil, err
	}
	handle.TaskType = "ingestion"

	return c.MonitorTask(ctx, handle, timeout), nil
}
