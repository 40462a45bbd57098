package backend

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CreateBackup starts a backup task. The backup/restore plane is
// form-encoded on the worker.
func (c *Client) CreateBackup(ctx context.Context, graphID string, req BackupRequest) (*TaskHandle, error) {
	form := url.Values{}
	form.Set("format", req.Format)
	if req.Compression != "" {
		form.Set("compression", req.Compression)
	}
	if req.Encryption != "" {
		form.Set("encryption", req.Encryption)
	}

	var handle TaskHandle
	if err := c.postForm(ctx, "/databases/"+url.PathEscape(graphID)+"/backup", form, &handle); err != nil {
		return nil, err
	}
	handle.TaskType = "backup"
	return &handle, nil
}

// BackupWithSSE starts a backup and blocks until its terminal SSE event.
func (c *Client) BackupWithSSE(ctx context.Context, graphID string, req BackupRequest, timeout time.Duration) (*TaskResult, error) {
	handle, err := c.CreateBackup(ctx, graphID, req)
	if err != nil {
		return nil, err
	}
	return c.MonitorTask(ctx, *handle, timeout), nil
}

// DownloadBackup streams the finished backup artifact. The caller owns
// closing the reader.
func (c *Client) DownloadBackup(ctx context.Context, backupID string) (io.ReadCloser, error) {
	resp, err := c.openStream(ctx, http.MethodGet, "/backups/"+url.PathEscape(backupID)+"/download", nil, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RestoreBackup starts a restore task from object storage.
func (c *Client) RestoreBackup(ctx context.Context, graphID string, req RestoreRequest) (*TaskHandle, error) {
	form := url.Values{}
	form.Set("s3_bucket", req.S3Bucket)
	form.Set("s3_key", req.S3Key)
	if req.Force {
		form.Set("force", "true")
	}

	var handle TaskHandle
	if err := c.postForm(ctx, "/databases/"+url.PathEscape(graphID)+"/restore", form, &handle); err != nil {
		return nil, err
	}
	handle.TaskType = "restore"
	return &handle, nil
}

// RestoreWithSSE starts a restore and blocks until its terminal SSE event.
func (c *Client) RestoreWithSSE(ctx context.Context, graphID string, req RestoreRequest, timeout time.Duration) (*TaskResult, error) {
	handle, err := c.RestoreBackup(ctx, graphID, req)
	if err != nil {
		return nil, err
	}
	return c.MonitorTask(ctx, *handle, timeout), nil
}
