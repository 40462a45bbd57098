package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// ListTasks returns async tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]TaskStatus, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/tasks"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Tasks []TaskStatus `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// GetTaskStatus polls one task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelTask requests cancellation of a queued or running task. The
// worker may finish an in-flight step before honoring it.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

// GetQueueInfo returns the worker's task-queue summary.
func (c *Client) GetQueueInfo(ctx context.Context) (*QueueInfo, error) {
	var info QueueInfo
	if err := c.doJSON(ctx, http.MethodGet, "/tasks/queue/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
