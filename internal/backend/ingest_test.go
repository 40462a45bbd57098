package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "graphplane-backend/pkg/errors"
)

func TestSyncIngestOutlivesBaseTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"task_id":"task-1","sse_url":"/tasks/task-1/events"}`))
	}))
	defer server.Close()

	client := testClient(t, server, func(o *Options) {
		o.Timeout = 50 * time.Millisecond
		o.RetryEnabled = false
	})

	handle, err := client.Ingest(context.Background(), "kg0123456789abcdef", IngestRequest{
		Mode:      IngestSync,
		FilePath:  "/data/load.csv",
		TableName: "nodes",
	})
	require.NoError(t, err, "sync ingestion runs on the 30x allowance, not the base timeout")
	assert.Equal(t, "task-1", handle.TaskID)
	assert.Equal(t, "ingestion", handle.TaskType)
}

func TestAsyncIngestKeepsBaseTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"task_id":"task-2"}`))
	}))
	defer server.Close()

	client := testClient(t, server, func(o *Options) {
		o.Timeout = 50 * time.Millisecond
		o.RetryEnabled = false
	})

	_, err := client.Ingest(context.Background(), "kg0123456789abcdef", IngestRequest{
		Mode:          IngestAsync,
		PipelineRunID: "run-1",
		S3Bucket:      "ingest-bucket",
		Files:         []string{"part-0.parquet"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err) || apperrors.IsTransient(err))
}
