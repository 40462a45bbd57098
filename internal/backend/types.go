package backend

import "encoding/json"

// HealthInfo is the worker liveness response.
type HealthInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime_seconds"`
}

// ClusterInfo is the cluster-wide configuration reported by a worker.
type ClusterInfo struct {
	InstanceID    string         `json:"instance_id"`
	BackendType   string         `json:"backend_type"`
	MaxDatabases  int            `json:"max_databases"`
	DatabaseCount int            `json:"database_count"`
	Capabilities  []string       `json:"capabilities"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// DatabaseInfo describes one hosted database.
type DatabaseInfo struct {
	GraphID    string `json:"graph_id"`
	SchemaType string `json:"schema_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	NodeCount  *int64 `json:"node_count,omitempty"`
	EdgeCount  *int64 `json:"edge_count,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
	IsSubgraph bool   `json:"is_subgraph,omitempty"`
}

// CreateDatabaseRequest is the body for POST /databases.
type CreateDatabaseRequest struct {
	GraphID         string `json:"graph_id"`
	SchemaType      string `json:"schema_type"`
	RepositoryName  string `json:"repository_name,omitempty"`
	CustomSchemaDDL string `json:"custom_schema_ddl,omitempty"`
	IsSubgraph      bool   `json:"is_subgraph,omitempty"`
}

// CreateDatabaseResult reports the outcome of a create. Status is
// "created" or "exists"; create is idempotent on "already exists".
type CreateDatabaseResult struct {
	GraphID string `json:"graph_id"`
	Status  string `json:"status"`
}

// SchemaInstallRequest is the body for POST /databases/{id}/schema.
// Either a named base schema plus extensions, or a raw DDL payload.
type SchemaInstallRequest struct {
	Type     string          `json:"type"`
	Metadata *SchemaMetadata `json:"metadata,omitempty"`
	DDL      string          `json:"ddl,omitempty"`
}

// SchemaMetadata names a base schema and its extensions.
type SchemaMetadata struct {
	BaseSchema string   `json:"base_schema"`
	Extensions []string `json:"extensions,omitempty"`
}

// SchemaInfo lists declared tables.
type SchemaInfo struct {
	Tables []TableInfo `json:"tables"`
}

// TableInfo describes one declared or staging table.
type TableInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	RowCount int64  `json:"row_count,omitempty"`
}

// QueryResult is the unary query response. A parse failure is reported
// in Error rather than raised; transport failures raise.
type QueryResult struct {
	Data     []map[string]any `json:"data"`
	Columns  []string         `json:"columns"`
	RowCount int              `json:"row_count"`
	Error    string           `json:"error,omitempty"`
}

// TaskHandle references a long-running backend operation and the SSE
// path for monitoring it.
type TaskHandle struct {
	TaskID   string `json:"task_id"`
	SSEURL   string `json:"sse_url"`
	TaskType string `json:"task_type,omitempty"`
}

// TaskResult is the terminal outcome of an SSE-monitored task.
type TaskResult struct {
	Status          string          `json:"status"`
	RecordsLoaded   int64           `json:"records_loaded,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// TaskStatus is the polled status of an async task.
type TaskStatus struct {
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress,omitempty"`
	Error     string  `json:"error,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// QueueInfo summarizes the worker task queue.
type QueueInfo struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Workers int `json:"workers"`
}

// IngestMode selects synchronous or asynchronous ingestion.
type IngestMode string

const (
	IngestSync  IngestMode = "sync"
	IngestAsync IngestMode = "async"
)

// IngestRequest is the body for POST /databases/{id}/ingest.
type IngestRequest struct {
	Mode          IngestMode `json:"mode"`
	Priority      string     `json:"priority,omitempty"`
	IgnoreErrors  bool       `json:"ignore_errors"`
	FilePath      string     `json:"file_path,omitempty"`
	TableName     string     `json:"table_name,omitempty"`
	PipelineRunID string     `json:"pipeline_run_id,omitempty"`
	S3Bucket      string     `json:"s3_bucket,omitempty"`
	Files         []string   `json:"files,omitempty"`
}

// CopyRequest starts an SSE-monitored S3 copy into a staging table.
type CopyRequest struct {
	S3Pattern     string            `json:"s3_pattern"`
	TableName     string            `json:"table_name"`
	S3Credentials map[string]string `json:"s3_credentials,omitempty"`
	IgnoreErrors  bool              `json:"ignore_errors"`
}

// BackupRequest configures a backup task.
type BackupRequest struct {
	Format      string `json:"format"`
	Compression string `json:"compression,omitempty"`
	Encryption  string `json:"encryption,omitempty"`
}

// RestoreRequest configures a restore task from object storage.
type RestoreRequest struct {
	S3Bucket string `json:"s3_bucket"`
	S3Key    string `json:"s3_key"`
	Force    bool   `json:"force,omitempty"`
}

// ForkRequest instructs a worker to copy staging tables from a parent
// database into a co-located subgraph.
type ForkRequest struct {
	ParentGraphID   string   `json:"parent_graph_id"`
	SubgraphID      string   `json:"subgraph_id"`
	Tables          []string `json:"tables,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	IgnoreErrors    bool     `json:"ignore_errors"`
}

// ForkResult reports a completed staging-table fork.
type ForkResult struct {
	Status       string   `json:"status"`
	TablesCopied []string `json:"tables_copied"`
	TotalRows    int64    `json:"total_rows"`
}
