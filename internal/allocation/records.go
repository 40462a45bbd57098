// Package allocation places graph databases onto worker instances.
// Placement state lives in two DynamoDB tables, the graph registry and
// the instance registry, and every write is conditional so concurrent
// allocators serialize at the store rather than in process.
package allocation

import "time"

// DatabaseStatus is the lifecycle state of a registry record.
type DatabaseStatus string

const (
	StatusCreating  DatabaseStatus = "creating"
	StatusActive    DatabaseStatus = "active"
	StatusMigrating DatabaseStatus = "migrating"
	StatusFailed    DatabaseStatus = "failed"
	StatusDeleted   DatabaseStatus = "deleted"
)

// InstanceStatus is the health state of a worker instance.
type InstanceStatus string

const (
	InstanceHealthy     InstanceStatus = "healthy"
	InstanceUnhealthy   InstanceStatus = "unhealthy"
	InstanceTerminating InstanceStatus = "terminating"
)

// NodeType distinguishes writer instances from the shared-repository
// master and its read replicas.
type NodeType string

const (
	NodeWriter        NodeType = "writer"
	NodeSharedMaster  NodeType = "shared_master"
	NodeSharedReplica NodeType = "shared_replica"
)

// DatabaseRecord is one row of the graph registry.
type DatabaseRecord struct {
	GraphID          string         `dynamodbav:"graph_id"`
	TenantID         string         `dynamodbav:"tenant_id"`
	GraphType        string         `dynamodbav:"graph_type"`
	BackendType      string         `dynamodbav:"backend_type"`
	InstanceID       string         `dynamodbav:"instance_id"`
	PrivateIP        string         `dynamodbav:"private_ip"`
	AvailabilityZone string         `dynamodbav:"availability_zone"`
	CreatedAt        time.Time      `dynamodbav:"created_at"`
	LastAccessed     time.Time      `dynamodbav:"last_accessed"`
	Status           DatabaseStatus `dynamodbav:"status"`
	// AllocationLock marks which allocation attempt owns the pending
	// record; rollback deletes are conditioned on it.
	AllocationLock string `dynamodbav:"allocation_lock"`
}

// InstanceRecord is one row of the instance registry. DatabaseCount is
// the authority for capacity decisions.
type InstanceRecord struct {
	InstanceID       string         `dynamodbav:"instance_id"`
	PrivateIP        string         `dynamodbav:"private_ip"`
	AvailabilityZone string         `dynamodbav:"availability_zone"`
	Status           InstanceStatus `dynamodbav:"status"`
	DatabaseCount    int            `dynamodbav:"database_count"`
	MaxDatabases     int            `dynamodbav:"max_databases"`
	ClusterTier      string         `dynamodbav:"cluster_tier"`
	NodeType         NodeType       `dynamodbav:"node_type"`
	StackName        string         `dynamodbav:"stack_name"`
	CreatedAt        time.Time      `dynamodbav:"created_at"`
	LastAllocation   time.Time      `dynamodbav:"last_allocation,omitempty"`
	LastDeallocation time.Time      `dynamodbav:"last_deallocation,omitempty"`
	// IngestionActive marks instances mid-ingestion; they may be
	// unhealthy yet still usable as a shared-master fallback.
	IngestionActive bool `dynamodbav:"ingestion_active,omitempty"`
}

// Residual returns the remaining database capacity.
func (r *InstanceRecord) Residual() int {
	return r.MaxDatabases - r.DatabaseCount
}

// DatabaseLocation is the in-memory resolution handed to callers. For
// subgraphs GraphID keeps the original subgraph ID while the placement
// fields describe the parent's instance.
type DatabaseLocation struct {
	GraphID          string         `json:"graph_id"`
	InstanceID       string         `json:"instance_id"`
	PrivateIP        string         `json:"private_ip"`
	AvailabilityZone string         `json:"availability_zone"`
	Status           DatabaseStatus `json:"status"`
	BackendType      string         `json:"backend_type"`
}
