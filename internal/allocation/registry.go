package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	apperrors "graphplane-backend/pkg/errors"
)

// ErrAlreadyAllocated is returned when a graph already has a registry
// record, so the caller can treat the allocation as idempotent.
var ErrAlreadyAllocated = errors.New("graph already allocated")

// ErrCapacityExhausted is returned when a conditional count increment
// loses to the instance's max_databases guard.
var ErrCapacityExhausted = errors.New("instance at capacity")

// ErrNotFound is returned when a registry row does not exist.
var ErrNotFound = errors.New("registry record not found")

// DynamoDBAPI is the subset of the DynamoDB client the registries use.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// storeErr wraps a DynamoDB call failure. Throttling is surfaced as
// transient so callers know a retry is worthwhile.
func storeErr(err error, msg string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded":
			return apperrors.NewTransient(msg, err)
		}
	}
	return apperrors.Wrap(err, msg)
}

func graphKey(graphID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"graph_id": &types.AttributeValueMemberS{Value: graphID},
	}
}

func instanceKey(instanceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"instance_id": &types.AttributeValueMemberS{Value: instanceID},
	}
}

// GraphRegistry persists graph placement records.
type GraphRegistry struct {
	db     DynamoDBAPI
	table  string
	logger *zap.Logger
}

func NewGraphRegistry(db DynamoDBAPI, table string, logger *zap.Logger) *GraphRegistry {
	return &GraphRegistry{db: db, table: table, logger: logger}
}

// InsertPending writes a creating-state record guarded by
// attribute_not_exists(graph_id). A lost race surfaces as
// ErrAlreadyAllocated.
func (r *GraphRegistry) InsertPending(ctx context.Context, rec DatabaseRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return apperrors.Wrap(err, "marshal database record")
	}

	cond := expression.AttributeNotExists(expression.Name("graph_id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return apperrors.Wrap(err, "build insert condition")
	}

	_, err = r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(r.table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionalFailure(err) {
		return ErrAlreadyAllocated
	}
	if err != nil {
		return storeErr(err, "insert graph record")
	}
	return nil
}

// Commit records the chosen placement, promotes the record to active
// and clears its allocation lock.
func (r *GraphRegistry) Commit(ctx context.Context, graphID string, inst *InstanceRecord) error {
	update := expression.Set(expression.Name("status"), expression.Value(string(StatusActive))).
		Set(expression.Name("allocation_lock"), expression.Value("")).
		Set(expression.Name("instance_id"), expression.Value(inst.InstanceID)).
		Set(expression.Name("private_ip"), expression.Value(inst.PrivateIP)).
		Set(expression.Name("availability_zone"), expression.Value(inst.AvailabilityZone))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return apperrors.Wrap(err, "build commit update")
	}

	_, err = r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       graphKey(graphID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return storeErr(err, "commit graph record")
	}
	return nil
}

// RollbackPending deletes the pending record only while our allocation
// lock still owns it, so a concurrent retry that re-inserted the graph
// is never destroyed.
func (r *GraphRegistry) RollbackPending(ctx context.Context, graphID, lock string) error {
	cond := expression.Equal(expression.Name("allocation_lock"), expression.Value(lock))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return apperrors.Wrap(err, "build rollback condition")
	}

	_, err = r.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(r.table),
		Key:                       graphKey(graphID),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionalFailure(err) {
		// Someone else owns the record now; leave it alone.
		return nil
	}
	if err != nil {
		return storeErr(err, "rollback graph record")
	}
	return nil
}

// Get fetches a record with a consistent read.
func (r *GraphRegistry) Get(ctx context.Context, graphID string) (*DatabaseRecord, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            graphKey(graphID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storeErr(err, "get graph record")
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var rec DatabaseRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal graph record")
	}
	return &rec, nil
}

// Tombstone marks a record deleted. The status guard makes repeated
// deallocations observable: a record already deleted fails the
// condition and the caller skips the count decrement.
func (r *GraphRegistry) Tombstone(ctx context.Context, graphID string) error {
	update := expression.Set(expression.Name("status"), expression.Value(string(StatusDeleted)))
	cond := expression.NotEqual(expression.Name("status"), expression.Value(string(StatusDeleted)))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return apperrors.Wrap(err, "build tombstone update")
	}

	_, err = r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       graphKey(graphID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionalFailure(err) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr(err, "tombstone graph record")
	}
	return nil
}

// Restore flips a tombstoned record back to active. Used when the
// deallocation path fails after the tombstone landed.
func (r *GraphRegistry) Restore(ctx context.Context, graphID string) error {
	update := expression.Set(expression.Name("status"), expression.Value(string(StatusActive)))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return apperrors.Wrap(err, "build restore update")
	}

	_, err = r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       graphKey(graphID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return storeErr(err, "restore graph record")
	}
	return nil
}

// TouchLastAccessed bumps the access timestamp. Best effort; callers
// ignore the error.
func (r *GraphRegistry) TouchLastAccessed(ctx context.Context, graphID string, at time.Time) error {
	update := expression.Set(expression.Name("last_accessed"), expression.Value(at.UTC().Format(time.RFC3339Nano)))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return apperrors.Wrap(err, "build touch update")
	}

	_, err = r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       graphKey(graphID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return storeErr(err, "touch last_accessed")
	}
	return nil
}

// PurgeDeleted removes tombstones older than the cutoff and returns
// how many were deleted. Runs as a periodic sweep, not on the request
// path.
func (r *GraphRegistry) PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	filter := expression.And(
		expression.Equal(expression.Name("status"), expression.Value(string(StatusDeleted))),
		expression.LessThan(expression.Name("last_accessed"), expression.Value(olderThan.UTC().Format(time.RFC3339Nano))),
	)
	expr, err := expression.NewBuilder().WithFilter(filter).WithProjection(
		expression.NamesList(expression.Name("graph_id")),
	).Build()
	if err != nil {
		return 0, apperrors.Wrap(err, "build purge scan")
	}

	purged := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(r.table),
			FilterExpression:          expr.Filter(),
			ProjectionExpression:      expr.Projection(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return purged, storeErr(err, "scan tombstones")
		}

		for _, item := range out.Items {
			var rec DatabaseRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			if _, err := r.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.table),
				Key:       graphKey(rec.GraphID),
			}); err != nil {
				r.logger.Warn("failed to purge tombstone",
					zap.String("graph_id", rec.GraphID), zap.Error(err))
				continue
			}
			purged++
		}

		startKey = out.LastEvaluatedKey
		if startKey == nil {
			break
		}
	}
	return purged, nil
}

// InstanceRegistry persists worker instance state and capacity counts.
type InstanceRegistry struct {
	db     DynamoDBAPI
	table  string
	logger *zap.Logger
}

func NewInstanceRegistry(db DynamoDBAPI, table string, logger *zap.Logger) *InstanceRegistry {
	return &InstanceRegistry{db: db, table: table, logger: logger}
}

// Get fetches one instance record.
func (r *InstanceRegistry) Get(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            instanceKey(instanceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storeErr(err, "get instance record")
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var rec InstanceRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal instance record")
	}
	return &rec, nil
}

// ListByTier returns every writer instance of the tier, paginating the
// scan through LastEvaluatedKey. Callers filter on health themselves
// because the unhealthy set still feeds capacity metrics.
func (r *InstanceRegistry) ListByTier(ctx context.Context, tier string) ([]InstanceRecord, error) {
	filter := expression.And(
		expression.Equal(expression.Name("cluster_tier"), expression.Value(tier)),
		expression.Equal(expression.Name("node_type"), expression.Value(string(NodeWriter))),
	)
	return r.scan(ctx, filter)
}

// ListByNodeType returns every instance with the given node type.
func (r *InstanceRegistry) ListByNodeType(ctx context.Context, nodeType NodeType) ([]InstanceRecord, error) {
	filter := expression.Equal(expression.Name("node_type"), expression.Value(string(nodeType)))
	return r.scan(ctx, filter)
}

func (r *InstanceRegistry) scan(ctx context.Context, filter expression.ConditionBuilder) ([]InstanceRecord, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, apperrors.Wrap(err, "build instance scan")
	}

	var records []InstanceRecord
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(r.table),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, storeErr(err, "scan instances")
		}

		var page []InstanceRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, apperrors.Wrap(err, "unmarshal instance page")
		}
		records = append(records, page...)

		startKey = out.LastEvaluatedKey
		if startKey == nil {
			break
		}
	}
	return records, nil
}

// IncrementCount atomically claims one database slot. The condition
// `database_count < max_databases` is the only capacity gate in the
// system; losing it returns ErrCapacityExhausted. The new count is
// returned so the caller can detect the 0 to 1 transition.
func (r *InstanceRegistry) IncrementCount(ctx context.Context, instanceID string, at time.Time) (int, error) {
	update := expression.Add(expression.Name("database_count"), expression.Value(1)).
		Set(expression.Name("last_allocation"), expression.Value(at.UTC().Format(time.RFC3339Nano)))
	cond := expression.LessThan(expression.Name("database_count"), expression.Name("max_databases"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return 0, apperrors.Wrap(err, "build increment update")
	}

	out, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       instanceKey(instanceID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionalFailure(err) {
		return 0, ErrCapacityExhausted
	}
	if err != nil {
		return 0, storeErr(err, "increment database_count")
	}

	var rec InstanceRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return 0, apperrors.Wrap(err, "unmarshal incremented record")
	}
	return rec.DatabaseCount, nil
}

// DecrementCount releases one database slot, refusing to go below
// zero. A failed condition means the count was already zero; the
// caller logs the integrity breach and moves on.
func (r *InstanceRegistry) DecrementCount(ctx context.Context, instanceID string, at time.Time) (int, error) {
	update := expression.Add(expression.Name("database_count"), expression.Value(-1)).
		Set(expression.Name("last_deallocation"), expression.Value(at.UTC().Format(time.RFC3339Nano)))
	cond := expression.GreaterThan(expression.Name("database_count"), expression.Value(0))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return 0, apperrors.Wrap(err, "build decrement update")
	}

	out, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       instanceKey(instanceID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionalFailure(err) {
		return 0, ErrCapacityExhausted
	}
	if err != nil {
		return 0, storeErr(err, "decrement database_count")
	}

	var rec InstanceRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return 0, apperrors.Wrap(err, "unmarshal decremented record")
	}
	return rec.DatabaseCount, nil
}

// SetIngestionActive flips the ingestion marker used by shared-master
// discovery fallback.
func (r *InstanceRegistry) SetIngestionActive(ctx context.Context, instanceID string, active bool) error {
	update := expression.Set(expression.Name("ingestion_active"), expression.Value(active))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return apperrors.Wrap(err, "build ingestion update")
	}

	_, err = r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       instanceKey(instanceID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return storeErr(err, "set ingestion_active")
	}
	return nil
}
