package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "graphplane-backend/pkg/errors"
)

type fakeDynamoDB struct {
	putErr    error
	updateErr error
	deleteErr error

	putInputs    []*dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	deleteInputs []*dynamodb.DeleteItemInput

	getItem          map[string]types.AttributeValue
	updateAttributes map[string]types.AttributeValue
	scanPages        []*dynamodb.ScanOutput
	scanCalls        int
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{Attributes: f.updateAttributes}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteInputs = append(f.deleteInputs, in)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	page := f.scanPages[f.scanCalls]
	f.scanCalls++
	return page, nil
}

var condFailed = &types.ConditionalCheckFailedException{}

func TestInsertPendingMapsConditionalFailure(t *testing.T) {
	db := &fakeDynamoDB{putErr: condFailed}
	reg := NewGraphRegistry(db, "graphs", zap.NewNop())

	err := reg.InsertPending(context.Background(), DatabaseRecord{GraphID: testGraph})
	assert.ErrorIs(t, err, ErrAlreadyAllocated)

	require.Len(t, db.putInputs, 1)
	assert.Contains(t, *db.putInputs[0].ConditionExpression, "attribute_not_exists")
}

func TestRollbackPendingIgnoresLostLock(t *testing.T) {
	db := &fakeDynamoDB{deleteErr: condFailed}
	reg := NewGraphRegistry(db, "graphs", zap.NewNop())

	err := reg.RollbackPending(context.Background(), testGraph, "lock-1")
	assert.NoError(t, err, "a stolen lock means the record is no longer ours to delete")
	require.Len(t, db.deleteInputs, 1)
	assert.NotNil(t, db.deleteInputs[0].ConditionExpression)
}

func TestTombstoneAlreadyDeleted(t *testing.T) {
	db := &fakeDynamoDB{updateErr: condFailed}
	reg := NewGraphRegistry(db, "graphs", zap.NewNop())

	err := reg.Tombstone(context.Background(), testGraph)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingRecord(t *testing.T) {
	reg := NewGraphRegistry(&fakeDynamoDB{}, "graphs", zap.NewNop())
	_, err := reg.Get(context.Background(), testGraph)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementCountCapacityGuard(t *testing.T) {
	db := &fakeDynamoDB{updateErr: condFailed}
	reg := NewInstanceRegistry(db, "instances", zap.NewNop())

	_, err := reg.IncrementCount(context.Background(), "i-aaa1", time.Now())
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	require.Len(t, db.updateInputs, 1)
	in := db.updateInputs[0]
	assert.NotNil(t, in.ConditionExpression)
	assert.Equal(t, types.ReturnValueAllNew, in.ReturnValues)
}

func TestIncrementCountReturnsNewCount(t *testing.T) {
	db := &fakeDynamoDB{updateAttributes: map[string]types.AttributeValue{
		"instance_id":    &types.AttributeValueMemberS{Value: "i-aaa1"},
		"database_count": &types.AttributeValueMemberN{Value: "1"},
		"max_databases":  &types.AttributeValueMemberN{Value: "50"},
	}}
	reg := NewInstanceRegistry(db, "instances", zap.NewNop())

	count, err := reg.IncrementCount(context.Background(), "i-aaa1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDecrementCountZeroGuard(t *testing.T) {
	db := &fakeDynamoDB{updateErr: condFailed}
	reg := NewInstanceRegistry(db, "instances", zap.NewNop())

	_, err := reg.DecrementCount(context.Background(), "i-aaa1", time.Now())
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func instanceItem(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"instance_id":    &types.AttributeValueMemberS{Value: id},
		"database_count": &types.AttributeValueMemberN{Value: "0"},
		"max_databases":  &types.AttributeValueMemberN{Value: "50"},
		"cluster_tier":   &types.AttributeValueMemberS{Value: "standard"},
		"node_type":      &types.AttributeValueMemberS{Value: "writer"},
		"status":         &types.AttributeValueMemberS{Value: "healthy"},
	}
}

func TestListByTierPaginates(t *testing.T) {
	db := &fakeDynamoDB{scanPages: []*dynamodb.ScanOutput{
		{
			Items: []map[string]types.AttributeValue{instanceItem("i-aaa1")},
			LastEvaluatedKey: map[string]types.AttributeValue{
				"instance_id": &types.AttributeValueMemberS{Value: "i-aaa1"},
			},
		},
		{
			Items: []map[string]types.AttributeValue{instanceItem("i-bbb2")},
		},
	}}
	reg := NewInstanceRegistry(db, "instances", zap.NewNop())

	records, err := reg.ListByTier(context.Background(), "standard")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, db.scanCalls)
	assert.Equal(t, "i-aaa1", records[0].InstanceID)
	assert.Equal(t, "i-bbb2", records[1].InstanceID)
}

func TestPurgeDeletedSweepsTombstones(t *testing.T) {
	db := &fakeDynamoDB{scanPages: []*dynamodb.ScanOutput{
		{
			Items: []map[string]types.AttributeValue{
				{"graph_id": &types.AttributeValueMemberS{Value: "kgaaaaaaaaaaaaaaaa"}},
				{"graph_id": &types.AttributeValueMemberS{Value: "kgbbbbbbbbbbbbbbbb"}},
			},
		},
	}}
	reg := NewGraphRegistry(db, "graphs", zap.NewNop())

	purged, err := reg.PurgeDeleted(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	assert.Len(t, db.deleteInputs, 2)
}

func TestThrottlingClassifiedTransient(t *testing.T) {
	db := &fakeDynamoDB{putErr: &smithy.GenericAPIError{
		Code:    "ProvisionedThroughputExceededException",
		Message: "rate exceeded",
	}}
	reg := NewGraphRegistry(db, "graph-registry", zap.NewNop())

	err := reg.InsertPending(context.Background(), DatabaseRecord{GraphID: testGraph})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}
