package subgraph

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDynamoDB struct {
	putErr     error
	getItem    map[string]types.AttributeValue
	queryPages []*dynamodb.QueryOutput

	putInputs   []*dynamodb.PutItemInput
	deleteKeys  []map[string]types.AttributeValue
	queryInputs []*dynamodb.QueryInput
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

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteKeys = append(f.deleteKeys, in.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	out := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return out, nil
}

func recordItem(t *testing.T, rec Record) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(rec)
	require.NoError(t, err)
	return item
}

func TestPutRefusesOverwrite(t *testing.T) {
	db := &fakeDynamoDB{putErr: &types.ConditionalCheckFailedException{}}
	store := NewStore(db, "subgraph-metadata", zap.NewNop())

	err := store.Put(context.Background(), Record{SubgraphID: parentGraph + "_dev"})
	assert.ErrorIs(t, err, ErrExists)

	require.Len(t, db.putInputs, 1)
	assert.Contains(t, *db.putInputs[0].ConditionExpression, "attribute_not_exists")
}

func TestGetMissingRecord(t *testing.T) {
	store := NewStore(&fakeDynamoDB{}, "subgraph-metadata", zap.NewNop())

	_, err := store.Get(context.Background(), parentGraph+"_dev")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingRecordIsIdempotent(t *testing.T) {
	db := &fakeDynamoDB{}
	store := NewStore(db, "subgraph-metadata", zap.NewNop())

	require.NoError(t, store.Delete(context.Background(), parentGraph+"_dev"))
	require.Len(t, db.deleteKeys, 1)
}

func TestListByParentPaginates(t *testing.T) {
	lastKey := map[string]types.AttributeValue{
		"subgraph_id": &types.AttributeValueMemberS{Value: parentGraph + "_dev"},
	}
	db := &fakeDynamoDB{queryPages: []*dynamodb.QueryOutput{
		{
			Items: []map[string]types.AttributeValue{
				recordItem(t, Record{SubgraphID: parentGraph + "_dev", ParentGraphID: parentGraph}),
			},
			LastEvaluatedKey: lastKey,
		},
		{
			Items: []map[string]types.AttributeValue{
				recordItem(t, Record{SubgraphID: parentGraph + "_test", ParentGraphID: parentGraph}),
			},
		},
	}}
	store := NewStore(db, "subgraph-metadata", zap.NewNop())

	records, err := store.ListByParent(context.Background(), parentGraph)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, parentGraph+"_dev", records[0].SubgraphID)
	assert.Equal(t, parentGraph+"_test", records[1].SubgraphID)

	require.Len(t, db.queryInputs, 2)
	assert.Equal(t, parentIndex, *db.queryInputs[0].IndexName)
	assert.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	assert.Equal(t, lastKey, db.queryInputs[1].ExclusiveStartKey)
}
