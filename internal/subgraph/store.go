// Package subgraph manages named child graphs that live inside their
// parent's database instance.
package subgraph

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	apperrors "graphplane-backend/pkg/errors"
)

// parentIndex is the GSI keyed on parent_graph_id for per-parent
// listings.
const parentIndex = "parent-index"

// ErrNotFound is returned when a subgraph has no metadata record.
var ErrNotFound = errors.New("subgraph metadata not found")

// ErrExists is returned when a metadata insert loses to an existing
// record.
var ErrExists = errors.New("subgraph already exists")

// Record is one row of the subgraph metadata table. SubgraphIndex is
// the ordinal assigned at creation, counting from 1 per parent.
type Record struct {
	SubgraphID    string    `dynamodbav:"subgraph_id"`
	ParentGraphID string    `dynamodbav:"parent_graph_id"`
	SubgraphIndex int       `dynamodbav:"subgraph_index"`
	Name          string    `dynamodbav:"name"`
	TenantID      string    `dynamodbav:"tenant_id"`
	BaseSchema    string    `dynamodbav:"base_schema,omitempty"`
	Extensions    []string  `dynamodbav:"extensions,omitempty"`
	ForkedFrom    string    `dynamodbav:"forked_from,omitempty"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
}

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store persists subgraph metadata.
type Store struct {
	db     DynamoDBAPI
	table  string
	logger *zap.Logger
}

func NewStore(db DynamoDBAPI, table string, logger *zap.Logger) *Store {
	return &Store{db: db, table: table, logger: logger}
}

func subgraphKey(subgraphID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"subgraph_id": &types.AttributeValueMemberS{Value: subgraphID},
	}
}

// Put inserts a metadata record, refusing to overwrite.
func (s *Store) Put(ctx context.Context, rec Record) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return apperrors.Wrap(err, "marshal subgraph record")
	}

	cond := expression.AttributeNotExists(expression.Name("subgraph_id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return apperrors.Wrap(err, "build subgraph insert condition")
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrExists
	}
	if err != nil {
		return apperrors.Wrap(err, "insert subgraph record")
	}
	return nil
}

// Get fetches one metadata record.
func (s *Store) Get(ctx context.Context, subgraphID string) (*Record, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            subgraphKey(subgraphID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "get subgraph record")
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal subgraph record")
	}
	return &rec, nil
}

// Delete removes a metadata record. Deleting a missing record is not
// an error.
func (s *Store) Delete(ctx context.Context, subgraphID string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       subgraphKey(subgraphID),
	})
	if err != nil {
		return apperrors.Wrap(err, "delete subgraph record")
	}
	return nil
}

// ListByParent returns every subgraph of one parent via the parent
// GSI, paginating through LastEvaluatedKey.
func (s *Store) ListByParent(ctx context.Context, parentGraphID string) ([]Record, error) {
	keyCond := expression.Key("parent_graph_id").Equal(expression.Value(parentGraphID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, apperrors.Wrap(err, "build parent query")
	}

	var records []Record
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(parentIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, apperrors.Wrap(err, "query subgraphs by parent")
		}

		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, apperrors.Wrap(err, "unmarshal subgraph page")
		}
		records = append(records, page...)

		startKey = out.LastEvaluatedKey
		if startKey == nil {
			break
		}
	}
	return records, nil
}
