// Package credits meters usage against per-graph credit pools. A
// subgraph never owns a pool: every charge resolves to the parent
// graph, so all children draw from one budget.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"graphplane-backend/internal/graphid"
	apperrors "graphplane-backend/pkg/errors"
)

// ErrPoolNotFound is returned when a graph has no credit pool row.
var ErrPoolNotFound = errors.New("credit pool not found")

// Pool is one row of the credit pool table, keyed by the parent graph.
type Pool struct {
	GraphID        string    `dynamodbav:"graph_id"`
	Balance        int64     `dynamodbav:"balance"`
	MonthlyCredits int64     `dynamodbav:"monthly_credits"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
}

// ConsumeResult reports a consume attempt. Insufficient balance is a
// result, not an error: callers surface it to the tenant.
type ConsumeResult struct {
	Success  bool   `json:"success"`
	PoolID   string `json:"pool_id"`
	Balance  int64  `json:"balance"`
	Required int64  `json:"required"`
}

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Router resolves charges to the owning pool and applies them with
// conditional writes.
type Router struct {
	db     DynamoDBAPI
	table  string
	logger *zap.Logger
	now    func() time.Time
}

func NewRouter(db DynamoDBAPI, table string, logger *zap.Logger) *Router {
	return &Router{db: db, table: table, logger: logger, now: time.Now}
}

// ResolvePool maps a graph to the pool that pays for it. Subgraphs
// resolve to their parent; shared graphs are not metered.
func ResolvePool(graphID string) (string, error) {
	parsed := graphid.Parse(graphID)
	switch parsed.Kind {
	case graphid.KindParent:
		return graphID, nil
	case graphid.KindSubgraph:
		return parsed.Parent, nil
	case graphid.KindShared:
		return "", apperrors.NewClient(fmt.Sprintf("shared graph %s has no credit pool", graphID))
	default:
		return "", apperrors.NewClient(fmt.Sprintf("invalid graph identifier: %s", graphID))
	}
}

func poolKey(poolID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"graph_id": &types.AttributeValueMemberS{Value: poolID},
	}
}

// GetBalance returns the pool backing a graph.
func (r *Router) GetBalance(ctx context.Context, graphID string) (*Pool, error) {
	poolID, err := ResolvePool(graphID)
	if err != nil {
		return nil, err
	}

	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            poolKey(poolID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "get credit pool")
	}
	if out.Item == nil {
		return nil, ErrPoolNotFound
	}

	var pool Pool
	if err := attributevalue.UnmarshalMap(out.Item, &pool); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal credit pool")
	}
	return &pool, nil
}

// Consume charges amount to the graph's pool with a conditional
// decrement guarded by balance >= amount. A lost condition reads the
// current balance and reports Success=false.
func (r *Router) Consume(ctx context.Context, graphID string, amount int64, reason string) (*ConsumeResult, error) {
	if amount <= 0 {
		return nil, apperrors.NewClient(fmt.Sprintf("consume amount must be positive, got %d", amount))
	}
	poolID, err := ResolvePool(graphID)
	if err != nil {
		return nil, err
	}

	update := expression.Add(expression.Name("balance"), expression.Value(-amount)).
		Set(expression.Name("updated_at"), expression.Value(r.now().UTC().Format(time.RFC3339Nano)))
	cond := expression.GreaterThanEqual(expression.Name("balance"), expression.Value(amount))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, apperrors.Wrap(err, "build consume update")
	}

	out, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       poolKey(poolID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		pool, getErr := r.GetBalance(ctx, graphID)
		if getErr != nil {
			if errors.Is(getErr, ErrPoolNotFound) {
				return nil, apperrors.NewClient(fmt.Sprintf("graph %s has no credit pool", poolID)).WithStatus(404)
			}
			return nil, getErr
		}
		r.logger.Info("credit consume refused",
			zap.String("pool_id", poolID),
			zap.Int64("balance", pool.Balance),
			zap.Int64("required", amount),
			zap.String("reason", reason))
		return &ConsumeResult{Success: false, PoolID: poolID, Balance: pool.Balance, Required: amount}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "consume credits")
	}

	var pool Pool
	if err := attributevalue.UnmarshalMap(out.Attributes, &pool); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal consumed pool")
	}

	r.logger.Debug("consumed credits",
		zap.String("pool_id", poolID),
		zap.Int64("amount", amount),
		zap.Int64("balance", pool.Balance),
		zap.String("reason", reason))
	return &ConsumeResult{Success: true, PoolID: poolID, Balance: pool.Balance, Required: amount}, nil
}

// Grant adds credits to a graph's pool, creating the row when absent.
func (r *Router) Grant(ctx context.Context, graphID string, amount int64) (*Pool, error) {
	if amount <= 0 {
		return nil, apperrors.NewClient(fmt.Sprintf("grant amount must be positive, got %d", amount))
	}
	poolID, err := ResolvePool(graphID)
	if err != nil {
		return nil, err
	}

	update := expression.Add(expression.Name("balance"), expression.Value(amount)).
		Set(expression.Name("updated_at"), expression.Value(r.now().UTC().Format(time.RFC3339Nano)))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, apperrors.Wrap(err, "build grant update")
	}

	out, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       poolKey(poolID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "grant credits")
	}

	var pool Pool
	if err := attributevalue.UnmarshalMap(out.Attributes, &pool); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal granted pool")
	}
	return &pool, nil
}
