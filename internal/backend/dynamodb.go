package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"outliner-backend/internal/config"
	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

const (
	metadataSK = "METADATA"
	rootParent = "ROOT"
)

// DynamoAPI is the subset of the DynamoDB client the backend uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ddbNode is the item layout: one item per node, with the parent in GSI1 so a
// parent's children can be listed with a single query.
type ddbNode struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`
	node.Node
}

func nodeKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "NODE#" + id},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

func parentKey(parentID string) string {
	if parentID == "" {
		parentID = rootParent
	}
	return "PARENT#" + parentID
}

func toItem(n *node.Node) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(ddbNode{
		PK:     "NODE#" + n.ID,
		SK:     metadataSK,
		GSI1PK: parentKey(n.Parent()),
		GSI1SK: "NODE#" + n.ID,
		Node:   *n,
	})
}

func fromItem(item map[string]types.AttributeValue) (*node.Node, error) {
	var d ddbNode
	if err := attributevalue.UnmarshalMap(item, &d); err != nil {
		return nil, err
	}
	n := d.Node
	return &n, nil
}

// DynamoBackend stores nodes in a single DynamoDB table.
type DynamoBackend struct {
	client    DynamoAPI
	tableName string
	indexName string
	now       func() time.Time
	logger    *zap.Logger
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential chain.
// Each HTTP round trip is bounded by cfg.CallTimeout.
func NewDynamoClient(ctx context.Context, cfg config.Backend) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.HTTPClient = &http.Client{Timeout: cfg.CallTimeout}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewDynamoBackend creates a DynamoDB-backed store.
func NewDynamoBackend(client DynamoAPI, tableName, indexName string, logger *zap.Logger) *DynamoBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoBackend{
		client:    client,
		tableName: tableName,
		indexName: indexName,
		now:       time.Now,
		logger:    logger,
	}
}

func (d *DynamoBackend) CreateNode(ctx context.Context, n *node.Node) (*node.Node, error) {
	if n == nil {
		return nil, apperrors.Validation(apperrors.CodeNodeIDEmpty.String(), "node is required").Build()
	}
	stored := NormalizeContainer(n)
	if err := node.ValidateForPersistence(stored); err != nil {
		return nil, err
	}
	if err := d.checkRefs(ctx, "createNode", stored.ID, stored.Parent(), stored.BeforeSibling()); err != nil {
		return nil, err
	}

	now := d.now()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.ModifiedAt = now

	cond := expression.Name("PK").AttributeNotExists()
	if err := d.put(ctx, "createNode", stored, cond); err != nil {
		if apperrors.IsConflict(err) {
			return nil, alreadyExists("createNode", stored.ID)
		}
		return nil, err
	}

	d.logger.Debug("Node created",
		zap.String("node_id", stored.ID),
		zap.String("table", d.tableName),
	)
	return stored, nil
}

func (d *DynamoBackend) GetNode(ctx context.Context, id string) (*node.Node, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            nodeKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classifyDynamoError(err, "getNode", id)
	}
	if out.Item == nil {
		return nil, nil
	}
	n, err := fromItem(out.Item)
	if err != nil {
		return nil, decodeFailure("getNode", id, err)
	}
	return n, nil
}

func (d *DynamoBackend) UpdateNode(ctx context.Context, id string, version int64, patch Patch) (*node.Node, error) {
	cur, err := d.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, notFound("updateNode", id)
	}
	if version > 0 && version != cur.Version {
		return nil, versionConflict("updateNode", id, version, cur.Version)
	}

	next := cur.Clone()
	patch.Apply(next)
	if err := node.ValidateForPersistence(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.ModifiedAt = d.now()

	if err := d.put(ctx, "updateNode", next, expression.Name("Version").Equal(expression.Value(cur.Version))); err != nil {
		return nil, err
	}
	return next, nil
}

func (d *DynamoBackend) DeleteNode(ctx context.Context, id string) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("PK").AttributeExists()).
		Build()
	if err != nil {
		return persistenceFailure("deleteNode", id, err)
	}

	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       nodeKey(id),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return notFound("deleteNode", id)
		}
		return classifyDynamoError(err, "deleteNode", id)
	}
	return nil
}

func (d *DynamoBackend) SetParent(ctx context.Context, childID, parentID, beforeSiblingID string) (*node.Node, error) {
	cur, err := d.GetNode(ctx, childID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, notFound("setParent", childID)
	}
	if err := d.checkRefs(ctx, "setParent", childID, parentID, beforeSiblingID); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.ParentID = node.Ptr(parentID)
	next.BeforeSiblingID = node.Ptr(beforeSiblingID)
	next.Version = cur.Version + 1
	next.ModifiedAt = d.now()

	if err := d.put(ctx, "setParent", next, expression.Name("Version").Equal(expression.Value(cur.Version))); err != nil {
		return nil, err
	}
	return next, nil
}

func (d *DynamoBackend) ListChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("GSI1PK").Equal(expression.Value(parentKey(parentID)))).
		Build()
	if err != nil {
		return nil, persistenceFailure("listChildren", parentID, err)
	}

	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:                 aws.String(d.tableName),
		IndexName:                 aws.String(d.indexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var out []*node.Node
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyDynamoError(err, "listChildren", parentID)
		}
		for _, item := range page.Items {
			n, err := fromItem(item)
			if err != nil {
				d.logger.Warn("Skipping undecodable node item",
					zap.String("parent_id", parentID),
					zap.Error(err),
				)
				continue
			}
			out = append(out, n)
		}
	}
	return OrderBySiblingChain(out), nil
}

func (d *DynamoBackend) put(ctx context.Context, op string, n *node.Node, cond expression.ConditionBuilder) error {
	item, err := toItem(n)
	if err != nil {
		return persistenceFailure(op, n.ID, fmt.Errorf("failed to marshal node: %w", err))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return persistenceFailure(op, n.ID, fmt.Errorf("failed to build expression: %w", err))
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return classifyDynamoError(err, op, n.ID)
	}
	return nil
}

func (d *DynamoBackend) checkRefs(ctx context.Context, op, id, parentID, beforeSiblingID string) error {
	for _, ref := range []string{parentID, beforeSiblingID} {
		if ref == "" {
			continue
		}
		if ref == id {
			return apperrors.Validation(apperrors.CodeSelfReference.String(), "node cannot reference itself").
				WithOperation(op).
				WithResource(id).
				Build()
		}
		n, err := d.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		if n == nil {
			return apperrors.Validation(apperrors.CodeBackendRejected.String(), "referenced node does not exist").
				WithOperation(op).
				WithResource(id).
				WithDetails(ref).
				Build()
		}
	}
	return nil
}

// classifyDynamoError maps DynamoDB API errors onto unified errors.
func classifyDynamoError(err error, op, id string) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return apperrors.Conflict(apperrors.CodeOptimisticLock.String(), "conditional check failed").
			WithOperation(op).
			WithResource(id).
			WithCause(err).
			WithDetails("the item has been modified by another operation").
			Build()
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ResourceNotFoundException":
			return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "table or index not found").
				WithOperation(op).
				WithResource(id).
				WithCause(err).
				WithDetails(ae.ErrorMessage()).
				WithRetryable(false).
				Build()
		case "ProvisionedThroughputExceededException", "RequestLimitExceeded", "ThrottlingException":
			return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "DynamoDB throughput exceeded").
				WithOperation(op).
				WithResource(id).
				WithCause(err).
				Build()
		case "ValidationException":
			return apperrors.Validation(apperrors.CodeBackendRejected.String(), "DynamoDB validation error").
				WithOperation(op).
				WithResource(id).
				WithCause(err).
				WithDetails(ae.ErrorMessage()).
				Build()
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Timeout(apperrors.CodeBackendFailure.String(), "DynamoDB call timed out").
			WithOperation(op).
			WithResource(id).
			WithCause(err).
			Build()
	}
	return persistenceFailure(op, id, err)
}

func decodeFailure(op, id string, err error) error {
	return apperrors.Internal(apperrors.CodeDecodeFailed.String(), "failed to decode stored node").
		WithOperation(op).
		WithResource(id).
		WithCause(err).
		Build()
}
