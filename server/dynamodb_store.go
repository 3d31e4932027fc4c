package server

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
)

// userCreatedIndex is the global secondary index keyed by user_id with
// created_at as the range key.
const userCreatedIndex = "by_user_created"

// DynamoDBStore implements the MetadataStore interface using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.DynamoDB
	table  string
}

// NewDynamoDBStore creates a new DynamoDB metadata store
func NewDynamoDBStore(sess *session.Session, table string) *DynamoDBStore {
	return &DynamoDBStore{
		client: dynamodb.New(sess),
		table:  table,
	}
}

// PutRecord writes an image record, overwriting any existing item under
// the same image_id (the finalize path relies on overwrite semantics).
func (s *DynamoDBStore) PutRecord(ctx context.Context, record *ImageRecord) error {
	av, err := dynamodbattribute.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal image record: %v", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put image record: %v", err)
	}

	return nil
}

// GetRecord retrieves an image record by ID
func (s *DynamoDBStore) GetRecord(ctx context.Context, imageID string) (*ImageRecord, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]*dynamodb.AttributeValue{
			"image_id": {
				S: aws.String(imageID),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get image record: %v", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("image record %s: %w", imageID, ErrNotFound)
	}

	var record ImageRecord
	if err := dynamodbattribute.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image record: %v", err)
	}

	return &record, nil
}

// DeleteRecord deletes an image record
func (s *DynamoDBStore) DeleteRecord(ctx context.Context, imageID string) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]*dynamodb.AttributeValue{
			"image_id": {
				S: aws.String(imageID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete image record: %v", err)
	}

	return nil
}

// QueryByUser reads one page of records for a user from the
// by_user_created index. The created_at bounds become part of the key
// condition; the tag predicate is applied as a filter expression on the
// server before pagination continues.
func (s *DynamoDBStore) QueryByUser(ctx context.Context, query *RecordQuery, startToken PageToken) ([]*ImageRecord, PageToken, error) {
	keyCondition := expression.Key("user_id").Equal(expression.Value(query.UserID))
	switch {
	case query.CreatedAfter != nil && query.CreatedBefore != nil:
		keyCondition = keyCondition.And(expression.Key("created_at").
			Between(expression.Value(*query.CreatedAfter), expression.Value(*query.CreatedBefore)))
	case query.CreatedAfter != nil:
		keyCondition = keyCondition.And(expression.Key("created_at").
			GreaterThanEqual(expression.Value(*query.CreatedAfter)))
	case query.CreatedBefore != nil:
		keyCondition = keyCondition.And(expression.Key("created_at").
			LessThanEqual(expression.Value(*query.CreatedBefore)))
	}

	builder := expression.NewBuilder().WithKeyCondition(keyCondition)
	if query.Tag != "" {
		builder = builder.WithFilter(expression.Name("tags").Contains(query.Tag))
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build query expression: %v", err)
	}

	key, err := startKey(startToken)
	if err != nil {
		return nil, nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(userCreatedIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         key,
	}

	result, err := s.client.QueryWithContext(ctx, input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query image records: %v", err)
	}

	return unmarshalRecords(result.Items), nextToken(result.LastEvaluatedKey), nil
}

// Scan reads one page of a full-table traversal with a filter equivalent
// to the indexed path. O(table size); a documented fallback, not the
// primary access path.
func (s *DynamoDBStore) Scan(ctx context.Context, query *RecordQuery, startToken PageToken) ([]*ImageRecord, PageToken, error) {
	key, err := startKey(startToken)
	if err != nil {
		return nil, nil, err
	}

	input := &dynamodb.ScanInput{
		TableName:         aws.String(s.table),
		ExclusiveStartKey: key,
	}

	if cond, ok := scanFilter(query); ok {
		expr, err := expression.NewBuilder().WithFilter(cond).Build()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build scan expression: %v", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	result, err := s.client.ScanWithContext(ctx, input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan image records: %v", err)
	}

	return unmarshalRecords(result.Items), nextToken(result.LastEvaluatedKey), nil
}

// scanFilter builds the scan filter from the shared predicate; ok is false
// when the query carries no constraints and the scan needs no expression.
func scanFilter(query *RecordQuery) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder
	if query.Tag != "" {
		conds = append(conds, expression.Name("tags").Contains(query.Tag))
	}
	if query.CreatedAfter != nil {
		conds = append(conds, expression.Name("created_at").
			GreaterThanEqual(expression.Value(*query.CreatedAfter)))
	}
	if query.CreatedBefore != nil {
		conds = append(conds, expression.Name("created_at").
			LessThanEqual(expression.Value(*query.CreatedBefore)))
	}

	switch len(conds) {
	case 0:
		return expression.ConditionBuilder{}, false
	case 1:
		return conds[0], true
	default:
		return conds[0].And(conds[1], conds[2:]...), true
	}
}

// startKey converts a continuation token back into an exclusive start key.
func startKey(startToken PageToken) (map[string]*dynamodb.AttributeValue, error) {
	if startToken == nil {
		return nil, nil
	}
	key, ok := startToken.(map[string]*dynamodb.AttributeValue)
	if !ok {
		return nil, fmt.Errorf("invalid continuation token type %T", startToken)
	}
	return key, nil
}

// nextToken converts a LastEvaluatedKey into a continuation token, nil
// when the page was the last one.
func nextToken(lastEvaluatedKey map[string]*dynamodb.AttributeValue) PageToken {
	if len(lastEvaluatedKey) == 0 {
		return nil
	}
	return lastEvaluatedKey
}

// unmarshalRecords converts raw items into image records, skipping items
// that fail to unmarshal.
func unmarshalRecords(items []map[string]*dynamodb.AttributeValue) []*ImageRecord {
	records := make([]*ImageRecord, 0, len(items))
	for _, item := range items {
		var record ImageRecord
		if err := dynamodbattribute.UnmarshalMap(item, &record); err != nil {
			log.Printf("Failed to unmarshal image record: %v", err)
			continue
		}
		records = append(records, &record)
	}
	return records
}
