package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/seantiz/stmtrelay/internal/model"
)

// DefaultCorrelationIndex is the default name of the global secondary index
// keyed by correlation_id and submitted_at.
const DefaultCorrelationIndex = "correlation_id-submitted_at-index"

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBConfig configures the DynamoDB store.
type DynamoDBConfig struct {
	// Table is the table name (required). Its partition key is statement_name.
	Table string
	// CorrelationIndex is the GSI used by LatestStatementName.
	CorrelationIndex string
}

// dynamoItem is the stored form of an execution record. Times are epoch
// milliseconds except expires_at, which is epoch seconds so the table's
// native TTL can evict expired items. Logical expiry reads expires_at_ms so
// it matches the other stores to the millisecond.
type dynamoItem struct {
	StatementName string `dynamodbav:"statement_name"`
	ExecutionID   string `dynamodbav:"execution_id"`
	SQL           string `dynamodbav:"sql"`
	AdapterKind   string `dynamodbav:"adapter_kind"`
	CorrelationID string `dynamodbav:"correlation_id,omitempty"`
	AdapterFields string `dynamodbav:"adapter_fields,omitempty"`
	SubmittedAt   int64  `dynamodbav:"submitted_at"`
	ExpiresAt     int64  `dynamodbav:"expires_at,omitempty"`
	ExpiresAtMs   int64  `dynamodbav:"expires_at_ms,omitempty"`
	Handled       bool   `dynamodbav:"handled"`
	HandledAt     int64  `dynamodbav:"handled_at,omitempty"`
	Detail        string `dynamodbav:"detail,omitempty"`
}

func toDynamoItem(rec *model.ExecutionRecord) (dynamoItem, error) {
	item := dynamoItem{
		StatementName: rec.StatementName,
		ExecutionID:   rec.ExecutionID,
		SQL:           rec.SQL,
		AdapterKind:   string(rec.Adapter.Kind),
		CorrelationID: rec.Adapter.CorrelationID,
		SubmittedAt:   rec.SubmittedAt.UnixMilli(),
	}
	if len(rec.Adapter.Fields) > 0 {
		fields, err := json.Marshal(rec.Adapter.Fields)
		if err != nil {
			return dynamoItem{}, fmt.Errorf("marshal adapter fields: %w", err)
		}
		item.AdapterFields = string(fields)
	}
	if rec.ExpiresAt != nil {
		item.ExpiresAt = rec.ExpiresAt.Unix()
		item.ExpiresAtMs = rec.ExpiresAt.UnixMilli()
	}
	return item, nil
}

func (it dynamoItem) record() (*model.ExecutionRecord, error) {
	rec := &model.ExecutionRecord{
		StatementName: it.StatementName,
		ExecutionID:   it.ExecutionID,
		SQL:           it.SQL,
		Adapter: model.AdapterState{
			Kind:          model.AdapterKind(it.AdapterKind),
			CorrelationID: it.CorrelationID,
		},
		SubmittedAt: time.UnixMilli(it.SubmittedAt).UTC(),
		Handled:     it.Handled,
	}
	if it.AdapterFields != "" {
		if err := json.Unmarshal([]byte(it.AdapterFields), &rec.Adapter.Fields); err != nil {
			return nil, fmt.Errorf("decode adapter fields: %w", err)
		}
	}
	if t, ok := it.expiry(); ok {
		rec.ExpiresAt = &t
	}
	if it.HandledAt != 0 {
		t := time.UnixMilli(it.HandledAt).UTC()
		rec.HandledAt = &t
	}
	if it.Detail != "" {
		rec.Detail = json.RawMessage(it.Detail)
	}
	return rec, nil
}

// expiry returns the logical expiry. Items written before expires_at_ms
// existed fall back to the seconds attribute.
func (it dynamoItem) expiry() (time.Time, bool) {
	switch {
	case it.ExpiresAtMs != 0:
		return time.UnixMilli(it.ExpiresAtMs).UTC(), true
	case it.ExpiresAt != 0:
		return time.Unix(it.ExpiresAt, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// Compile-time interface satisfaction check.
var _ Store = (*DynamoDBStore)(nil)

// DynamoDBStore implements Store on a DynamoDB table.
type DynamoDBStore struct {
	api    DynamoDBAPI
	config DynamoDBConfig
	opts   options
}

// NewDynamoDBStore creates a store over an existing client.
func NewDynamoDBStore(api DynamoDBAPI, cfg DynamoDBConfig, opts ...Option) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamodb store requires a table name")
	}
	if cfg.CorrelationIndex == "" {
		cfg.CorrelationIndex = DefaultCorrelationIndex
	}
	return &DynamoDBStore{api: api, config: cfg, opts: newOptions(opts)}, nil
}

// NewDynamoDBStoreFromConfig creates a store from an AWS configuration.
func NewDynamoDBStoreFromConfig(awsCfg aws.Config, cfg DynamoDBConfig, opts ...Option) (*DynamoDBStore, error) {
	return NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg, opts...)
}

// Close is a no-op; the AWS client holds no resources that need releasing.
func (s *DynamoDBStore) Close() error {
	return nil
}

func (s *DynamoDBStore) key(statementName string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"statement_name": &types.AttributeValueMemberS{Value: statementName},
	}
}

// RecordSubmission writes rec with a condition that no item has its name.
func (s *DynamoDBStore) RecordSubmission(ctx context.Context, rec *model.ExecutionRecord) error {
	item, err := toDynamoItem(rec)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(statement_name)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("record %s: %w", rec.StatementName, ErrDuplicateStatementName)
	}
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// ResolveAdapter reads the record with a strongly consistent read.
func (s *DynamoDBStore) ResolveAdapter(ctx context.Context, statementName string) (*model.ExecutionRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            s.key(statementName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", statementName, ErrUnknownStatementName)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	rec, err := item.record()
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.opts.now()) {
		return nil, fmt.Errorf("resolve %s: expired: %w", statementName, ErrUnknownStatementName)
	}
	return rec, nil
}

// MarkHandled flips handled with a conditional update. On a failed
// condition the old item, if any, tells an unknown name apart from an
// earlier mark.
func (s *DynamoDBStore) MarkHandled(ctx context.Context, statementName string, detail json.RawMessage) (MarkResult, error) {
	update := "SET handled = :true, handled_at = :now"
	values := map[string]types.AttributeValue{
		":true":  &types.AttributeValueMemberBOOL{Value: true},
		":false": &types.AttributeValueMemberBOOL{Value: false},
		":now":   &types.AttributeValueMemberN{Value: fmt.Sprint(s.opts.now().UnixMilli())},
	}
	if len(detail) > 0 {
		update += ", detail = :detail"
		values[":detail"] = &types.AttributeValueMemberS{Value: string(detail)}
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.config.Table),
		Key:                                 s.key(statementName),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String("attribute_exists(statement_name) AND handled = :false"),
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return 0, fmt.Errorf("mark %s: %w", statementName, ErrUnknownStatementName)
		}
		return AlreadyHandled, nil
	}
	if err != nil {
		return 0, fmt.Errorf("update item: %w", err)
	}
	return Recorded, nil
}

// LatestStatementName queries the correlation index newest first.
func (s *DynamoDBStore) LatestStatementName(ctx context.Context, correlationID string) (string, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		IndexName:              aws.String(s.config.CorrelationIndex),
		KeyConditionExpression: aws.String("correlation_id = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: correlationID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("query correlation index: %w", err)
	}
	if len(out.Items) == 0 {
		return "", fmt.Errorf("latest for %s: %w", correlationID, ErrUnknownStatementName)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return "", fmt.Errorf("unmarshal item: %w", err)
	}
	if exp, ok := item.expiry(); ok && !s.opts.now().Before(exp) {
		return "", fmt.Errorf("latest for %s: expired: %w", correlationID, ErrUnknownStatementName)
	}
	return item.StatementName, nil
}

// GetStats scans the table projecting only the fields it counts.
func (s *DynamoDBStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := newStats()
	p := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:            aws.String(s.config.Table),
		ProjectionExpression: aws.String("adapter_kind, handled"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan executions: %w", err)
		}
		for _, av := range page.Items {
			var item struct {
				AdapterKind string `dynamodbav:"adapter_kind"`
				Handled     bool   `dynamodbav:"handled"`
			}
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return nil, fmt.Errorf("unmarshal item: %w", err)
			}
			stats.Total++
			if item.Handled {
				stats.Handled++
			}
			stats.CountByAdapter[item.AdapterKind]++
		}
	}
	stats.Pending = stats.Total - stats.Handled
	return stats, nil
}
