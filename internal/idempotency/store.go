package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/boutique/orderpay/internal/aws"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // default TTL window when creating entries
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// ErrDuplicateRequest indicates the idempotency key was claimed by another request.
var ErrDuplicateRequest = errors.New("idempotency key already used")

func (s *Store) newRecord(key, status, orderID string) IdempotencyRecord {
	now := s.nowFunc().UTC()
	return IdempotencyRecord{
		IdempotencyKey: key,
		Status:         status,
		OrderID:        orderID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}
}

// CreateIfNotExists writes a record unless key is already taken. It reports
// false, with a nil error, when the key exists.
func (s *Store) CreateIfNotExists(ctx context.Context, key, status, orderID string) (bool, error) {
	item, err := attributevalue.MarshalMap(s.newRecord(key, status, orderID))
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotency_key)"),
	})
	switch {
	case aws.IsConditionFailed(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// ClaimNonce records a callback nonce as SEEN for orderID. It returns false only
// when an earlier delivery with the nonce was completed. A nonce still SEEN
// belongs to a delivery that never finished, so a redelivery may run again.
func (s *Store) ClaimNonce(ctx context.Context, nonce, orderID string) (bool, error) {
	key := NonceKey(nonce)
	created, err := s.CreateIfNotExists(ctx, key, StatusSeen, orderID)
	if err != nil || created {
		return created, err
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return rec == nil || rec.Status != StatusDone, nil
}

// CompleteNonce marks a claimed nonce DONE. Later deliveries carrying it are replays.
func (s *Store) CompleteNonce(ctx context.Context, nonce string) error {
	now, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: NonceKey(nonce)},
		},
		UpdateExpression:         aws.String("SET #status = :done, updated_at = :now"),
		ConditionExpression:      aws.String("attribute_exists(idempotency_key)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":now":  now,
		},
	})
	switch {
	case aws.IsConditionFailed(err):
		return fmt.Errorf("nonce %q was never claimed", nonce)
	case err != nil:
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// PutOp returns a transaction item that records key as completed for orderID.
// It is committed together with the order so a record exists iff the order does.
func (s *Store) PutOp(key, orderID, requestHash string, responseStatus int) (aws.TxGroup, error) {
	rec := s.newRecord(key, StatusDone, orderID)
	rec.RequestHash = requestHash
	rec.ResponseStatus = responseStatus
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return aws.TxGroup{}, fmt.Errorf("marshal idempotency record: %w", err)
	}
	return aws.TxGroup{
		Items: []types.TransactWriteItem{{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(idempotency_key)"),
			},
		}},
		OnConditionFailed: func(int) error { return ErrDuplicateRequest },
	}, nil
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	input := &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: boolPtr(true),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec IdempotencyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

func boolPtr(b bool) *bool { return &b }
