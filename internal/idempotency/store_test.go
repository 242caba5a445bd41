package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/aws/awstest"
)

const table = "idempotency-table"

func newTestStore(t *testing.T) (*Store, *awstest.DynamoDB) {
	t.Helper()
	db := awstest.NewDynamoDB()
	db.CreateTable(table, "idempotency_key")
	db.CreateTable("orders", "id")
	return NewStore(db, table, 48*time.Hour), db
}

func TestCreateIfNotExists_Get(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := "test-key-1"
	orderID := "order-123"

	created, err := s.CreateIfNotExists(ctx, key, StatusSeen, orderID)
	if err != nil {
		t.Fatalf("CreateIfNotExists error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create should return created=false (exists)
	created2, err := s.CreateIfNotExists(ctx, key, StatusSeen, orderID)
	if err != nil {
		t.Fatalf("second CreateIfNotExists error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusSeen || rec.OrderID != orderID {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("expires_at not in the future: %d", rec.ExpiresAt)
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing key, got (%v, %v)", missing, err)
	}
}

func TestClaimNonceDetectsReplay(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	first, err := s.ClaimNonce(ctx, "n-1", "o1")
	if err != nil || !first {
		t.Fatalf("first claim: %v %v", first, err)
	}
	// Not completed yet: the first delivery may have failed, so a redelivery runs.
	again, err := s.ClaimNonce(ctx, "n-1", "o1")
	if err != nil || !again {
		t.Fatalf("unfinished nonce refused: %v %v", again, err)
	}

	if err := s.CompleteNonce(ctx, "n-1"); err != nil {
		t.Fatalf("CompleteNonce: %v", err)
	}
	replay, err := s.ClaimNonce(ctx, "n-1", "o1")
	if err != nil || replay {
		t.Fatalf("replayed nonce accepted: %v %v", replay, err)
	}

	if db.Item(table, "nonce:n-1") == nil {
		t.Fatalf("nonce record not namespaced")
	}
	rec, err := s.Get(ctx, NonceKey("n-1"))
	if err != nil || rec == nil {
		t.Fatalf("get: %v %v", rec, err)
	}
	if rec.Status != StatusDone || rec.OrderID != "o1" {
		t.Fatalf("unexpected nonce record: %+v", rec)
	}
}

func TestCompleteNonceRequiresClaim(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.CompleteNonce(context.Background(), "never-claimed"); err == nil {
		t.Fatal("expected error completing an unclaimed nonce")
	}
}

func TestPutOpCommitsWithOrder(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	key := RequestKey("u1", "abc")

	orderPut := func(id string) aws.TxGroup {
		return aws.TxGroup{Items: []types.TransactWriteItem{{
			Put: &types.Put{
				TableName: aws.String("orders"),
				Item:      map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
			},
		}}}
	}

	op, err := s.PutOp(key, "o1", "hash-1", 201)
	if err != nil {
		t.Fatalf("PutOp: %v", err)
	}
	if err := aws.TransactWrite(ctx, db, orderPut("o1"), op); err != nil {
		t.Fatalf("transact: %v", err)
	}

	op2, _ := s.PutOp(key, "o2", "hash-1", 201)
	err = aws.TransactWrite(ctx, db, orderPut("o2"), op2)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if db.Item("orders", "o2") != nil {
		t.Fatalf("second order must not be written")
	}

	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil {
		t.Fatalf("get: %v %v", rec, err)
	}
	if rec.OrderID != "o1" || rec.Status != StatusDone || rec.RequestHash != "hash-1" || rec.ResponseStatus != 201 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestAttributevalueMarshal_Unmarshal(t *testing.T) {
	rec := IdempotencyRecord{
		IdempotencyKey: "k1",
		Status:         StatusDone,
		OrderID:        "o1",
		CreatedAt:      time.Now().Round(time.Second),
		UpdatedAt:      time.Now().Round(time.Second),
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	m, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out IdempotencyRecord
	if err := attributevalue.UnmarshalMap(m, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.IdempotencyKey != rec.IdempotencyKey {
		t.Fatalf("unmarshal mismatch")
	}
}
