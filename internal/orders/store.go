package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/boutique/orderpay/internal/aws"
)

var (
	// ErrNotFound is returned when no order has the requested id.
	ErrNotFound = errors.New("order not found")
	// ErrAlreadyExists is returned when an order id is reused.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrStatusMismatch is returned when the order is no longer in the expected state.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	userIndex string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName, userIndex string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		userIndex: userIndex,
		nowFunc:   time.Now,
	}
}

// Create persists a new order together with any extra transaction items
// (stock decrements, an idempotency record) in one TransactWriteItems call. If
// any item's condition fails nothing is written.
func (s *Store) Create(ctx context.Context, order *Order, extra ...aws.TxGroup) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	put := aws.TxGroup{
		Items: []types.TransactWriteItem{{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			},
		}},
		OnConditionFailed: func(int) error { return ErrAlreadyExists },
	}
	groups := append([]aws.TxGroup{put}, extra...)
	return aws.TransactWrite(ctx, s.client, groups...)
}

// Get fetches an order by id. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(id),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// ListByUser returns a user's orders, newest first, via the user GSI.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	input := &dyn.QueryInput{
		TableName:                &s.tableName,
		IndexName:                &s.userIndex,
		KeyConditionExpression:   aws.String("#u = :u"),
		ExpressionAttributeNames: map[string]string{"#u": "user"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: boolPtr(false),
	}

	var result []Order
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query orders by user: %w", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return result, nil
}

// List returns every order, newest first. Admin only.
func (s *Store) List(ctx context.Context) ([]Order, error) {
	input := &dyn.ScanInput{TableName: &s.tableName}

	var result []Order
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// SettlePayment moves a pending order to paid/processing, records the gateway
// correlation data and applies the stock decrements in the same transaction.
// The order update is conditioned on the payment still being pending and stock
// not yet applied, so at most one caller ever decrements for an order.
func (s *Store) SettlePayment(ctx context.Context, id string, st Settlement, stock aws.TxGroup) error {
	u := s.newUpdate()
	u.set("#ps", "paymentStatus", ":paid", str(string(PaymentPaid)))
	u.set("#os", "orderStatus", ":processing", str(string(OrderProcessing)))
	u.set("#ia", "inventoryApplied", ":true", &types.AttributeValueMemberBOOL{Value: true})
	u.settlement(st)
	u.cond("#ps = :pending", ":pending", str(string(PaymentPending)))
	u.cond("#ia = :false", ":false", &types.AttributeValueMemberBOOL{Value: false})
	u.cond("#os <> :cancelled", ":cancelled", str(string(OrderCancelled)))
	return s.apply(ctx, id, u, stock)
}

// SettleWithoutInventory marks the payment paid when the stock can no longer be
// taken, flagging the order for manual reconciliation. flag replaces st.Flag.
func (s *Store) SettleWithoutInventory(ctx context.Context, id string, st Settlement, flag string) error {
	u := s.newUpdate()
	u.set("#ps", "paymentStatus", ":paid", str(string(PaymentPaid)))
	u.set("#os", "orderStatus", ":processing", str(string(OrderProcessing)))
	st.Flag = flag
	u.settlement(st)
	u.cond("#ps = :pending", ":pending", str(string(PaymentPending)))
	u.cond("#os <> :cancelled", ":cancelled", str(string(OrderCancelled)))
	return s.apply(ctx, id, u)
}

// FailPayment moves a pending payment to failed and records the gateway message.
// Order status and stock are untouched.
func (s *Store) FailPayment(ctx context.Context, id, message, details string) error {
	u := s.newUpdate()
	u.set("#ps", "paymentStatus", ":failed", str(string(PaymentFailed)))
	u.set("#pe", "paymentError", ":pe", str(message))
	if details != "" {
		u.set("#pd", "paymentDetails", ":pd", str(details))
	}
	u.cond("#ps = :pending", ":pending", str(string(PaymentPending)))
	return s.apply(ctx, id, u)
}

// TransitionOrderStatus conditionally moves an order whose current status is in
// from. When restock carries items the order must have had its inventory applied
// and not yet returned; it is marked restocked in the same transaction. A
// cancellation without restock items requires that no inventory was applied, so
// a concurrent settlement can never leave taken units behind.
func (s *Store) TransitionOrderStatus(ctx context.Context, id string, from []OrderStatus, to OrderStatus, restock aws.TxGroup) error {
	u, err := s.statusUpdate(from, to)
	if err != nil {
		return err
	}
	switch {
	case len(restock.Items) > 0:
		u.set("#ir", "inventoryRestocked", ":true", &types.AttributeValueMemberBOOL{Value: true})
		u.names["#ia"] = "inventoryApplied"
		u.cond("#ia = :true", "", nil)
		u.cond("#ir = :false", ":false", &types.AttributeValueMemberBOOL{Value: false})
	case to == OrderCancelled:
		u.names["#ia"] = "inventoryApplied"
		u.cond("#ia = :false", ":false", &types.AttributeValueMemberBOOL{Value: false})
	}
	return s.apply(ctx, id, u, restock)
}

// CancelWithoutRestock cancels an order whose applied inventory cannot be
// returned. The order is marked restocked so no later attempt retries and flag
// is recorded for manual follow-up.
func (s *Store) CancelWithoutRestock(ctx context.Context, id string, from []OrderStatus, flag string) error {
	u, err := s.statusUpdate(from, OrderCancelled)
	if err != nil {
		return err
	}
	u.set("#ir", "inventoryRestocked", ":true", &types.AttributeValueMemberBOOL{Value: true})
	u.names["#ia"] = "inventoryApplied"
	u.cond("#ia = :true", "", nil)
	u.cond("#ir = :false", ":false", &types.AttributeValueMemberBOOL{Value: false})
	if flag != "" {
		u.set("#rf", "reconciliationFlag", ":flag", str(flag))
	}
	return s.apply(ctx, id, u)
}

func (s *Store) statusUpdate(from []OrderStatus, to OrderStatus) (*update, error) {
	if len(from) == 0 {
		return nil, errors.New("transition requires at least one source status")
	}
	u := s.newUpdate()
	u.set("#os", "orderStatus", ":to", str(string(to)))

	refs := make([]string, 0, len(from))
	for i, st := range from {
		ref := fmt.Sprintf(":from%d", i)
		refs = append(refs, ref)
		u.values[ref] = str(string(st))
	}
	u.cond("#os IN ("+strings.Join(refs, ", ")+")", "", nil)
	return u, nil
}

// MarkFlag records a reconciliation flag without any status change.
func (s *Store) MarkFlag(ctx context.Context, id, flag string) error {
	u := s.newUpdate()
	u.set("#rf", "reconciliationFlag", ":flag", str(flag))
	return s.apply(ctx, id, u)
}

type update struct {
	sets   []string
	conds  []string
	names  map[string]string
	values map[string]types.AttributeValue
}

func (s *Store) newUpdate() *update {
	u := &update{
		names:  map[string]string{"#ua": "updatedAt"},
		values: map[string]types.AttributeValue{},
	}
	u.values[":ua"] = str(s.nowFunc().UTC().Format(time.RFC3339Nano))
	u.sets = append(u.sets, "#ua = :ua")
	return u
}

func (u *update) set(name, attr, ref string, v types.AttributeValue) {
	u.names[name] = attr
	u.values[ref] = v
	u.sets = append(u.sets, name+" = "+ref)
}

func (u *update) cond(expr, ref string, v types.AttributeValue) {
	if ref != "" {
		u.values[ref] = v
	}
	u.conds = append(u.conds, expr)
}

func (u *update) settlement(st Settlement) {
	if st.PaymentID != "" {
		u.set("#pid", "paymentId", ":pid", str(st.PaymentID))
	}
	if st.Details != "" {
		u.set("#pd", "paymentDetails", ":pd", str(st.Details))
	}
	if st.Flag != "" {
		u.set("#rf", "reconciliationFlag", ":flag", str(st.Flag))
	}
	u.set("#pe", "paymentError", ":noerr", str(""))
}

// apply runs the update alone via UpdateItem, or inside a transaction with the
// extra groups when any carry items. A failed order condition is ErrStatusMismatch.
func (s *Store) apply(ctx context.Context, id string, u *update, extra ...aws.TxGroup) error {
	setExpr := "SET " + strings.Join(u.sets, ", ")
	conds := append([]string{"attribute_exists(id)"}, u.conds...)
	condExpr := strings.Join(conds, " AND ")

	hasExtra := false
	for _, g := range extra {
		if len(g.Items) > 0 {
			hasExtra = true
		}
	}

	if !hasExtra {
		_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:                 &s.tableName,
			Key:                       orderKey(id),
			UpdateExpression:          &setExpr,
			ConditionExpression:       &condExpr,
			ExpressionAttributeNames:  u.names,
			ExpressionAttributeValues: u.values,
		})
		if err != nil {
			if aws.IsConditionFailed(err) {
				return ErrStatusMismatch
			}
			return fmt.Errorf("update item: %w", err)
		}
		return nil
	}

	orderGroup := aws.TxGroup{
		Items: []types.TransactWriteItem{{
			Update: &types.Update{
				TableName:                 &s.tableName,
				Key:                       orderKey(id),
				UpdateExpression:          &setExpr,
				ConditionExpression:       &condExpr,
				ExpressionAttributeNames:  u.names,
				ExpressionAttributeValues: u.values,
			},
		}},
		OnConditionFailed: func(int) error { return ErrStatusMismatch },
	}
	return aws.TransactWrite(ctx, s.client, append([]aws.TxGroup{orderGroup}, extra...)...)
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func boolPtr(b bool) *bool { return &b }
