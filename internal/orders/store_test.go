package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/aws/awstest"
	"github.com/boutique/orderpay/internal/inventory"
	"github.com/boutique/orderpay/internal/money"
)

const (
	ordersTable   = "orders"
	productsTable = "products"
	userIndex     = "user-index"
)

func newTestStore(t *testing.T) (*Store, *awstest.DynamoDB) {
	t.Helper()
	db := awstest.NewDynamoDB()
	db.CreateTable(ordersTable, "id")
	db.CreateIndex(ordersTable, userIndex, "user", "createdAt")
	db.CreateTable(productsTable, "id")
	return NewStore(db, ordersTable, userIndex), db
}

func seedProduct(t *testing.T, db *awstest.DynamoDB, p inventory.Product) {
	t.Helper()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		t.Fatalf("marshal product: %v", err)
	}
	db.Seed(productsTable, item)
}

func stockOf(t *testing.T, db *awstest.DynamoDB, id string) int {
	t.Helper()
	var p inventory.Product
	if err := attributevalue.UnmarshalMap(db.Item(productsTable, id), &p); err != nil {
		t.Fatalf("unmarshal product: %v", err)
	}
	return p.Stock
}

func newOrder(id, user string) *Order {
	return &Order{
		ID:   id,
		User: user,
		Items: []OrderItem{
			{Product: "p1", Name: "Linen Shirt", Price: money.MustParse("49.90"), Quantity: 2},
		},
		ShippingAddress: ShippingAddress{FullName: "Ada L", Address: "1 Main St", City: "Izmir", Country: "TR"},
		ContactInfo:     ContactInfo{Email: "ada@example.com", Phone: "+905550000000"},
		PaymentMethod:   MethodCreditCard,
		PaymentStatus:   PaymentPending,
		OrderStatus:     OrderPending,
		TotalPrice:      money.MustParse("99.80"),
		ShippingCost:    money.Zero,
	}
}

func reserve(t *testing.T, db *awstest.DynamoDB, lines ...inventory.Line) *inventory.Reservation {
	t.Helper()
	ledger := inventory.NewLedger(db, productsTable, nil)
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := ledger.GetMany(context.Background(), ids)
	if err != nil {
		t.Fatalf("get products: %v", err)
	}
	r, err := ledger.Plan(lines, products)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return r
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return fixed }

	if err := store.Create(ctx, newOrder("o1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.User != "u1" || got.PaymentStatus != PaymentPending || got.OrderStatus != OrderPending {
		t.Fatalf("unexpected order: %#v", got)
	}
	if !got.TotalPrice.Equal(money.MustParse("99.80")) || !got.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected total/createdAt: %s %s", got.TotalPrice, got.CreatedAt)
	}

	if err := store.Create(ctx, newOrder("o1", "u2")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateIsAllOrNothing(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, db, inventory.Product{ID: "a", Stock: 5})
	seedProduct(t, db, inventory.Product{ID: "b", Stock: 5})

	r := reserve(t, db,
		inventory.Line{ProductID: "a", Quantity: 1},
		inventory.Line{ProductID: "b", Quantity: 5},
	)
	// b sells out between planning and commit
	seedProduct(t, db, inventory.Product{ID: "b", Stock: 0})

	err := store.Create(ctx, newOrder("o1", "u1"), r.DecrementOps())
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var se *inventory.StockError
	if !errors.As(err, &se) || se.ProductID != "b" {
		t.Fatalf("expected stock error for b, got %v", err)
	}
	if _, err := store.Get(ctx, "o1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("order row must not exist, got %v", err)
	}
	if got := stockOf(t, db, "a"); got != 5 {
		t.Fatalf("stock of a = %d, want 5", got)
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"o1", "o2", "o3"} {
		o := newOrder(id, "u1")
		o.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.Create(ctx, newOrder("other", "u2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := store.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "o3" || list[2].ID != "o1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(all))
	}
}

func TestSettlePaymentDecrementsOnce(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, db, inventory.Product{ID: "p1", Stock: 4})
	if err := store.Create(ctx, newOrder("o1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	st := Settlement{PaymentID: "pay-1", Details: `{"status":"success"}`}
	for i := 0; i < 3; i++ {
		r := reserve(t, db, inventory.Line{ProductID: "p1", Quantity: 2})
		err := store.SettlePayment(ctx, "o1", st, r.DecrementOps())
		if i == 0 && err != nil {
			t.Fatalf("settle: %v", err)
		}
		if i > 0 && !errors.Is(err, ErrStatusMismatch) {
			t.Fatalf("redelivery %d: expected ErrStatusMismatch, got %v", i, err)
		}
	}

	got, _ := store.Get(ctx, "o1")
	if got.PaymentStatus != PaymentPaid || got.OrderStatus != OrderProcessing || !got.InventoryApplied || got.PaymentID != "pay-1" {
		t.Fatalf("unexpected settled order: %#v", got)
	}
	if s := stockOf(t, db, "p1"); s != 2 {
		t.Fatalf("stock = %d, want exactly one decrement to 2", s)
	}
}

func TestSettleWithoutInventoryFlagsOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newOrder("o1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SettleWithoutInventory(ctx, "o1", Settlement{PaymentID: "pay-1"}, FlagStockShortfall); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ := store.Get(ctx, "o1")
	if got.PaymentStatus != PaymentPaid || got.InventoryApplied || got.ReconciliationFlag != FlagStockShortfall {
		t.Fatalf("unexpected order: %#v", got)
	}
}

func TestSettlePaymentRecordsFlag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newOrder("o1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SettlePayment(ctx, "o1", Settlement{PaymentID: "pay-1", Flag: FlagAmountMismatch}, aws.TxGroup{}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ := store.Get(ctx, "o1")
	if got.PaymentStatus != PaymentPaid || got.ReconciliationFlag != FlagAmountMismatch {
		t.Fatalf("unexpected order: %#v", got)
	}
}

func TestFailPaymentOnlyFromPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newOrder("o1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.FailPayment(ctx, "o1", "card declined", ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := store.Get(ctx, "o1")
	if got.PaymentStatus != PaymentFailed || got.OrderStatus != OrderPending || got.PaymentError != "card declined" {
		t.Fatalf("unexpected order: %#v", got)
	}

	if err := store.SettlePayment(ctx, "o1", Settlement{PaymentID: "late"}, aws.TxGroup{}); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("late success must not settle a failed payment, got %v", err)
	}
	if err := store.FailPayment(ctx, "missing", "x", ""); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch for missing order, got %v", err)
	}
}

func TestTransitionWithRestock(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, db, inventory.Product{ID: "p1", Stock: 4})

	o := newOrder("o1", "u1")
	o.InventoryApplied = true
	r := reserve(t, db, inventory.Line{ProductID: "p1", Quantity: 2})
	if err := store.Create(ctx, o, r.DecrementOps()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s := stockOf(t, db, "p1"); s != 2 {
		t.Fatalf("stock after create = %d", s)
	}

	from := CustomerCancellable()
	if err := store.TransitionOrderStatus(ctx, "o1", from, OrderCancelled, r.IncrementOps()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s := stockOf(t, db, "p1"); s != 4 {
		t.Fatalf("stock after cancel = %d, want 4", s)
	}

	// a second cancellation is rejected and never restocks twice
	if err := store.TransitionOrderStatus(ctx, "o1", from, OrderCancelled, r.IncrementOps()); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
	if s := stockOf(t, db, "p1"); s != 4 {
		t.Fatalf("stock after repeated cancel = %d, want 4", s)
	}
	got, _ := store.Get(ctx, "o1")
	if got.OrderStatus != OrderCancelled || !got.InventoryRestocked {
		t.Fatalf("unexpected order: %#v", got)
	}
}

func TestTransitionRejectsTerminalStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	o := newOrder("o1", "u1")
	o.OrderStatus = OrderDelivered
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.TransitionOrderStatus(ctx, "o1", CustomerCancellable(), OrderCancelled, aws.TxGroup{})
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
}

func TestCancelWithoutRestockGroupRequiresNoInventory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	o := newOrder("o1", "u1")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	// settlement lands between the caller's read and its cancel
	if err := store.SettlePayment(ctx, "o1", Settlement{PaymentID: "pay-1"}, aws.TxGroup{}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	err := store.TransitionOrderStatus(ctx, "o1", CustomerCancellable(), OrderCancelled, aws.TxGroup{})
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("cancel of a stocked order without restock must fail, got %v", err)
	}

	if err := store.CancelWithoutRestock(ctx, "o1", CustomerCancellable(), FlagRestockFailed); err != nil {
		t.Fatalf("cancel without restock: %v", err)
	}
	got, _ := store.Get(ctx, "o1")
	if got.OrderStatus != OrderCancelled || !got.InventoryRestocked || got.ReconciliationFlag != FlagRestockFailed {
		t.Fatalf("unexpected order: %#v", got)
	}
}
