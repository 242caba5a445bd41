package orders

import (
	"context"
	"testing"

	"github.com/boutique/orderpay/internal/apperr"
	"github.com/boutique/orderpay/internal/aws/awstest"
	"github.com/boutique/orderpay/internal/inventory"
)

func newTestManager(t *testing.T) (*Manager, *Store, *awstest.DynamoDB) {
	t.Helper()
	store, db := newTestStore(t)
	return NewManager(store, inventory.NewLedger(db, productsTable, nil), nil, nil), store, db
}

func TestManagerCustomerCancelRestocksOnce(t *testing.T) {
	m, store, db := newTestManager(t)
	ctx := context.Background()
	seedProduct(t, db, inventory.Product{ID: "p1", Stock: 4})

	o := newOrder("o1", "u1")
	o.PaymentMethod = MethodCashOnDelivery
	o.InventoryApplied = true
	if err := store.Create(ctx, o, reserve(t, db, inventory.Line{ProductID: "p1", Quantity: 2}).DecrementOps()); err != nil {
		t.Fatalf("create: %v", err)
	}

	owner := Actor{UserID: "u1"}
	got, err := m.UpdateStatus(ctx, owner, "o1", OrderCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.OrderStatus != OrderCancelled || !got.InventoryRestocked {
		t.Fatalf("unexpected order: %#v", got)
	}
	if s := stockOf(t, db, "p1"); s != 4 {
		t.Fatalf("stock = %d, want 4", s)
	}

	// repeating the cancel is a no-op
	if _, err := m.UpdateStatus(ctx, owner, "o1", OrderCancelled); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if s := stockOf(t, db, "p1"); s != 4 {
		t.Fatalf("stock after repeat = %d, want 4", s)
	}
}

func TestManagerCustomerRules(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	delivered := newOrder("o1", "u1")
	delivered.OrderStatus = OrderDelivered
	if err := store.Create(ctx, delivered); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newOrder("o2", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	owner := Actor{UserID: "u1"}
	if _, err := m.UpdateStatus(ctx, owner, "o1", OrderCancelled); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("delivered order cancel: expected forbidden, got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, owner, "o2", OrderShipped); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("customer ship: expected forbidden, got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, Actor{UserID: "u2"}, "o2", OrderCancelled); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("non-owner: expected not found, got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, owner, "o2", "lost"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("unknown status: expected validation, got %v", err)
	}

	got, _ := store.Get(ctx, "o1")
	if got.OrderStatus != OrderDelivered {
		t.Fatalf("delivered order changed to %s", got.OrderStatus)
	}
}

func TestManagerAdminTransitions(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	delivered := newOrder("o1", "u1")
	delivered.OrderStatus = OrderDelivered
	if err := store.Create(ctx, delivered); err != nil {
		t.Fatalf("create: %v", err)
	}

	admin := Actor{UserID: "admin", Admin: true}
	got, err := m.UpdateStatus(ctx, admin, "o1", OrderCancelled)
	if err != nil || got.OrderStatus != OrderCancelled {
		t.Fatalf("admin cancel: %+v %v", got, err)
	}
	if _, err := m.UpdateStatus(ctx, admin, "o1", OrderProcessing); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("reopen: expected conflict, got %v", err)
	}
}

func TestManagerList(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	for _, o := range []*Order{newOrder("o1", "u1"), newOrder("o2", "u2")} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	own, err := m.List(ctx, Actor{UserID: "u1"}, true)
	if err != nil || len(own) != 1 {
		t.Fatalf("customer asking for all must only see own orders: %d %v", len(own), err)
	}
	all, err := m.List(ctx, Actor{UserID: "admin", Admin: true}, true)
	if err != nil || len(all) != 2 {
		t.Fatalf("admin all: %d %v", len(all), err)
	}
	none, _ := m.List(ctx, Actor{UserID: "u3"}, false)
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %#v", none)
	}
	if _, err := m.Get(ctx, Actor{UserID: "u2"}, "o1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("foreign order: expected not found, got %v", err)
	}
}
