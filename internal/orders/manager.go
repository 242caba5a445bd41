package orders

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/apperr"
	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/inventory"
)

// StockReturner plans the stock returned when an order is cancelled.
type StockReturner interface {
	GetMany(ctx context.Context, ids []string) (map[string]inventory.Product, error)
	PlanRestock(lines []inventory.Line, products map[string]inventory.Product) (*inventory.Reservation, error)
}

// Actor is the caller of a management operation.
type Actor struct {
	UserID string
	Admin  bool
}

// Manager is the order query and status-management surface.
type Manager struct {
	store  *Store
	stock  StockReturner
	events *EventSink
	logger *zap.Logger
}

func NewManager(store *Store, stock StockReturner, events *EventSink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, stock: stock, events: events, logger: logger}
}

// Get returns an order visible to actor. Orders of other users are reported as
// missing so their existence does not leak.
func (m *Manager) Get(ctx context.Context, actor Actor, id string) (*Order, error) {
	o, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !actor.Admin && o.User != actor.UserID {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o, nil
}

// List returns the actor's orders, or every order when an admin asks for all.
func (m *Manager) List(ctx context.Context, actor Actor, all bool) ([]Order, error) {
	var (
		list []Order
		err  error
	)
	if all && actor.Admin {
		list, err = m.store.List(ctx)
	} else {
		list, err = m.store.ListByUser(ctx, actor.UserID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if list == nil {
		list = []Order{}
	}
	return list, nil
}

// UpdateStatus applies a status change on behalf of actor. Customers may only
// cancel their own pending or processing orders; admins may set any status but
// cannot reopen a cancelled order. Cancelling returns applied stock exactly once.
func (m *Manager) UpdateStatus(ctx context.Context, actor Actor, id string, to OrderStatus) (*Order, error) {
	if !ValidOrderStatus(to) {
		return nil, apperr.Validation("unknown order status %q", to)
	}
	o, err := m.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if o.OrderStatus == to {
		return o, nil
	}

	var from []OrderStatus
	if actor.Admin {
		if !CanAdminTransition(o.OrderStatus, to) {
			return nil, apperr.New(apperr.KindConflict, "a cancelled order cannot be reopened")
		}
		from = []OrderStatus{o.OrderStatus}
	} else {
		if to != OrderCancelled {
			return nil, apperr.Forbidden("customers may only cancel orders")
		}
		if !CanCustomerTransition(o.OrderStatus, to) {
			return nil, apperr.Forbidden("an order that is %s can no longer be cancelled", o.OrderStatus)
		}
		from = CustomerCancellable()
	}

	log := m.logger.With(zap.String("order_id", id), zap.String("from", string(o.OrderStatus)), zap.String("to", string(to)))
	restocked := false
	if to == OrderCancelled && o.InventoryApplied && !o.InventoryRestocked {
		restocked, err = m.cancelAndRestock(ctx, log, o, from)
	} else {
		err = m.store.TransitionOrderStatus(ctx, id, from, to, aws.TxGroup{})
	}
	if errors.Is(err, ErrStatusMismatch) {
		return nil, apperr.New(apperr.KindConflict, "order changed concurrently, reload and retry")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	o.OrderStatus = to
	o.InventoryRestocked = o.InventoryRestocked || restocked
	log.Info("order status updated", zap.Bool("admin", actor.Admin), zap.Bool("restocked", restocked))
	if to == OrderCancelled {
		m.events.Emit(ctx, EventCancelled, o)
	} else {
		m.events.Emit(ctx, EventStatusChanged, o)
	}
	return o, nil
}

func (m *Manager) cancelAndRestock(ctx context.Context, log *zap.Logger, o *Order, from []OrderStatus) (bool, error) {
	lines := make([]inventory.Line, 0, len(o.Items))
	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, inventory.Line{ProductID: it.Product, Quantity: it.Quantity, Color: it.Color, Size: it.Size})
		ids = append(ids, it.Product)
	}
	products, err := m.stock.GetMany(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("load products: %w", err)
	}
	r, err := m.stock.PlanRestock(lines, products)
	if err != nil {
		return false, fmt.Errorf("plan restock: %w", err)
	}
	for _, l := range r.Missing {
		log.Warn("cancelled line references deleted product; not restocked", zap.String("product_id", l.ProductID))
	}

	if r.Len() == 0 {
		return true, m.store.CancelWithoutRestock(ctx, o.ID, from, "")
	}
	err = m.store.TransitionOrderStatus(ctx, o.ID, from, OrderCancelled, r.IncrementOps())
	if errors.Is(err, inventory.ErrRestockFailed) {
		log.Error("restock failed; cancelling without returning stock", zap.Error(err))
		return true, m.store.CancelWithoutRestock(ctx, o.ID, from, FlagRestockFailed)
	}
	return err == nil, err
}
