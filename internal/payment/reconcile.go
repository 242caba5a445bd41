package payment

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/inventory"
	"github.com/boutique/orderpay/internal/observability"
	"github.com/boutique/orderpay/internal/orders"
)

// Outcome is the result of reconciling one callback.
type Outcome string

const (
	OutcomePaid                Outcome = "paid"
	OutcomeAlreadyPaid         Outcome = "already_paid"
	OutcomeFailed              Outcome = "failed"
	OutcomeAlreadyFailed       Outcome = "already_failed"
	OutcomeLateSuccessRejected Outcome = "late_success_rejected"
	OutcomeOrderNotFound       Outcome = "order_not_found"
	OutcomeStockShortfall      Outcome = "stock_shortfall"
)

// Anomaly kinds reported to metrics.
const (
	AnomalyUnsignedCallback   = "unsigned_callback"
	AnomalyInvalidSignature   = "invalid_signature"
	AnomalyReplayedNonce      = "replayed_nonce"
	AnomalyLateSuccess        = "late_success_after_failure"
	AnomalyPaidAfterCancel    = "paid_after_cancel"
	AnomalyFailureAfterPaid   = "failure_after_paid"
	AnomalyOrderNotFound      = "order_not_found"
	AnomalyStockShortfall     = "stock_shortfall"
	AnomalyCallbackError      = "callback_processing_error"
	AnomalyUnconfirmedSuccess = "gateway_confirmation_failed"
	AnomalyAmountMismatch     = "amount_mismatch"
)

// OrderStore is the slice of the orders store the reconciler needs.
type OrderStore interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	SettlePayment(ctx context.Context, id string, st orders.Settlement, stock aws.TxGroup) error
	SettleWithoutInventory(ctx context.Context, id string, st orders.Settlement, flag string) error
	FailPayment(ctx context.Context, id, message, details string) error
	MarkFlag(ctx context.Context, id, flag string) error
}

// StockPlanner reads products and plans a decrement for order lines.
type StockPlanner interface {
	GetMany(ctx context.Context, ids []string) (map[string]inventory.Product, error)
	Plan(lines []inventory.Line, products map[string]inventory.Product) (*inventory.Reservation, error)
}

// AnomalyRecorder publishes anomaly counts to the alerting backend.
type AnomalyRecorder interface {
	RecordAnomaly(ctx context.Context, kind string) error
}

// Reconciler applies gateway callbacks to orders. It is safe to call any number
// of times for the same callback: every transition is a conditional write keyed
// on the order id and its current payment status.
type Reconciler struct {
	orders    OrderStore
	inventory StockPlanner
	gateway   Gateway
	anomalies AnomalyRecorder
	events    *orders.EventSink
	logger    *zap.Logger
}

// ReconcilerDeps groups the Reconciler's collaborators.
type ReconcilerDeps struct {
	Orders    OrderStore
	Inventory StockPlanner
	Gateway   Gateway
	Anomalies AnomalyRecorder
	Events    *orders.EventSink
	Logger    *zap.Logger
}

func NewReconciler(deps ReconcilerDeps) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		orders:    deps.Orders,
		inventory: deps.Inventory,
		gateway:   deps.Gateway,
		anomalies: deps.Anomalies,
		events:    deps.Events,
		logger:    logger,
	}
}

// Reconcile processes one authenticated callback. A returned error is internal
// and retryable; every business outcome, including anomalies, returns nil.
func (r *Reconciler) Reconcile(ctx context.Context, cb *Callback) (Outcome, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", cb.OrderID()))

	outcome, err := r.reconcile(ctx, cb)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("payment.outcome", string(outcome)))
	observability.RecordCallback(string(outcome))
	return outcome, nil
}

func (r *Reconciler) reconcile(ctx context.Context, cb *Callback) (Outcome, error) {
	log := observability.WithTrace(ctx, r.logger).With(
		zap.String("order_id", cb.OrderID()),
		zap.String("payment_id", cb.PaymentID),
	)

	order, err := r.orders.Get(ctx, cb.OrderID())
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn("callback for unknown order")
		r.anomaly(ctx, AnomalyOrderNotFound)
		return OutcomeOrderNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}

	if !cb.Authenticated() {
		return r.fail(ctx, log, order, gatewayMessage(cb.ErrorMessage), string(cb.Raw))
	}

	switch order.PaymentStatus {
	case orders.PaymentPaid:
		log.Info("duplicate success callback")
		return OutcomeAlreadyPaid, nil
	case orders.PaymentFailed:
		return r.rejectLateSuccess(ctx, log)
	}

	// The callback alone is not proof of payment; the gateway must confirm it.
	result, err := r.gateway.CompleteThreeDS(ctx, CompleteRequest{
		ConversationID:   order.ID,
		PaymentID:        cb.PaymentID,
		ConversationData: cb.ConversationData,
	})
	if err != nil {
		return "", fmt.Errorf("complete 3ds: %w", err)
	}
	if !result.Succeeded() {
		r.anomaly(ctx, AnomalyUnconfirmedSuccess)
		msg := result.ErrorMessage
		if msg == "" {
			msg = cb.ErrorMessage
		}
		return r.fail(ctx, log, order, gatewayMessage(msg), string(result.Raw))
	}

	paymentID := result.PaymentID
	if paymentID == "" {
		paymentID = cb.PaymentID
	}
	st := orders.Settlement{PaymentID: paymentID, Details: string(result.Raw)}
	// The money was captured either way; a different amount is settled and flagged.
	if want := order.TotalPrice.Round2(); !result.PaidPrice.IsZero() && !result.PaidPrice.Round2().Equal(want) {
		log.Error("gateway paid price differs from order total",
			zap.String("paid_price", result.PaidPrice.Fixed()),
			zap.String("total_price", want.Fixed()))
		r.anomaly(ctx, AnomalyAmountMismatch)
		st.Flag = orders.FlagAmountMismatch
	}
	return r.settle(ctx, log, order, st)
}

func (r *Reconciler) settle(ctx context.Context, log *zap.Logger, order *orders.Order, st orders.Settlement) (Outcome, error) {
	lines := make([]inventory.Line, 0, len(order.Items))
	ids := make([]string, 0, len(order.Items))
	for _, it := range order.Items {
		lines = append(lines, inventory.Line{ProductID: it.Product, Quantity: it.Quantity, Color: it.Color, Size: it.Size})
		ids = append(ids, it.Product)
	}

	products, err := r.inventory.GetMany(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("load products: %w", err)
	}
	reservation, err := r.inventory.Plan(lines, products)
	if errors.Is(err, inventory.ErrInsufficientStock) {
		return r.settleShortfall(ctx, log, order, st, err)
	}
	if err != nil {
		return "", fmt.Errorf("plan stock: %w", err)
	}
	for _, m := range reservation.Missing {
		log.Warn("paid line references deleted product; stock untouched", zap.String("product_id", m.ProductID))
	}

	err = r.orders.SettlePayment(ctx, order.ID, st, reservation.DecrementOps())
	switch {
	case err == nil:
		order.PaymentStatus, order.OrderStatus = orders.PaymentPaid, orders.OrderProcessing
		log.Info("payment settled", zap.Int("products", reservation.Len()))
		r.events.Emit(ctx, orders.EventPaid, order)
		return OutcomePaid, nil
	case errors.Is(err, inventory.ErrInsufficientStock):
		return r.settleShortfall(ctx, log, order, st, err)
	case errors.Is(err, orders.ErrStatusMismatch):
		return r.reclassify(ctx, log, order.ID, orders.PaymentPaid)
	default:
		return "", fmt.Errorf("settle payment: %w", err)
	}
}

// settleShortfall records a captured payment whose stock is gone. The order is
// paid but flagged so someone can refund or back-order it.
func (r *Reconciler) settleShortfall(ctx context.Context, log *zap.Logger, order *orders.Order, st orders.Settlement, cause error) (Outcome, error) {
	err := r.orders.SettleWithoutInventory(ctx, order.ID, st, orders.FlagStockShortfall)
	if errors.Is(err, orders.ErrStatusMismatch) {
		return r.reclassify(ctx, log, order.ID, orders.PaymentPaid)
	}
	if err != nil {
		return "", fmt.Errorf("settle without inventory: %w", err)
	}
	log.Error("payment captured but stock unavailable", zap.Error(cause))
	r.anomaly(ctx, AnomalyStockShortfall)
	order.PaymentStatus, order.OrderStatus = orders.PaymentPaid, orders.OrderProcessing
	r.events.Emit(ctx, orders.EventPaid, order)
	return OutcomeStockShortfall, nil
}

func (r *Reconciler) fail(ctx context.Context, log *zap.Logger, order *orders.Order, message, details string) (Outcome, error) {
	switch orders.PaymentTransition(order.PaymentStatus, orders.PaymentFailed) {
	case orders.TransitionNoop:
		return OutcomeAlreadyFailed, nil
	case orders.TransitionReject:
		log.Warn("failure callback for settled order ignored", zap.String("payment_status", string(order.PaymentStatus)))
		r.anomaly(ctx, AnomalyFailureAfterPaid)
		return OutcomeAlreadyPaid, nil
	}

	err := r.orders.FailPayment(ctx, order.ID, message, details)
	if errors.Is(err, orders.ErrStatusMismatch) {
		return r.reclassify(ctx, log, order.ID, orders.PaymentFailed)
	}
	if err != nil {
		return "", fmt.Errorf("fail payment: %w", err)
	}
	log.Info("payment failed", zap.String("reason", message))
	order.PaymentStatus = orders.PaymentFailed
	r.events.Emit(ctx, orders.EventPaymentFailed, order)
	return OutcomeFailed, nil
}

func (r *Reconciler) rejectLateSuccess(ctx context.Context, log *zap.Logger) (Outcome, error) {
	log.Error("success callback after payment failed; not settling")
	r.anomaly(ctx, AnomalyLateSuccess)
	return OutcomeLateSuccessRejected, nil
}

// reclassify re-reads an order after a lost conditional write and reports what
// the winning writer left behind.
func (r *Reconciler) reclassify(ctx context.Context, log *zap.Logger, id string, wanted orders.PaymentStatus) (Outcome, error) {
	order, err := r.orders.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reload order: %w", err)
	}
	switch {
	case order.PaymentStatus == orders.PaymentPaid:
		if wanted == orders.PaymentFailed {
			r.anomaly(ctx, AnomalyFailureAfterPaid)
		}
		return OutcomeAlreadyPaid, nil
	case order.PaymentStatus == orders.PaymentFailed:
		if wanted == orders.PaymentPaid {
			return r.rejectLateSuccess(ctx, log)
		}
		return OutcomeAlreadyFailed, nil
	case order.OrderStatus == orders.OrderCancelled && wanted == orders.PaymentPaid:
		log.Error("payment captured for cancelled order; needs refund")
		r.anomaly(ctx, AnomalyPaidAfterCancel)
		if err := r.orders.MarkFlag(ctx, id, AnomalyPaidAfterCancel); err != nil {
			log.Warn("flag order failed", zap.Error(err))
		}
		return OutcomeLateSuccessRejected, nil
	}
	return "", fmt.Errorf("order %s still %s after conditional failure", id, order.PaymentStatus)
}

func (r *Reconciler) anomaly(ctx context.Context, kind string) {
	RecordAnomaly(ctx, r.anomalies, r.logger, kind)
}

// RecordAnomaly counts an anomaly in prometheus and the alerting backend.
func RecordAnomaly(ctx context.Context, rec AnomalyRecorder, logger *zap.Logger, kind string) {
	observability.RecordAnomaly(kind)
	if rec == nil {
		return
	}
	if err := rec.RecordAnomaly(context.WithoutCancel(ctx), kind); err != nil && logger != nil {
		logger.Warn("record anomaly failed", zap.String("kind", kind), zap.Error(err))
	}
}

func gatewayMessage(msg string) string {
	if msg == "" {
		return "payment failed, try again"
	}
	return msg
}
