// Package checkout turns client carts into persisted, stock-checked orders, and
// starts 3-D Secure card payments for them.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/apperr"
	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/idempotency"
	"github.com/boutique/orderpay/internal/inventory"
	"github.com/boutique/orderpay/internal/money"
	"github.com/boutique/orderpay/internal/observability"
	"github.com/boutique/orderpay/internal/orders"
	"github.com/boutique/orderpay/internal/payment"
	"github.com/boutique/orderpay/internal/validation"
)

// A direct order commits the order row, an idempotency record and one stock
// update per product in one transaction.
const maxDirectProducts = aws.MaxTransactItems - 2

// Ledger is the inventory the orchestrator reads and plans against.
type Ledger interface {
	GetMany(ctx context.Context, ids []string) (map[string]inventory.Product, error)
	Plan(lines []inventory.Line, products map[string]inventory.Product) (*inventory.Reservation, error)
}

// OrderStore persists orders.
type OrderStore interface {
	Create(ctx context.Context, order *orders.Order, extra ...aws.TxGroup) error
	Get(ctx context.Context, id string) (*orders.Order, error)
	FailPayment(ctx context.Context, id, message, details string) error
}

// IdempotencyStore records client Idempotency-Key usage.
type IdempotencyStore interface {
	PutOp(key, orderID, requestHash string, responseStatus int) (aws.TxGroup, error)
	Get(ctx context.Context, key string) (*idempotency.IdempotencyRecord, error)
}

// Config holds the pricing and gateway settings.
type Config struct {
	Policy         Policy
	Shipping       ShippingRule
	Currency       string
	CallbackURL    string
	GatewayTimeout time.Duration
}

// Deps groups the Service's collaborators.
type Deps struct {
	Ledger      Ledger
	Orders      OrderStore
	Idempotency IdempotencyStore
	Gateway     payment.Gateway
	Events      *orders.EventSink
	Logger      *zap.Logger
	NewID       func() string
}

// Service is the checkout orchestrator.
type Service struct {
	ledger  Ledger
	orders  OrderStore
	idem    IdempotencyStore
	gateway payment.Gateway
	events  *orders.EventSink
	cfg     Config
	logger  *zap.Logger
	newID   func() string
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "TRY"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		ledger:  deps.Ledger,
		orders:  deps.Orders,
		idem:    deps.Idempotency,
		gateway: deps.Gateway,
		events:  deps.Events,
		cfg:     cfg,
		logger:  logger,
		newID:   newID,
	}
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	IP     string
}

// Replay identifies a client retry. Key is the raw Idempotency-Key header and
// RequestHash a digest of the request body.
type Replay struct {
	Key         string
	RequestHash string
}

// CreateResult is the outcome of CreateOrder.
type CreateResult struct {
	Order *orders.Order
	// Replayed is set when the order was created by an earlier request with the
	// same idempotency key.
	Replayed bool
}

// CreateOrder validates the cart, prices it and, in one transaction, persists the
// order and decrements stock for every line. Either everything is written or
// nothing is. Card payments must go through InitializePayment.
func (s *Service) CreateOrder(ctx context.Context, who Identity, req validation.CreateOrderRequest, replay Replay) (res *CreateResult, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.create_order")
	defer span.End()
	defer func() { observability.RecordCheckout("direct", outcome(err, res != nil && res.Replayed)) }()

	method := orders.PaymentMethod(req.PaymentMethod)
	if method == orders.MethodCreditCard {
		return nil, apperr.Validation("card payments must be started with /payment/initialize")
	}
	if !orders.ValidPaymentMethod(method) {
		return nil, apperr.Validation("unknown payment method %q", req.PaymentMethod)
	}

	var recordKey string
	if replay.Key != "" {
		recordKey = idempotency.RequestKey(who.UserID, replay.Key)
		if prior, err := s.replayed(ctx, recordKey, replay.RequestHash); prior != nil || err != nil {
			return prior, err
		}
	}

	lines := toLines(req.Items)
	products, reservation, err := s.reserve(ctx, lines)
	if err != nil {
		return nil, err
	}
	if reservation.Len() > maxDirectProducts {
		return nil, apperr.Validation("an order may contain at most %d different products", maxDirectProducts)
	}
	quote, err := QuoteOrder(lines, products, req.TotalPrice, req.ShippingCost, s.cfg.Policy, s.cfg.Shipping)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	order := s.newOrder(who.UserID, req.Items, products, quote, method, address(req.ShippingAddress), contact(req.ContactInfo))
	order.InventoryApplied = true
	span.SetAttributes(attribute.String("order.id", order.ID))
	log := observability.WithTrace(ctx, s.logger).With(zap.String("order_id", order.ID), zap.String("user_id", who.UserID))
	if quote.ClientTotalIgnored {
		log.Info("client total ignored", zap.Stringer("client_total", req.TotalPrice), zap.String("total", quote.Total.Fixed()))
	}
	for _, m := range reservation.Missing {
		log.Warn("line references missing product; stock untouched", zap.String("product_id", m.ProductID))
	}

	groups := []aws.TxGroup{reservation.DecrementOps()}
	if recordKey != "" {
		op, err := s.idem.PutOp(recordKey, order.ID, replay.RequestHash, 201)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		groups = append(groups, op)
	}

	err = s.orders.Create(ctx, order, groups...)
	switch {
	case err == nil:
	case errors.Is(err, inventory.ErrInsufficientStock):
		return nil, s.refineStockError(ctx, lines, err)
	case errors.Is(err, idempotency.ErrDuplicateRequest):
		// a concurrent request with the same key won
		prior, rerr := s.replayed(ctx, recordKey, replay.RequestHash)
		if rerr != nil || prior != nil {
			return prior, rerr
		}
		return nil, apperr.New(apperr.KindConflict, "a request with this idempotency key is in progress")
	default:
		return nil, apperr.Internal(fmt.Errorf("create order: %w", err))
	}

	log.Info("order created",
		zap.String("payment_method", string(method)),
		zap.String("total", order.TotalPrice.Fixed()),
		zap.Int("products", reservation.Len()),
	)
	s.events.Emit(ctx, orders.EventCreated, order)
	return &CreateResult{Order: order}, nil
}

// PaymentSession is the outcome of InitializePayment.
type PaymentSession struct {
	Order         *orders.Order
	ChallengeHTML string
	PaymentID     string
}

// InitializePayment checks stock without taking it, persists a pending card order
// and asks the gateway for a 3-D Secure challenge. Stock is decremented only when
// the callback confirms the payment.
func (s *Service) InitializePayment(ctx context.Context, who Identity, req validation.InitializePaymentRequest) (sess *PaymentSession, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.initialize_payment")
	defer span.End()
	defer func() { observability.RecordCheckout("card", outcome(err, false)) }()

	if !payment.ValidNationalID(req.IdentityNumber) {
		return nil, apperr.Validation("identity number is invalid").WithDetails(map[string]any{"field": "identityNumber"})
	}

	lines := toLines(req.Items)
	products, _, err := s.reserve(ctx, lines)
	if err != nil {
		return nil, err
	}
	quote, err := QuoteOrder(lines, products, req.TotalPrice, req.ShippingCost, s.cfg.Policy, s.cfg.Shipping)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	order := s.newOrder(who.UserID, req.Items, products, quote, orders.MethodCreditCard, address(req.ShippingAddress), contact(req.ContactInfo))
	order.ConversationID = order.ID
	span.SetAttributes(attribute.String("order.id", order.ID))
	log := observability.WithTrace(ctx, s.logger).With(zap.String("order_id", order.ID), zap.String("user_id", who.UserID))

	basket, basketTotal, err := payment.BuildBasket(order)
	if err != nil {
		return nil, apperr.Validation("order total does not match its items").WithDetails(map[string]any{"total": order.TotalPrice})
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, apperr.Internal(fmt.Errorf("create order: %w", err))
	}
	s.events.Emit(ctx, orders.EventCreated, order)

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	session, err := s.gateway.InitializeThreeDS(gctx, s.threeDSRequest(order, who, req, basket, basketTotal))

	var declined *payment.DeclinedError
	switch {
	case err == nil:
	case errors.As(err, &declined):
		msg := gatewayMessage(declined.Message)
		if ferr := s.orders.FailPayment(ctx, order.ID, msg, ""); ferr != nil {
			log.Error("record declined payment failed", zap.Error(ferr))
		} else {
			order.PaymentStatus, order.PaymentError = orders.PaymentFailed, msg
			s.events.Emit(ctx, orders.EventPaymentFailed, order)
		}
		log.Info("payment declined at initialization", zap.String("code", declined.Code))
		return nil, apperr.Wrap(apperr.KindGateway, msg, err).WithDetails(map[string]any{"orderId": order.ID})
	case errors.Is(err, payment.ErrGatewayTimeout), errors.Is(err, context.DeadlineExceeded):
		// The gateway may still complete and call back; leave the order pending.
		log.Warn("payment gateway timed out; order left pending")
		return nil, apperr.Wrap(apperr.KindGateway, "payment gateway did not respond, try again", err).
			WithDetails(map[string]any{"orderId": order.ID})
	default:
		log.Error("payment initialization failed; order left pending", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindGateway, "payment failed, try again", err).
			WithDetails(map[string]any{"orderId": order.ID})
	}

	log.Info("3-D Secure challenge issued", zap.String("payment_id", session.PaymentID), zap.String("card_last4", req.Card.Last4()))
	return &PaymentSession{Order: order, ChallengeHTML: session.ChallengeHTML, PaymentID: session.PaymentID}, nil
}

// reserve loads the cart's products and plans the stock it needs.
func (s *Service) reserve(ctx context.Context, lines []inventory.Line) (map[string]inventory.Product, *inventory.Reservation, error) {
	products, err := s.ledger.GetMany(ctx, productIDs(lines))
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	for _, l := range lines {
		if _, ok := products[l.ProductID]; !ok {
			return nil, nil, apperr.NotFound("product %s not found", l.ProductID).WithDetails(map[string]any{"product": l.ProductID})
		}
	}
	reservation, err := s.ledger.Plan(lines, products)
	if err != nil {
		var se *inventory.StockError
		if errors.As(err, &se) {
			return nil, nil, stockError(se)
		}
		return nil, nil, apperr.Validation("%s", err.Error())
	}
	return products, reservation, nil
}

// refineStockError re-reads stock after a transaction lost a race so the caller
// learns which line failed and how much is left.
func (s *Service) refineStockError(ctx context.Context, lines []inventory.Line, cause error) error {
	if _, _, err := s.reserve(ctx, lines); err != nil && apperr.Is(err, apperr.KindInsufficientStock) {
		return err
	}
	var se *inventory.StockError
	if errors.As(cause, &se) {
		return stockError(se)
	}
	return apperr.Wrap(apperr.KindInsufficientStock, "insufficient stock", cause)
}

// replayed returns the result of an earlier request that used key.
func (s *Service) replayed(ctx context.Context, key, requestHash string) (*CreateResult, error) {
	rec, err := s.idem.Get(ctx, key)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestHash != "" && requestHash != "" && rec.RequestHash != requestHash {
		return nil, apperr.New(apperr.KindConflict, "idempotency key was used with a different request")
	}
	order, err := s.orders.Get(ctx, rec.OrderID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("load replayed order %s: %w", rec.OrderID, err))
	}
	return &CreateResult{Order: order, Replayed: true}, nil
}

func (s *Service) newOrder(userID string, items []validation.Item, products map[string]inventory.Product, q Quote, method orders.PaymentMethod, ship orders.ShippingAddress, ci orders.ContactInfo) *orders.Order {
	lines := make([]orders.OrderItem, 0, len(items))
	for _, it := range items {
		p := products[it.Product]
		name, image := it.Name, it.Image
		if name == "" {
			name = p.Name
		}
		if image == "" {
			image = p.Image
		}
		lines = append(lines, orders.OrderItem{
			Product:  it.Product,
			Name:     name,
			Image:    image,
			Price:    p.Price,
			Quantity: it.Quantity,
			Size:     it.Size,
			Color:    it.Color,
		})
	}
	return &orders.Order{
		ID:              s.newID(),
		User:            userID,
		Items:           lines,
		ShippingAddress: ship,
		ContactInfo:     ci,
		PaymentMethod:   method,
		PaymentStatus:   orders.PaymentPending,
		OrderStatus:     orders.OrderPending,
		TotalPrice:      q.Total,
		ShippingCost:    q.Shipping,
	}
}

func (s *Service) threeDSRequest(o *orders.Order, who Identity, req validation.InitializePaymentRequest, basket []payment.BasketItem, total money.Amount) payment.ThreeDSRequest {
	name, surname := splitName(req.ShippingAddress.FullName)
	addr := payment.Address{
		ContactName: req.ShippingAddress.FullName,
		City:        req.ShippingAddress.City,
		Country:     req.ShippingAddress.Country,
		Address:     req.ShippingAddress.Address,
		PostalCode:  req.ShippingAddress.PostalCode,
	}
	return payment.ThreeDSRequest{
		ConversationID: o.ConversationID,
		BasketID:       o.ID,
		Price:          total,
		PaidPrice:      o.TotalPrice.Round2(),
		Currency:       s.cfg.Currency,
		CallbackURL:    s.cfg.CallbackURL,
		Card: payment.Card{
			HolderName:  req.Card.HolderName,
			Number:      req.Card.Number,
			ExpireMonth: req.Card.ExpireMonth,
			ExpireYear:  req.Card.ExpireYear,
			CVC:         req.Card.CVC,
		},
		Buyer: payment.Buyer{
			ID:             o.User,
			Name:           name,
			Surname:        surname,
			Email:          req.ContactInfo.Email,
			Phone:          req.ContactInfo.Phone,
			IdentityNumber: req.IdentityNumber,
			Address:        req.ShippingAddress.Address,
			City:           req.ShippingAddress.City,
			Country:        req.ShippingAddress.Country,
			IP:             who.IP,
		},
		ShippingAddress: addr,
		BillingAddress:  addr,
		Items:           basket,
	}
}

func stockError(se *inventory.StockError) *apperr.Error {
	details := map[string]any{"product": se.ProductID, "requested": se.Requested}
	if se.Color != "" {
		details["color"] = se.Color
	}
	if se.Size != "" {
		details["size"] = se.Size
	}
	if se.Available >= 0 {
		details["available"] = se.Available
	}
	return apperr.Wrap(apperr.KindInsufficientStock, se.Error(), se).WithDetails(details)
}

func toLines(items []validation.Item) []inventory.Line {
	lines := make([]inventory.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, inventory.Line{ProductID: it.Product, Quantity: it.Quantity, Color: it.Color, Size: it.Size})
	}
	return lines
}

func productIDs(lines []inventory.Line) []string {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	return ids
}

func address(a validation.Address) orders.ShippingAddress {
	return orders.ShippingAddress{
		FullName:   a.FullName,
		Address:    a.Address,
		City:       a.City,
		District:   a.District,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

func contact(c validation.Contact) orders.ContactInfo {
	return orders.ContactInfo{Email: c.Email, Phone: c.Phone}
}

// splitName splits "Ada King Lovelace" into "Ada King" and "Lovelace". The
// gateway requires both parts.
func splitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	i := strings.LastIndex(full, " ")
	if i < 0 {
		return full, full
	}
	return strings.TrimSpace(full[:i]), full[i+1:]
}

func gatewayMessage(msg string) string {
	if msg == "" {
		return "payment failed, try again"
	}
	return msg
}

func outcome(err error, replayed bool) string {
	switch {
	case err != nil:
		return string(apperr.KindOf(err))
	case replayed:
		return "replayed"
	default:
		return "ok"
	}
}
