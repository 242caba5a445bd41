package orders

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/money"
)

// Lifecycle event types.
const (
	EventCreated       = "order.created"
	EventPaid          = "order.paid"
	EventPaymentFailed = "order.payment_failed"
	EventCancelled     = "order.cancelled"
	EventStatusChanged = "order.status_changed"
)

const publishTimeout = 2 * time.Second

// Publisher sends one message to the events queue.
type Publisher interface {
	PublishJSON(ctx context.Context, payload any, attributes map[string]string) error
}

// Event is the message body published for every lifecycle change.
type Event struct {
	Type          string        `json:"type"`
	OrderID       string        `json:"orderId"`
	User          string        `json:"user"`
	OrderStatus   OrderStatus   `json:"orderStatus"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	TotalPrice    money.Amount  `json:"totalPrice"`
	OccurredAt    time.Time     `json:"occurredAt"`
}

// EventSink publishes lifecycle events fire-and-forget: failures are logged and
// never fail the operation that produced them.
type EventSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewEventSink returns a sink. A nil publisher drops events.
func NewEventSink(pub Publisher, logger *zap.Logger) *EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSink{pub: pub, logger: logger}
}

// Emit publishes eventType for o.
func (s *EventSink) Emit(ctx context.Context, eventType string, o *Order) {
	if s == nil || s.pub == nil || o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	evt := Event{
		Type:          eventType,
		OrderID:       o.ID,
		User:          o.User,
		OrderStatus:   o.OrderStatus,
		PaymentStatus: o.PaymentStatus,
		PaymentMethod: o.PaymentMethod,
		TotalPrice:    o.TotalPrice,
		OccurredAt:    time.Now().UTC(),
	}
	err := s.pub.PublishJSON(ctx, evt, map[string]string{"event_type": eventType, "order_id": o.ID})
	if err != nil && !errors.Is(err, aws.ErrPublisherDisabled) {
		s.logger.Warn("publish order event failed",
			zap.String("event_type", eventType),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}
