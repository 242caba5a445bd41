package payment

import (
	"context"
	"time"
)

// RetryMessage carries a callback whose processing hit an internal error. The
// body passed signature verification when it was received, so the worker
// replays it without verifying again.
type RetryMessage struct {
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	OrderID     string    `json:"orderId,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Callback decodes the queued body.
func (m RetryMessage) Callback() (*Callback, error) {
	return ParseCallback(m.ContentType, m.Body)
}

// RetryQueue accepts callbacks for a later reconciliation attempt.
type RetryQueue interface {
	PublishJSON(ctx context.Context, payload any, attributes map[string]string) error
}

// Enqueue publishes msg to q with the order id as a message attribute.
func Enqueue(ctx context.Context, q RetryQueue, msg RetryMessage) error {
	attrs := map[string]string{"kind": "payment_callback"}
	if msg.OrderID != "" {
		attrs["order_id"] = msg.OrderID
	}
	return q.PublishJSON(ctx, msg, attrs)
}
