package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/payment"
)

// Reconciler applies one payment callback.
type Reconciler interface {
	Reconcile(ctx context.Context, cb *payment.Callback) (payment.Outcome, error)
}

// Processor replays queued payment callbacks through the reconciler.
type Processor struct {
	reconciler Reconciler
	logger     *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(r Reconciler, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{reconciler: r, logger: logger}
}

// Handle processes an SQS batch. Messages that hit an internal error are
// reported as batch item failures so SQS redelivers only those; after the
// queue's maxReceiveCount they land on the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error("callback retry failed",
				zap.String("message_id", rec.MessageId),
				zap.String("receive_count", rec.Attributes["ApproximateReceiveCount"]),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	log := p.logger.With(zap.String("message_id", rec.MessageId))

	var msg payment.RetryMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		// Redelivery cannot fix a broken body.
		log.Error("dropping undecodable retry message", zap.Error(err))
		return nil
	}
	log = log.With(zap.String("order_id", msg.OrderID), zap.Time("received_at", msg.ReceivedAt))

	cb, err := msg.Callback()
	if err != nil {
		log.Error("dropping malformed callback", zap.Error(err))
		return nil
	}

	outcome, err := p.reconciler.Reconcile(ctx, cb)
	if err != nil {
		return fmt.Errorf("reconcile order %s: %w", cb.OrderID(), err)
	}
	log.Info("callback reconciled", zap.String("outcome", string(outcome)))
	return nil
}
