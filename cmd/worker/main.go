package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/config"
	"github.com/boutique/orderpay/internal/inventory"
	"github.com/boutique/orderpay/internal/observability"
	"github.com/boutique/orderpay/internal/orders"
	"github.com/boutique/orderpay/internal/payment"
)

const serviceName = "orderpay-worker"

func main() {
	logger, err := observability.NewLogger(serviceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}

	store := orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.OrdersUserIndex)
	reconciler := payment.NewReconciler(payment.ReconcilerDeps{
		Orders:    store,
		Inventory: inventory.NewLedger(clients.DynamoDB, cfg.ProductsTable, logger),
		Gateway: payment.NewIyzicoClient(payment.IyzicoConfig{
			BaseURL:   cfg.GatewayBaseURL,
			APIKey:    cfg.GatewayAPIKey,
			SecretKey: cfg.GatewaySecretKey,
			Timeout:   cfg.GatewayTimeout,
		}, logger),
		Anomalies: aws.NewAnomalyRecorder(clients.CloudWatch, cfg.MetricsNamespace),
		Events:    orders.NewEventSink(aws.NewPublisher(clients.SQS, cfg.EventsQueueURL), logger),
		Logger:    logger,
	})
	p := NewProcessor(reconciler, logger)

	// If RUN_LOCAL=true, process a single message body from LOCAL_SQS_BODY and exit.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Fatal("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		resp, _ := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}})
		if len(resp.BatchItemFailures) > 0 {
			logger.Fatal("local message failed")
		}
		return
	}

	lambda.Start(p.Handle)
}
