package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/auth"
	"github.com/boutique/orderpay/internal/aws"
	"github.com/boutique/orderpay/internal/checkout"
	"github.com/boutique/orderpay/internal/config"
	"github.com/boutique/orderpay/internal/handlers"
	"github.com/boutique/orderpay/internal/idempotency"
	"github.com/boutique/orderpay/internal/inventory"
	"github.com/boutique/orderpay/internal/money"
	"github.com/boutique/orderpay/internal/observability"
	"github.com/boutique/orderpay/internal/orders"
	"github.com/boutique/orderpay/internal/payment"
)

const serviceName = "orderpay-api"

func setupRouter(cfg config.Config, clients *aws.AWSClients, logger *zap.Logger) *gin.Engine {
	ledger := inventory.NewLedger(clients.DynamoDB, cfg.ProductsTable, logger)
	store := orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.OrdersUserIndex)
	idem := idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
	lifecycle := orders.NewEventSink(aws.NewPublisher(clients.SQS, cfg.EventsQueueURL), logger)
	anomalies := aws.NewAnomalyRecorder(clients.CloudWatch, cfg.MetricsNamespace)

	gateway := payment.NewIyzicoClient(payment.IyzicoConfig{
		BaseURL:   cfg.GatewayBaseURL,
		APIKey:    cfg.GatewayAPIKey,
		SecretKey: cfg.GatewaySecretKey,
		Timeout:   cfg.GatewayTimeout,
	}, logger)

	policy := checkout.PolicyStrict
	if !cfg.StrictTotals {
		policy = checkout.PolicyLegacy
	}
	svc := checkout.NewService(checkout.Config{
		Policy: policy,
		Shipping: checkout.ShippingRule{
			FlatCost:      money.New(cfg.ShippingFlatCost),
			FreeThreshold: money.New(cfg.ShippingFreeThreshold),
		},
		Currency:       cfg.Currency,
		CallbackURL:    cfg.GatewayCallbackURL,
		GatewayTimeout: cfg.GatewayTimeout,
	}, checkout.Deps{
		Ledger:      ledger,
		Orders:      store,
		Idempotency: idem,
		Gateway:     gateway,
		Events:      lifecycle,
		Logger:      logger,
	})

	hc := handlers.HandlerConfig{
		Auth:     auth.NewAuthenticator(cfg.JWTSecret, logger),
		Checkout: svc,
		Orders:   orders.NewManager(store, ledger, lifecycle, logger),
		Verifier: payment.NewVerifier(cfg.CallbackSecret, cfg.CallbackRequireSignature, idem, logger),
		Reconciler: payment.NewReconciler(payment.ReconcilerDeps{
			Orders:    store,
			Inventory: ledger,
			Gateway:   gateway,
			Anomalies: anomalies,
			Events:    lifecycle,
			Logger:    logger,
		}),
		Anomalies:       anomalies,
		Logger:          logger,
		FrontendBaseURL: cfg.FrontendBaseURL,
	}
	if cfg.CallbackRetryQueueURL != "" {
		hc.RetryQueue = aws.NewPublisher(clients.SQS, cfg.CallbackRetryQueueURL)
	} else {
		logger.Warn("CALLBACK_RETRY_QUEUE_URL not set; failed callbacks rely on gateway redelivery")
	}
	return handlers.NewRouter(serviceName, hc)
}

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

	r := setupRouter(cfg, clients, logger)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		runLocal(r, ":"+cfg.Port, logger)
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func runLocal(h http.Handler, addr string, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("running local server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("local server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
