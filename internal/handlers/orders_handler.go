package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/apperr"
	"github.com/boutique/orderpay/internal/auth"
	"github.com/boutique/orderpay/internal/checkout"
	"github.com/boutique/orderpay/internal/orders"
	"github.com/boutique/orderpay/internal/payment"
	"github.com/boutique/orderpay/internal/validation"
)

const maxBodyBytes = 1 << 20

// Checkout creates orders and starts card payments.
type Checkout interface {
	CreateOrder(ctx context.Context, who checkout.Identity, req validation.CreateOrderRequest, replay checkout.Replay) (*checkout.CreateResult, error)
	InitializePayment(ctx context.Context, who checkout.Identity, req validation.InitializePaymentRequest) (*checkout.PaymentSession, error)
}

// OrderManager reads orders and applies status changes on behalf of a caller.
type OrderManager interface {
	Get(ctx context.Context, actor orders.Actor, id string) (*orders.Order, error)
	List(ctx context.Context, actor orders.Actor, all bool) ([]orders.Order, error)
	UpdateStatus(ctx context.Context, actor orders.Actor, id string, to orders.OrderStatus) (*orders.Order, error)
}

// HandlerConfig groups dependencies for the order and payment routes.
type HandlerConfig struct {
	Auth       *auth.Authenticator
	Checkout   Checkout
	Orders     OrderManager
	Verifier   *payment.Verifier
	Reconciler *payment.Reconciler
	RetryQueue payment.RetryQueue   // nil disables queued retries
	Anomalies  payment.AnomalyRecorder
	Validator  *validatorv10.Validate
	Logger     *zap.Logger

	// FrontendBaseURL is where the redirect callback variant sends the browser.
	FrontendBaseURL string
}

func (cfg HandlerConfig) withDefaults() HandlerConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	cfg.FrontendBaseURL = strings.TrimRight(cfg.FrontendBaseURL, "/")
	return cfg
}

type ordersHandler struct {
	checkout Checkout
	orders   OrderManager
	validate *validatorv10.Validate
	logger   *zap.Logger
}

// RegisterOrdersRoutes registers the authenticated order routes.
func RegisterOrdersRoutes(r gin.IRouter, cfg HandlerConfig) {
	cfg = cfg.withDefaults()
	h := &ordersHandler{
		checkout: cfg.Checkout,
		orders:   cfg.Orders,
		validate: cfg.Validator,
		logger:   cfg.Logger,
	}

	g := r.Group("/orders", cfg.Auth.Middleware())
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
}

func (h *ordersHandler) create(c *gin.Context) {
	who, _ := auth.FromContext(c)

	// The request hash ties an Idempotency-Key to one payload.
	raw, err := readBody(c)
	if err != nil {
		respondError(c, h.logger, apperr.Validation("request body too large or unreadable"))
		return
	}
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}

	sum := sha256.Sum256(raw)
	res, err := h.checkout.CreateOrder(c.Request.Context(),
		checkout.Identity{UserID: who.UserID, IP: c.ClientIP()},
		req,
		checkout.Replay{Key: strings.TrimSpace(c.GetHeader("Idempotency-Key")), RequestHash: hex.EncodeToString(sum[:])},
	)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/orders/%s", res.Order.ID))
	if res.Replayed {
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, res.Order)
		return
	}
	c.JSON(http.StatusCreated, res.Order)
}

func (h *ordersHandler) list(c *gin.Context) {
	list, err := h.orders.List(c.Request.Context(), actor(c), c.Query("all") == "true")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ordersHandler) get(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *ordersHandler) update(c *gin.Context) {
	var req validation.UpdateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	o, err := h.orders.UpdateStatus(c.Request.Context(), actor(c), c.Param("id"), orders.OrderStatus(req.OrderStatus))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func actor(c *gin.Context) orders.Actor {
	who, _ := auth.FromContext(c)
	return orders.Actor{UserID: who.UserID, Admin: who.IsAdmin()}
}

// readBody reads the request body and puts it back so it can be bound again.
func readBody(c *gin.Context) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}
