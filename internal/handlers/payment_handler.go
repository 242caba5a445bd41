package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/apperr"
	"github.com/boutique/orderpay/internal/auth"
	"github.com/boutique/orderpay/internal/checkout"
	"github.com/boutique/orderpay/internal/observability"
	"github.com/boutique/orderpay/internal/payment"
	"github.com/boutique/orderpay/internal/validation"
)

// outcomeQueued is reported when reconciliation was deferred to the retry worker.
const outcomeQueued = "queued"

type paymentHandler struct {
	checkout   Checkout
	verifier   *payment.Verifier
	reconciler *payment.Reconciler
	retry      payment.RetryQueue
	anomalies  payment.AnomalyRecorder
	validate   *validatorv10.Validate
	frontend   string
	logger     *zap.Logger
}

// RegisterPaymentRoutes registers card payment initialization and the two
// gateway callback variants. Callbacks are authenticated by signature, not by
// bearer token.
func RegisterPaymentRoutes(r gin.IRouter, cfg HandlerConfig) {
	cfg = cfg.withDefaults()
	h := &paymentHandler{
		checkout:   cfg.Checkout,
		verifier:   cfg.Verifier,
		reconciler: cfg.Reconciler,
		retry:      cfg.RetryQueue,
		anomalies:  cfg.Anomalies,
		validate:   cfg.Validator,
		frontend:   cfg.FrontendBaseURL,
		logger:     cfg.Logger,
	}

	g := r.Group("/payment")
	g.POST("/initialize", cfg.Auth.Middleware(), h.initialize)
	g.POST("/callback", h.callback)
	g.POST("/callback/redirect", h.callbackRedirect)
}

func (h *paymentHandler) initialize(c *gin.Context) {
	who, _ := auth.FromContext(c)

	var req validation.InitializePaymentRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	sess, err := h.checkout.InitializePayment(c.Request.Context(), checkout.Identity{UserID: who.UserID, IP: c.ClientIP()}, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"orderId":          sess.Order.ID,
		"paymentId":        sess.PaymentID,
		"challengePayload": sess.ChallengeHTML,
	})
}

// callbackResult is what one callback delivery resolved to.
type callbackResult struct {
	orderID string
	outcome string
}

func (h *paymentHandler) callback(c *gin.Context) {
	res, ok := h.process(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "orderId": res.orderID, "outcome": res.outcome})
}

func (h *paymentHandler) callbackRedirect(c *gin.Context) {
	res, ok := h.process(c)
	if !ok {
		return
	}
	q := url.Values{}
	q.Set("orderId", res.orderID)
	q.Set("status", resultStatus(res.outcome))
	c.Redirect(http.StatusSeeOther, h.frontend+"/payment/result?"+q.Encode())
}

// process verifies, decodes and reconciles one callback. It writes the response
// itself and returns false when the request was rejected.
func (h *paymentHandler) process(c *gin.Context) (callbackResult, bool) {
	ctx := c.Request.Context()
	log := observability.WithTrace(ctx, h.logger)

	body, err := readBody(c)
	if err != nil {
		respondError(c, h.logger, apperr.Validation("callback body too large or unreadable"))
		return callbackResult{}, false
	}

	ver, err := h.verifier.Verify(ctx, body, c.GetHeader(payment.HeaderSignature), c.GetHeader(payment.HeaderNonce))
	switch {
	case errors.Is(err, payment.ErrMissingSignature):
		payment.RecordAnomaly(ctx, h.anomalies, log, payment.AnomalyUnsignedCallback)
		respondError(c, h.logger, apperr.New(apperr.KindInvalidSignature, "missing callback signature"))
		return callbackResult{}, false
	case err != nil:
		payment.RecordAnomaly(ctx, h.anomalies, log, payment.AnomalyInvalidSignature)
		respondError(c, h.logger, apperr.New(apperr.KindInvalidSignature, "invalid callback signature"))
		return callbackResult{}, false
	}
	if !ver.Signed {
		payment.RecordAnomaly(ctx, h.anomalies, log, payment.AnomalyUnsignedCallback)
	}

	// Parsed before the nonce is claimed so a malformed payload leaves it unused.
	cb, err := payment.ParseCallback(c.GetHeader("Content-Type"), body)
	if err != nil {
		respondError(c, h.logger, apperr.Wrap(apperr.KindValidation, "malformed payment callback", err))
		return callbackResult{}, false
	}

	err = h.verifier.Claim(ctx, ver, cb.OrderID())
	switch {
	case errors.Is(err, payment.ErrReplayedNonce):
		// Acknowledged so the gateway stops redelivering; an earlier delivery
		// with the same payload was already reconciled or queued.
		payment.RecordAnomaly(ctx, h.anomalies, log, payment.AnomalyReplayedNonce)
		return callbackResult{orderID: cb.OrderID(), outcome: "duplicate"}, true
	case err != nil:
		return h.requeue(c, log, ver, body, cb.OrderID(), err)
	}

	outcome, err := h.reconciler.Reconcile(ctx, cb)
	if err != nil {
		return h.requeue(c, log, ver, body, cb.OrderID(), err)
	}
	h.complete(ctx, log, ver)
	return callbackResult{orderID: cb.OrderID(), outcome: string(outcome)}, true
}

// requeue hands a verified callback to the retry worker. Without a retry queue,
// or if publishing fails, the gateway gets a 500 and the nonce stays unfinished
// so its redelivery is processed.
func (h *paymentHandler) requeue(c *gin.Context, log *zap.Logger, ver payment.Verification, body []byte, orderID string, cause error) (callbackResult, bool) {
	ctx := c.Request.Context()
	payment.RecordAnomaly(ctx, h.anomalies, log, payment.AnomalyCallbackError)
	log = log.With(zap.String("order_id", orderID), zap.Error(cause))

	if h.retry == nil {
		log.Error("callback failed and no retry queue is configured")
		respondError(c, h.logger, apperr.Internal(cause))
		return callbackResult{}, false
	}
	msg := payment.RetryMessage{
		ContentType: c.GetHeader("Content-Type"),
		Body:        body,
		OrderID:     orderID,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := payment.Enqueue(ctx, h.retry, msg); err != nil {
		log.Error("enqueue callback retry failed", zap.NamedError("enqueue_error", err))
		respondError(c, h.logger, apperr.Internal(cause))
		return callbackResult{}, false
	}
	log.Warn("callback queued for retry")
	h.complete(ctx, log, ver)
	return callbackResult{orderID: orderID, outcome: outcomeQueued}, true
}

// complete marks the callback nonce consumed. A failure only means a redelivery
// is reconciled again, which settles nothing twice.
func (h *paymentHandler) complete(ctx context.Context, log *zap.Logger, ver payment.Verification) {
	if err := h.verifier.Complete(ctx, ver); err != nil {
		log.Warn("mark callback nonce done failed", zap.Error(err))
	}
}

// resultStatus maps a reconciliation outcome onto the storefront's result page.
func resultStatus(outcome string) string {
	switch payment.Outcome(outcome) {
	case payment.OutcomePaid, payment.OutcomeAlreadyPaid, payment.OutcomeStockShortfall:
		return "success"
	case payment.OutcomeFailed, payment.OutcomeAlreadyFailed, payment.OutcomeLateSuccessRejected:
		return "failure"
	case payment.OutcomeOrderNotFound:
		return "error"
	}
	return "pending"
}
