package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/money"
	"github.com/boutique/orderpay/internal/observability"
)

const (
	initializePath = "/payment/3dsecure/initialize"
	authPath       = "/payment/3dsecure/auth"
	maxResponse    = 1 << 20
)

// IyzicoConfig configures the HTTP gateway client.
type IyzicoConfig struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
	Locale    string
}

// IyzicoClient implements Gateway against an iyzico-compatible REST API.
type IyzicoClient struct {
	cfg        IyzicoConfig
	httpClient *http.Client
	logger     *zap.Logger
	randFunc   func() string
}

// NewIyzicoClient returns a client. A zero timeout defaults to 15s.
func NewIyzicoClient(cfg IyzicoConfig, logger *zap.Logger) *IyzicoClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Locale == "" {
		cfg.Locale = "tr"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IyzicoClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		randFunc:   func() string { return uuid.NewString() },
	}
}

type wireCard struct {
	CardHolderName string `json:"cardHolderName"`
	CardNumber     string `json:"cardNumber"`
	ExpireMonth    string `json:"expireMonth"`
	ExpireYear     string `json:"expireYear"`
	CVC            string `json:"cvc"`
	RegisterCard   int    `json:"registerCard"`
}

type wireBuyer struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Surname             string `json:"surname"`
	GsmNumber           string `json:"gsmNumber,omitempty"`
	Email               string `json:"email"`
	IdentityNumber      string `json:"identityNumber"`
	RegistrationAddress string `json:"registrationAddress"`
	IP                  string `json:"ip"`
	City                string `json:"city"`
	Country             string `json:"country"`
}

type wireAddress struct {
	ContactName string `json:"contactName"`
	City        string `json:"city"`
	Country     string `json:"country"`
	Address     string `json:"address"`
	ZipCode     string `json:"zipCode,omitempty"`
}

type wireBasketItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category1 string `json:"category1"`
	ItemType  string `json:"itemType"`
	Price     string `json:"price"`
}

type initializeRequest struct {
	Locale          string           `json:"locale"`
	ConversationID  string           `json:"conversationId"`
	Price           string           `json:"price"`
	PaidPrice       string           `json:"paidPrice"`
	Currency        string           `json:"currency"`
	Installment     int              `json:"installment"`
	BasketID        string           `json:"basketId"`
	PaymentChannel  string           `json:"paymentChannel"`
	PaymentGroup    string           `json:"paymentGroup"`
	CallbackURL     string           `json:"callbackUrl"`
	PaymentCard     wireCard         `json:"paymentCard"`
	Buyer           wireBuyer        `json:"buyer"`
	ShippingAddress wireAddress      `json:"shippingAddress"`
	BillingAddress  wireAddress      `json:"billingAddress"`
	BasketItems     []wireBasketItem `json:"basketItems"`
}

type initializeResponse struct {
	Status             string `json:"status"`
	ErrorCode          string `json:"errorCode"`
	ErrorMessage       string `json:"errorMessage"`
	ConversationID     string `json:"conversationId"`
	PaymentID          string `json:"paymentId"`
	ThreeDSHTMLContent string `json:"threeDSHtmlContent"`
}

type authRequest struct {
	Locale           string `json:"locale"`
	ConversationID   string `json:"conversationId"`
	PaymentID        string `json:"paymentId"`
	ConversationData string `json:"conversationData,omitempty"`
}

type authResponse struct {
	Status       string      `json:"status"`
	ErrorCode    string      `json:"errorCode"`
	ErrorMessage string      `json:"errorMessage"`
	PaymentID    string      `json:"paymentId"`
	PaidPrice    json.Number `json:"paidPrice"`
	FraudStatus  int         `json:"fraudStatus"`
}

func (c *IyzicoClient) InitializeThreeDS(ctx context.Context, req ThreeDSRequest) (*ThreeDSSession, error) {
	body := initializeRequest{
		Locale:         c.cfg.Locale,
		ConversationID: req.ConversationID,
		Price:          req.Price.Fixed(),
		PaidPrice:      req.PaidPrice.Fixed(),
		Currency:       req.Currency,
		Installment:    1,
		BasketID:       req.BasketID,
		PaymentChannel: "WEB",
		PaymentGroup:   "PRODUCT",
		CallbackURL:    req.CallbackURL,
		PaymentCard: wireCard{
			CardHolderName: req.Card.HolderName,
			CardNumber:     req.Card.Number,
			ExpireMonth:    req.Card.ExpireMonth,
			ExpireYear:     req.Card.ExpireYear,
			CVC:            req.Card.CVC,
		},
		Buyer: wireBuyer{
			ID:                  req.Buyer.ID,
			Name:                req.Buyer.Name,
			Surname:             req.Buyer.Surname,
			GsmNumber:           req.Buyer.Phone,
			Email:               req.Buyer.Email,
			IdentityNumber:      req.Buyer.IdentityNumber,
			RegistrationAddress: req.Buyer.Address,
			IP:                  req.Buyer.IP,
			City:                req.Buyer.City,
			Country:             req.Buyer.Country,
		},
		ShippingAddress: toWireAddress(req.ShippingAddress),
		BillingAddress:  toWireAddress(req.BillingAddress),
	}
	for _, it := range req.Items {
		body.BasketItems = append(body.BasketItems, wireBasketItem{
			ID:        it.ID,
			Name:      it.Name,
			Category1: it.Category,
			ItemType:  it.ItemType,
			Price:     it.Price.Fixed(),
		})
	}

	var resp initializeResponse
	if _, err := c.do(ctx, "initialize", initializePath, body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != StatusSuccess {
		return nil, &DeclinedError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}

	html := resp.ThreeDSHTMLContent
	if decoded, err := base64.StdEncoding.DecodeString(html); err == nil {
		html = string(decoded)
	}
	return &ThreeDSSession{
		Status:         resp.Status,
		ConversationID: resp.ConversationID,
		PaymentID:      resp.PaymentID,
		ChallengeHTML:  html,
	}, nil
}

func (c *IyzicoClient) CompleteThreeDS(ctx context.Context, req CompleteRequest) (*PaymentResult, error) {
	var resp authResponse
	raw, err := c.do(ctx, "auth", authPath, authRequest{
		Locale:           c.cfg.Locale,
		ConversationID:   req.ConversationID,
		PaymentID:        req.PaymentID,
		ConversationData: req.ConversationData,
	}, &resp)
	if err != nil {
		return nil, err
	}

	result := &PaymentResult{
		Status:       resp.Status,
		PaymentID:    resp.PaymentID,
		ErrorCode:    resp.ErrorCode,
		ErrorMessage: resp.ErrorMessage,
		Raw:          raw,
	}
	if resp.PaidPrice != "" {
		if paid, perr := money.Parse(resp.PaidPrice.String()); perr == nil {
			result.PaidPrice = paid
		}
	}
	return result, nil
}

// do posts body to path and decodes the JSON answer into out, returning the raw
// response bytes. Timeouts map to ErrGatewayTimeout.
func (c *IyzicoClient) do(ctx context.Context, op, path string, body, out any) ([]byte, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "gateway."+op)
	defer span.End()
	span.SetAttributes(attribute.String("gateway.path", path))

	start := time.Now()
	outcome := "error"
	defer func() { observability.ObserveGateway(op, outcome, time.Since(start)) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	rnd := c.randFunc()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-iyzi-rnd", rnd)
	httpReq.Header.Set("Authorization", Authorization(c.cfg.APIKey, c.cfg.SecretKey, rnd, path, payload))

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			outcome = "timeout"
			span.SetStatus(codes.Error, "timeout")
			return nil, ErrGatewayTimeout
		}
		span.RecordError(err)
		return nil, fmt.Errorf("gateway %s: %w", op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponse))
	if err != nil {
		if isTimeout(err) {
			outcome = "timeout"
			return nil, ErrGatewayTimeout
		}
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if res.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, res.Status)
		return nil, fmt.Errorf("gateway %s: http %d", op, res.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode gateway response (http %d): %w", res.StatusCode, err)
	}

	outcome = "ok"
	c.logger.Debug("gateway call",
		zap.String("operation", op),
		zap.Int("http_status", res.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	return raw, nil
}

// Authorization builds the IYZWSv2 header value:
// base64("apiKey:" + key + "&randomKey:" + rnd + "&signature:" + hex(HMAC-SHA256(secret, rnd+path+body))).
func Authorization(apiKey, secretKey, rnd, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(rnd))
	mac.Write([]byte(path))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))
	token := "apiKey:" + apiKey + "&randomKey:" + rnd + "&signature:" + signature
	return "IYZWSv2 " + base64.StdEncoding.EncodeToString([]byte(token))
}

func toWireAddress(a Address) wireAddress {
	return wireAddress{
		ContactName: a.ContactName,
		City:        a.City,
		Country:     a.Country,
		Address:     a.Address,
		ZipCode:     a.PostalCode,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
