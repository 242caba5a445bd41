// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every setting the API and worker need.
type Config struct {
	Port     string
	RunLocal bool

	OrdersTable      string
	OrdersUserIndex  string
	ProductsTable    string
	IdempotencyTable string
	IdempotencyTTL   time.Duration

	EventsQueueURL        string
	CallbackRetryQueueURL string
	MetricsNamespace      string

	JWTSecret string

	CallbackSecret           string
	CallbackRequireSignature bool

	GatewayBaseURL     string
	GatewayAPIKey      string
	GatewaySecretKey   string
	GatewayCallbackURL string
	GatewayTimeout     time.Duration
	FrontendBaseURL    string

	StrictTotals          bool
	ShippingFlatCost      decimal.Decimal
	ShippingFreeThreshold decimal.Decimal
	Currency              string
}

// Load reads the environment. Missing required values are reported together.
func Load() (Config, error) {
	var problems []string
	require := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			problems = append(problems, key+" is required")
		}
		return v
	}

	cfg := Config{
		Port:     getenv("PORT", "8080"),
		RunLocal: strings.EqualFold(getenv("RUN_LOCAL", "false"), "true"),

		OrdersTable:      require("ORDERS_TABLE"),
		OrdersUserIndex:  getenv("ORDERS_USER_INDEX", "user-index"),
		ProductsTable:    require("PRODUCTS_TABLE"),
		IdempotencyTable: require("IDEMPOTENCY_TABLE"),

		EventsQueueURL:        getenv("EVENTS_QUEUE_URL", ""),
		CallbackRetryQueueURL: getenv("CALLBACK_RETRY_QUEUE_URL", ""),
		MetricsNamespace:      getenv("METRICS_NAMESPACE", "Boutique/Orders"),

		JWTSecret: require("JWT_SECRET"),

		CallbackSecret: require("PAYMENT_CALLBACK_SECRET"),

		GatewayBaseURL:     strings.TrimRight(getenv("GATEWAY_BASE_URL", "https://sandbox-api.iyzipay.com"), "/"),
		GatewayAPIKey:      getenv("GATEWAY_API_KEY", ""),
		GatewaySecretKey:   getenv("GATEWAY_SECRET_KEY", ""),
		GatewayCallbackURL: getenv("GATEWAY_CALLBACK_URL", ""),
		FrontendBaseURL:    strings.TrimRight(getenv("FRONTEND_BASE_URL", "http://localhost:3000"), "/"),

		Currency: strings.ToUpper(getenv("CURRENCY", "TRY")),
	}

	var err error
	if cfg.IdempotencyTTL, err = parseDuration("IDEMPOTENCY_TTL", "48h"); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.GatewayTimeout, err = parseDuration("GATEWAY_TIMEOUT", "15s"); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.CallbackRequireSignature, err = parseBool("PAYMENT_CALLBACK_REQUIRE_SIGNATURE", true); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.StrictTotals, err = parseBool("STRICT_TOTALS", true); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.ShippingFlatCost, err = parseMoney("SHIPPING_FLAT_COST", "0"); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.ShippingFreeThreshold, err = parseMoney("SHIPPING_FREE_THRESHOLD", "0"); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return Config{}, errors.New("config: " + strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := getenv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}

func parseBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, raw)
	}
	return b, nil
}

func parseMoney(key, def string) (decimal.Decimal, error) {
	raw := getenv(key, def)
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be a non-negative amount, got %q", key, raw)
	}
	return d, nil
}
