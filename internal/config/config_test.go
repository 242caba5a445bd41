package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ORDERS_TABLE", "orders")
	t.Setenv("PRODUCTS_TABLE", "products")
	t.Setenv("IDEMPOTENCY_TABLE", "idempotency")
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("PAYMENT_CALLBACK_SECRET", "callback-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.StrictTotals {
		t.Fatal("strict totals must default to true")
	}
	if !cfg.CallbackRequireSignature {
		t.Fatal("callback signatures must be required by default")
	}
	if cfg.GatewayTimeout != 15*time.Second {
		t.Fatalf("unexpected gateway timeout %s", cfg.GatewayTimeout)
	}
	if cfg.IdempotencyTTL != 48*time.Hour {
		t.Fatalf("unexpected idempotency ttl %s", cfg.IdempotencyTTL)
	}
	if !cfg.ShippingFlatCost.IsZero() {
		t.Fatalf("shipping should default to zero, got %s", cfg.ShippingFlatCost)
	}
	if cfg.OrdersUserIndex != "user-index" || cfg.Currency != "TRY" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("STRICT_TOTALS", "false")
	t.Setenv("SHIPPING_FLAT_COST", "15.00")
	t.Setenv("SHIPPING_FREE_THRESHOLD", "500")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("GATEWAY_BASE_URL", "https://api.gateway.test/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StrictTotals {
		t.Fatal("STRICT_TOTALS=false should disable strict mode")
	}
	if cfg.ShippingFlatCost.String() != "15" || cfg.ShippingFreeThreshold.String() != "500" {
		t.Fatalf("unexpected shipping config %s / %s", cfg.ShippingFlatCost, cfg.ShippingFreeThreshold)
	}
	if cfg.GatewayTimeout != 3*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.GatewayTimeout)
	}
	if cfg.GatewayBaseURL != "https://api.gateway.test" {
		t.Fatalf("trailing slash should be trimmed, got %s", cfg.GatewayBaseURL)
	}
}

func TestLoad_ReportsAllProblems(t *testing.T) {
	t.Setenv("ORDERS_TABLE", "")
	t.Setenv("PRODUCTS_TABLE", "")
	t.Setenv("IDEMPOTENCY_TABLE", "idempotency")
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("PAYMENT_CALLBACK_SECRET", "y")
	t.Setenv("SHIPPING_FLAT_COST", "-1")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"ORDERS_TABLE", "PRODUCTS_TABLE", "SHIPPING_FLAT_COST"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}
