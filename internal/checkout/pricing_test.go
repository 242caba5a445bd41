package checkout

import (
	"testing"

	"github.com/boutique/orderpay/internal/inventory"
	"github.com/boutique/orderpay/internal/money"
)

func amount(s string) *money.Amount {
	a := money.MustParse(s)
	return &a
}

func TestQuoteOrder(t *testing.T) {
	products := map[string]inventory.Product{
		"shirt": {ID: "shirt", Price: money.MustParse("49.90")},
		"socks": {ID: "socks", Price: money.MustParse("30.10")},
		"pin":   {ID: "pin", Price: money.MustParse("0.333")},
	}
	flat := ShippingRule{FlatCost: money.MustParse("15.00")}
	cart := []inventory.Line{{ProductID: "shirt", Quantity: 1}, {ProductID: "socks", Quantity: 1}}

	tests := []struct {
		name           string
		lines          []inventory.Line
		clientTotal    *money.Amount
		clientShipping *money.Amount
		policy         Policy
		rule           ShippingRule
		wantTotal      string
		wantShipping   string
		wantIgnored    bool
	}{
		{"strict ignores client total", cart, amount("1.00"), amount("0"), PolicyStrict, flat, "95.00", "15.00", true},
		{"strict without client total", cart, nil, nil, PolicyStrict, flat, "95.00", "15.00", false},
		{"strict free shipping over threshold", cart, nil, nil, PolicyStrict, ShippingRule{FlatCost: money.MustParse("15"), FreeThreshold: money.MustParse("80")}, "80.00", "0", false},
		{"strict below threshold", cart[:1], nil, nil, PolicyStrict, ShippingRule{FlatCost: money.MustParse("15"), FreeThreshold: money.MustParse("80")}, "64.90", "15.00", false},
		{"legacy trusts client total", cart, amount("1.00"), amount("15.00"), PolicyLegacy, flat, "16.00", "15.00", false},
		{"legacy falls back to computed", cart, amount("0"), nil, PolicyLegacy, flat, "80.00", "0", false},
		{"lines round before summing", []inventory.Line{{ProductID: "pin", Quantity: 3}}, nil, nil, PolicyStrict, ShippingRule{}, "1.00", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := QuoteOrder(tt.lines, products, tt.clientTotal, tt.clientShipping, tt.policy, tt.rule)
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if !q.Total.Equal(money.MustParse(tt.wantTotal)) {
				t.Errorf("total = %s, want %s", q.Total, tt.wantTotal)
			}
			if !q.Shipping.Equal(money.MustParse(tt.wantShipping)) {
				t.Errorf("shipping = %s, want %s", q.Shipping, tt.wantShipping)
			}
			if q.ClientTotalIgnored != tt.wantIgnored {
				t.Errorf("ClientTotalIgnored = %v, want %v", q.ClientTotalIgnored, tt.wantIgnored)
			}
		})
	}
}

func TestQuoteOrderUnknownProduct(t *testing.T) {
	if _, err := QuoteOrder([]inventory.Line{{ProductID: "x", Quantity: 1}}, nil, nil, nil, PolicyStrict, ShippingRule{}); err == nil {
		t.Fatal("expected error for unloaded product")
	}
}
