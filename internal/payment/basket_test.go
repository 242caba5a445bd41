package payment

import (
	"strings"
	"testing"

	"github.com/boutique/orderpay/internal/money"
	"github.com/boutique/orderpay/internal/orders"
)

func TestBuildBasketRoundsEachLineBeforeSumming(t *testing.T) {
	o := &orders.Order{
		Items: []orders.OrderItem{
			{Product: "p1", Name: "Scarf", Price: money.MustParse("19.999"), Quantity: 1},
			{Product: "p2", Name: "Socks", Price: money.MustParse("0.333"), Quantity: 3},
		},
		ShippingCost: money.MustParse("15"),
		TotalPrice:   money.MustParse("36.00"),
	}

	items, total, err := BuildBasket(o)
	if err != nil {
		t.Fatalf("BuildBasket: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 2 lines + shipping, got %d", len(items))
	}
	if got := items[0].Price.Fixed(); got != "20.00" {
		t.Fatalf("19.999 rounded to %s, want 20.00", got)
	}
	if got := items[1].Price.Fixed(); got != "1.00" {
		t.Fatalf("3 x 0.333 rounded to %s, want 1.00", got)
	}
	ship := items[2]
	if ship.ID != "SHIPPING" || !ship.IsVirtual || ship.Price.Fixed() != "15.00" {
		t.Fatalf("unexpected shipping line: %+v", ship)
	}
	if total.Fixed() != "36.00" {
		t.Fatalf("basket total = %s, want 36.00", total.Fixed())
	}
}

func TestBuildBasketRejectsMismatchedTotal(t *testing.T) {
	o := &orders.Order{
		Items:      []orders.OrderItem{{Product: "p1", Price: money.MustParse("49.90"), Quantity: 1}},
		TotalPrice: money.MustParse("1.00"),
	}
	_, _, err := BuildBasket(o)
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}

func TestBuildBasketNoShippingLineWhenFree(t *testing.T) {
	o := &orders.Order{
		Items:      []orders.OrderItem{{Product: "p1", Price: money.MustParse("49.90"), Quantity: 2, Color: "red", Size: "M"}},
		TotalPrice: money.MustParse("99.80"),
	}
	items, _, err := BuildBasket(o)
	if err != nil {
		t.Fatalf("BuildBasket: %v", err)
	}
	if len(items) != 1 || items[0].ID != "p1-0-red-M" {
		t.Fatalf("unexpected basket: %+v", items)
	}
}
