package checkout

import (
	"fmt"

	"github.com/boutique/orderpay/internal/inventory"
	"github.com/boutique/orderpay/internal/money"
)

// Policy selects how client-supplied totals are treated.
type Policy int

const (
	// PolicyStrict ignores client totals and computes shipping server-side.
	PolicyStrict Policy = iota
	// PolicyLegacy trusts a non-zero client total and adds the client shipping cost.
	PolicyLegacy
)

func (p Policy) String() string {
	if p == PolicyLegacy {
		return "legacy"
	}
	return "strict"
}

// ShippingRule is the server-side shipping tariff: a flat cost, waived when the
// subtotal reaches FreeThreshold. A zero threshold never waives.
type ShippingRule struct {
	FlatCost      money.Amount
	FreeThreshold money.Amount
}

// Cost returns the shipping charge for subtotal.
func (r ShippingRule) Cost(subtotal money.Amount) money.Amount {
	if r.FreeThreshold.IsPositive() && subtotal.GreaterThanOrEqual(r.FreeThreshold.Decimal) {
		return money.Zero
	}
	return r.FlatCost.Round2()
}

// Quote is the authoritative price of a cart.
type Quote struct {
	Subtotal money.Amount
	Shipping money.Amount
	Total    money.Amount

	// ClientTotalIgnored is set when the client sent a total that differs from Total.
	ClientTotalIgnored bool
}

// QuoteOrder prices lines at the live product price. Each line is rounded to two
// decimals before summing.
func QuoteOrder(lines []inventory.Line, products map[string]inventory.Product, clientTotal, clientShipping *money.Amount, policy Policy, rule ShippingRule) (Quote, error) {
	subtotal := money.Zero
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			return Quote{}, fmt.Errorf("price line: product %s not loaded", l.ProductID)
		}
		subtotal = subtotal.Add(p.Price.Times(l.Quantity).Round2())
	}

	q := Quote{Subtotal: subtotal}
	switch policy {
	case PolicyLegacy:
		q.Shipping = money.Zero
		if clientShipping != nil {
			q.Shipping = clientShipping.Round2()
		}
		base := subtotal
		if clientTotal != nil && !clientTotal.IsZero() {
			base = clientTotal.Round2()
		}
		q.Total = base.Add(q.Shipping)
	default:
		q.Shipping = rule.Cost(subtotal)
		q.Total = subtotal.Add(q.Shipping)
		q.ClientTotalIgnored = clientTotal != nil && !clientTotal.Round2().Equal(q.Total)
	}
	return q, nil
}
