package payment

import (
	"fmt"

	"github.com/boutique/orderpay/internal/money"
	"github.com/boutique/orderpay/internal/orders"
)

const (
	itemTypePhysical = "PHYSICAL"
	itemTypeVirtual  = "VIRTUAL"
	shippingItemID   = "SHIPPING"
	defaultCategory  = "Clothing"
)

// BuildBasket turns an order into gateway basket lines whose prices sum exactly
// to the order total. Each line is rounded to two decimals before summing, and a
// non-zero shipping cost becomes its own virtual line.
func BuildBasket(o *orders.Order) ([]BasketItem, money.Amount, error) {
	items := make([]BasketItem, 0, len(o.Items)+1)
	sum := money.Zero

	for i, it := range o.Items {
		line := it.Price.Times(it.Quantity).Round2()
		if line.IsZero() {
			continue
		}
		if line.IsNegative() {
			return nil, money.Zero, fmt.Errorf("basket line %d has negative price", i)
		}
		items = append(items, BasketItem{
			ID:       basketItemID(it, i),
			Name:     it.Name,
			Category: defaultCategory,
			ItemType: itemTypePhysical,
			Price:    line,
			Quantity: it.Quantity,
		})
		sum = sum.Add(line)
	}

	shipping := o.ShippingCost.Round2()
	if shipping.IsPositive() {
		items = append(items, BasketItem{
			ID:        shippingItemID,
			Name:      "Shipping",
			Category:  "Shipping",
			ItemType:  itemTypeVirtual,
			Price:     shipping,
			Quantity:  1,
			IsVirtual: true,
		})
		sum = sum.Add(shipping)
	}

	if len(items) == 0 {
		return nil, money.Zero, fmt.Errorf("basket is empty")
	}
	total := o.TotalPrice.Round2()
	if !sum.Equal(total) {
		return nil, money.Zero, fmt.Errorf("basket sum %s does not match order total %s", sum.Fixed(), total.Fixed())
	}
	return items, sum, nil
}

func basketItemID(it orders.OrderItem, i int) string {
	id := fmt.Sprintf("%s-%d", it.Product, i)
	if it.Color != "" || it.Size != "" {
		id += "-" + it.Color + "-" + it.Size
	}
	return id
}
