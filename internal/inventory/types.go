package inventory

import "github.com/boutique/orderpay/internal/money"

// VariantStock maps color -> size -> units on hand.
type VariantStock map[string]map[string]int

// Product is the item stored in the products table. Only the stock fields are
// mutated by this package.
type Product struct {
	ID           string        `dynamodbav:"id" json:"id"`
	Name         string        `dynamodbav:"name" json:"name"`
	Price        money.Amount  `dynamodbav:"price" json:"price"`
	ComparePrice *money.Amount `dynamodbav:"comparePrice,omitempty" json:"comparePrice,omitempty"`
	Image        string        `dynamodbav:"image,omitempty" json:"image,omitempty"`
	Stock        int           `dynamodbav:"stock" json:"stock"`

	// ColorSizeStock is set for products sold in variants.
	ColorSizeStock VariantStock `dynamodbav:"colorSizeStock,omitempty" json:"colorSizeStock,omitempty"`

	// UntrackedVariants lets variant lines fall back to the flat stock count when
	// the matrix has no entry for the requested color/size.
	UntrackedVariants bool `dynamodbav:"untrackedVariants,omitempty" json:"untrackedVariants,omitempty"`
}

// Line is a request to check or move Quantity units of one product variant.
type Line struct {
	ProductID string
	Quantity  int
	Color     string
	Size      string
}
