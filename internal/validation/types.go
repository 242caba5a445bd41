package validation

import (
	"github.com/boutique/orderpay/internal/money"
)

// Item represents a single cart line as submitted by the client.
type Item struct {
	Product  string       `json:"product" validate:"required,max=128"`
	Name     string       `json:"name" validate:"max=256"`
	Image    string       `json:"image" validate:"max=2048"`
	Price    money.Amount `json:"price"` // accepted for compatibility; lines store the live product price
	Quantity int          `json:"quantity" validate:"required,min=1,max=100"`
	Size     string       `json:"size,omitempty" validate:"max=32"`
	Color    string       `json:"color,omitempty" validate:"max=64"`
}

type Address struct {
	FullName   string `json:"fullName" validate:"required,max=128"`
	Address    string `json:"address" validate:"required,max=512"`
	City       string `json:"city" validate:"required,max=64"`
	District   string `json:"district,omitempty" validate:"max=64"`
	PostalCode string `json:"postalCode,omitempty" validate:"max=16"`
	Country    string `json:"country" validate:"required,max=64"`
}

type Contact struct {
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required,min=7,max=20"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	Items           []Item        `json:"items" validate:"required,min=1,max=50,dive"`
	ShippingAddress Address       `json:"shippingAddress"`
	ContactInfo     Contact       `json:"contactInfo"`
	PaymentMethod   string        `json:"paymentMethod" validate:"required,oneof=credit-card cash-on-delivery bank-transfer"`
	TotalPrice      *money.Amount `json:"totalPrice,omitempty"`   // cross-checked, never trusted in strict mode
	ShippingCost    *money.Amount `json:"shippingCost,omitempty"` // cross-checked, never trusted in strict mode
}

// Card holds card details. It is never logged or persisted.
type Card struct {
	HolderName  string `json:"cardHolderName" validate:"required,max=128"`
	Number      string `json:"cardNumber" validate:"required,credit_card"`
	ExpireMonth string `json:"expireMonth" validate:"required,numeric,len=2"`
	ExpireYear  string `json:"expireYear" validate:"required,numeric,min=2,max=4"`
	CVC         string `json:"cvc" validate:"required,numeric,min=3,max=4"`
}

// Last4 returns the last four digits for display and logs.
func (c Card) Last4() string {
	if len(c.Number) < 4 {
		return ""
	}
	return c.Number[len(c.Number)-4:]
}

// InitializePaymentRequest is the payload for POST /payment/initialize
type InitializePaymentRequest struct {
	Items           []Item        `json:"items" validate:"required,min=1,max=50,dive"`
	ShippingAddress Address       `json:"shippingAddress"`
	ContactInfo     Contact       `json:"contactInfo"`
	TotalPrice      *money.Amount `json:"totalPrice,omitempty"`
	ShippingCost    *money.Amount `json:"shippingCost,omitempty"`
	Card            Card          `json:"card"`
	IdentityNumber  string        `json:"identityNumber" validate:"required,nationalid"`
}

// UpdateOrderRequest is the payload for PUT /orders/{id}
type UpdateOrderRequest struct {
	OrderStatus string `json:"orderStatus" validate:"required,oneof=pending processing shipped delivered cancelled"`
}
