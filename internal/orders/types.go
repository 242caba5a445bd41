package orders

import (
	"time"

	"github.com/boutique/orderpay/internal/money"
)

// OrderStatus is the fulfilment status of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// PaymentStatus is the settlement status reported by the gateway.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// PaymentMethod is how the customer declared they will pay.
type PaymentMethod string

const (
	MethodCreditCard     PaymentMethod = "credit-card"
	MethodCashOnDelivery PaymentMethod = "cash-on-delivery"
	MethodBankTransfer   PaymentMethod = "bank-transfer"
)

// Reconciliation flags recorded on orders that need manual attention.
const (
	FlagStockShortfall = "stock_shortfall"
	FlagRestockFailed  = "restock_failed"
	FlagAmountMismatch = "amount_mismatch"
)

// ValidOrderStatus reports whether s is a known order status.
func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderPending, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

// ValidPaymentMethod reports whether m is a known payment method.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case MethodCreditCard, MethodCashOnDelivery, MethodBankTransfer:
		return true
	}
	return false
}

// OrderItem is a line snapshot taken at checkout. Later product edits or
// deletion never change it.
type OrderItem struct {
	Product  string       `dynamodbav:"product" json:"product"`
	Name     string       `dynamodbav:"name" json:"name"`
	Image    string       `dynamodbav:"image,omitempty" json:"image,omitempty"`
	Price    money.Amount `dynamodbav:"price" json:"price"`
	Quantity int          `dynamodbav:"quantity" json:"quantity"`
	Size     string       `dynamodbav:"size,omitempty" json:"size,omitempty"`
	Color    string       `dynamodbav:"color,omitempty" json:"color,omitempty"`
}

type ShippingAddress struct {
	FullName   string `dynamodbav:"fullName" json:"fullName"`
	Address    string `dynamodbav:"address" json:"address"`
	City       string `dynamodbav:"city" json:"city"`
	District   string `dynamodbav:"district,omitempty" json:"district,omitempty"`
	PostalCode string `dynamodbav:"postalCode,omitempty" json:"postalCode,omitempty"`
	Country    string `dynamodbav:"country" json:"country"`
}

type ContactInfo struct {
	Email string `dynamodbav:"email" json:"email"`
	Phone string `dynamodbav:"phone" json:"phone"`
}

// Order represents the item stored in the orders DynamoDB table. Attribute names
// are a durable contract shared with the admin UI and reporting.
type Order struct {
	ID              string          `dynamodbav:"id" json:"id"`     // PK
	User            string          `dynamodbav:"user" json:"user"` // GSI user-index PK
	Items           []OrderItem     `dynamodbav:"items" json:"items"`
	ShippingAddress ShippingAddress `dynamodbav:"shippingAddress" json:"shippingAddress"`
	ContactInfo     ContactInfo     `dynamodbav:"contactInfo" json:"contactInfo"`
	PaymentMethod   PaymentMethod   `dynamodbav:"paymentMethod" json:"paymentMethod"`
	PaymentStatus   PaymentStatus   `dynamodbav:"paymentStatus" json:"paymentStatus"`
	OrderStatus     OrderStatus     `dynamodbav:"orderStatus" json:"orderStatus"`
	TotalPrice      money.Amount    `dynamodbav:"totalPrice" json:"totalPrice"`
	ShippingCost    money.Amount    `dynamodbav:"shippingCost" json:"shippingCost"`
	PaymentID       string          `dynamodbav:"paymentId,omitempty" json:"paymentId,omitempty"`
	PaymentDetails  string          `dynamodbav:"paymentDetails,omitempty" json:"paymentDetails,omitempty"` // raw gateway payload
	PaymentError    string          `dynamodbav:"paymentError,omitempty" json:"paymentError,omitempty"`
	ConversationID  string          `dynamodbav:"conversationId,omitempty" json:"conversationId,omitempty"`

	// Bookkeeping. The booleans are always written so conditions can compare them.
	InventoryApplied   bool   `dynamodbav:"inventoryApplied" json:"-"`
	InventoryRestocked bool   `dynamodbav:"inventoryRestocked" json:"-"`
	ReconciliationFlag string `dynamodbav:"reconciliationFlag,omitempty" json:"reconciliationFlag,omitempty"`

	CreatedAt time.Time `dynamodbav:"createdAt" json:"createdAt"` // GSI user-index SK
	UpdatedAt time.Time `dynamodbav:"updatedAt" json:"updatedAt"`
}

// Settlement is the gateway correlation data recorded when a payment settles.
type Settlement struct {
	PaymentID string
	Details   string
	Flag      string // reconciliation flag written with the settlement, if any
}
