// Package payment talks to the 3-D Secure card gateway and reconciles the
// asynchronous callbacks it sends back.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/boutique/orderpay/internal/money"
)

// Gateway statuses as reported on the wire.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrGatewayTimeout is returned when the gateway did not answer within the
// configured timeout. The payment may still complete and call back later.
var ErrGatewayTimeout = errors.New("payment gateway timeout")

// DeclinedError is a rejection reported by the gateway itself.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	if e.Code == "" {
		return "payment declined: " + e.Message
	}
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// Card is the cardholder data forwarded to the gateway. Never log or store it.
type Card struct {
	HolderName  string
	Number      string
	ExpireMonth string
	ExpireYear  string
	CVC         string
}

type Buyer struct {
	ID             string
	Name           string
	Surname        string
	Email          string
	Phone          string
	IdentityNumber string
	Address        string
	City           string
	Country        string
	IP             string
}

type Address struct {
	ContactName string
	City        string
	Country     string
	Address     string
	PostalCode  string
}

// BasketItem is one priced line sent to the gateway.
type BasketItem struct {
	ID        string
	Name      string
	Category  string
	ItemType  string
	Price     money.Amount
	Quantity  int
	IsVirtual bool
}

// ThreeDSRequest starts a 3-D Secure payment for one order.
type ThreeDSRequest struct {
	ConversationID  string
	BasketID        string
	Price           money.Amount // sum of basket lines
	PaidPrice       money.Amount // amount charged to the card
	Currency        string
	CallbackURL     string
	Card            Card
	Buyer           Buyer
	ShippingAddress Address
	BillingAddress  Address
	Items           []BasketItem
}

// ThreeDSSession is the challenge issued by the gateway. Issuing it does not
// mean the payment completed.
type ThreeDSSession struct {
	Status         string
	ConversationID string
	PaymentID      string
	ChallengeHTML  string
}

// CompleteRequest confirms a 3-D Secure authentication after the callback.
type CompleteRequest struct {
	ConversationID   string
	PaymentID        string
	ConversationData string
}

// PaymentResult is the gateway's final word on a payment.
type PaymentResult struct {
	Status       string
	PaymentID    string
	PaidPrice    money.Amount
	ErrorCode    string
	ErrorMessage string
	Raw          []byte
}

// Succeeded reports whether the gateway settled the payment.
func (r *PaymentResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Gateway is the card payment processor.
type Gateway interface {
	InitializeThreeDS(ctx context.Context, req ThreeDSRequest) (*ThreeDSSession, error)
	CompleteThreeDS(ctx context.Context, req CompleteRequest) (*PaymentResult, error)
}
