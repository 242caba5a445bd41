// Package money carries exact decimal amounts through JSON and DynamoDB.
package money

import (
	"bytes"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// Amount is a decimal amount that encodes as a JSON number and a DynamoDB N.
type Amount struct {
	decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{decimal.Zero}

// New wraps d.
func New(d decimal.Decimal) Amount { return Amount{d} }

// MustParse parses s and panics on malformed input. Intended for constants and tests.
func MustParse(s string) Amount { return Amount{decimal.RequireFromString(s)} }

// Parse parses a decimal string such as "49.90".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d}, nil
}

// Round2 rounds half away from zero to two decimal places.
func (a Amount) Round2() Amount { return Amount{a.Decimal.Round(2)} }

func (a Amount) Add(b Amount) Amount { return Amount{a.Decimal.Add(b.Decimal)} }

func (a Amount) Sub(b Amount) Amount { return Amount{a.Decimal.Sub(b.Decimal)} }

// Times multiplies by an integer quantity.
func (a Amount) Times(q int) Amount { return Amount{a.Decimal.Mul(decimal.NewFromInt(int64(q)))} }

func (a Amount) Equal(b Amount) bool { return a.Decimal.Equal(b.Decimal) }

// Fixed renders two decimal places, the way the gateway expects prices.
func (a Amount) Fixed() string { return a.Decimal.StringFixed(2) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

// UnmarshalJSON accepts both numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*a = Zero
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("invalid amount %q", string(b))
	}
	a.Decimal = d
	return nil
}

func (a Amount) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: a.Decimal.String()}, nil
}

func (a *Amount) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var raw string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		raw = v.Value
	case *types.AttributeValueMemberS:
		raw = v.Value
	case *types.AttributeValueMemberNULL:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("unsupported attribute type %T for amount", av)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid stored amount %q: %w", raw, err)
	}
	a.Decimal = d
	return nil
}
