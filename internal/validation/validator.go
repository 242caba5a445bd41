package validation

import (
	"reflect"
	"strconv"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/boutique/orderpay/internal/money"
	"github.com/boutique/orderpay/internal/payment"
)

// New returns a configured validator with custom rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report json field names instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("nationalid", func(fl validatorv10.FieldLevel) bool {
		return payment.ValidNationalID(fl.Field().String())
	})

	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	v.RegisterStructValidation(initializePaymentStructValidation, InitializePaymentRequest{})

	return v
}

// createOrderStructValidation rejects negative client amounts. The totals
// themselves are recomputed server-side.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)
	checkAmounts(sl, req.Items, req.TotalPrice, req.ShippingCost)
}

func initializePaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(InitializePaymentRequest)
	checkAmounts(sl, req.Items, req.TotalPrice, req.ShippingCost)
}

func checkAmounts(sl validatorv10.StructLevel, items []Item, total, shipping *money.Amount) {
	for i, it := range items {
		if it.Price.IsNegative() {
			sl.ReportError(it.Price, "items["+strconv.Itoa(i)+"].price", "Price", "nonnegative", "")
		}
	}
	if total != nil && total.IsNegative() {
		sl.ReportError(*total, "totalPrice", "TotalPrice", "nonnegative", "")
	}
	if shipping != nil && shipping.IsNegative() {
		sl.ReportError(*shipping, "shippingCost", "ShippingCost", "nonnegative", "")
	}
}
