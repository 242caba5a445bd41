package validation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/boutique/orderpay/internal/apperr"
)

// BindAndValidate binds JSON body into `out` and runs validation.
// If validation fails, it writes a 400 response and returns an error for the handler to short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  apperr.KindValidation,
		})
		return err
	}

	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"code":   apperr.KindValidation,
			"fields": validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fieldPath(fe)] = message(fe)
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}

// fieldPath drops the top-level struct name: "CreateOrderRequest.items[0].quantity" -> "items[0].quantity".
func fieldPath(fe validatorv10.FieldError) string {
	ns := fe.Namespace()
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[i+1:]
		}
	}
	return ns
}

// message never echoes the rejected value; card data would otherwise leak into responses.
func message(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "credit_card":
		return "must be a valid card number"
	case "nationalid":
		return "must be a valid national identity number"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "max", "len":
		return "must satisfy " + fe.Tag() + "=" + fe.Param()
	case "numeric":
		return "must be numeric"
	case "nonnegative":
		return "must not be negative"
	}
	return "is invalid"
}
