package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/apperr"
	"github.com/boutique/orderpay/internal/observability"
)

// respondError writes err as {"error", "code", ...details}. Internal errors get a
// generic message; the cause is only logged.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Internal(err)
	}
	status := apperr.Status(ae.Kind)

	body := gin.H{"error": ae.Message, "code": ae.Kind}
	for k, v := range ae.Details {
		if k == "error" || k == "code" {
			continue
		}
		body[k] = v
	}

	log := observability.WithTrace(c.Request.Context(), logger).With(zap.String("path", c.FullPath()))
	if status >= http.StatusInternalServerError {
		body["error"] = "internal server error"
		log.Error("request failed", zap.Error(err), zap.Stack("stack"))
	} else {
		log.Info("request rejected", zap.String("code", string(ae.Kind)), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
