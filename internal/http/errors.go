package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	log "github.com/sirupsen/logrus"
)

// StatusFor maps a metering error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInsufficientQuotaForOverage),
		errors.Is(err, errs.ErrInsufficientQuota):
		return http.StatusPaymentRequired
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrExpired):
		return http.StatusGone
	case errors.Is(err, errs.ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as {"error": kind, "message": text}. Quota errors
// also carry their amounts. Internal errors hide their message.
func WriteError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := gin.H{"error": errs.Kind(err)}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("unhandled metering error")
		body["message"] = "internal error"
	} else {
		body["message"] = err.Error()
	}
	var quotaErr *errs.QuotaError
	if errors.As(err, &quotaErr) {
		body["required"] = quotaErr.Required.String()
		body["available"] = quotaErr.Available.String()
		if errors.Is(err, errs.ErrInsufficientQuotaForOverage) {
			body["frozen"] = quotaErr.Frozen.String()
			body["overage"] = quotaErr.Overage.String()
		}
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
