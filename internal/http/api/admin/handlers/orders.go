package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/orders"
)

// OrderHandler receives order-completion callbacks from the payment flow.
type OrderHandler struct {
	service *orders.Service
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(service *orders.Service) *OrderHandler {
	return &OrderHandler{service: service}
}

// grantPackageRequest is the body of POST /orders.
type grantPackageRequest struct {
	UserID    uint64 `json:"user_id"`    // Purchasing user.
	PackageID uint64 `json:"package_id"` // Purchased package.
	OrderID   string `json:"order_id"`   // External order id.
}

// Complete grants the purchased package.
func (h *OrderHandler) Complete(c *gin.Context) {
	var body grantPackageRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid request body")
		return
	}
	result, errGrant := h.service.GrantPackage(c.Request.Context(), body.UserID, body.PackageID, body.OrderID)
	if errGrant != nil {
		relayhttp.WriteError(c, errGrant)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"order_id":              result.Order.OrderID,
		"user_id":               result.Order.UserID,
		"package_id":            result.Order.PackageID,
		"amount":                result.Order.Amount,
		"membership_starts_at":  result.Membership.StartsAt,
		"membership_expires_at": result.Membership.ExpiresAt,
		"bucket":                relayhttp.BucketView(result.Bucket, result.Order.CreatedAt),
	})
}
