package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/authz"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
)

// AuthorizationHandler handles admin authorization endpoints.
type AuthorizationHandler struct {
	manager *authz.Manager
}

// NewAuthorizationHandler constructs an AuthorizationHandler.
func NewAuthorizationHandler(manager *authz.Manager) *AuthorizationHandler {
	return &AuthorizationHandler{manager: manager}
}

// authorizationListQuery defines filters for the authorization list.
type authorizationListQuery struct {
	UserID uint64 `form:"user_id"` // User filter.
	Status string `form:"status"`  // Status filter.
	Limit  int    `form:"limit"`   // Page size.
	Offset int    `form:"offset"`  // Page offset.
}

// List returns authorizations newest first.
func (h *AuthorizationHandler) List(c *gin.Context) {
	var q authorizationListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	status := models.AuthorizationStatus(q.Status)
	switch status {
	case "", models.AuthorizationActive, models.AuthorizationUsed, models.AuthorizationExpired, models.AuthorizationRevoked:
	default:
		badRequest(c, "invalid status")
		return
	}
	rows, total, errList := h.manager.List(c.Request.Context(), authz.ListFilter{
		UserID: q.UserID,
		Status: status,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if errList != nil {
		relayhttp.WriteError(c, errList)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, relayhttp.AuthorizationView(row))
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "authorizations": out})
}

// revokeRequest is the body of POST /authorizations/:id/revoke.
type revokeRequest struct {
	Reason string `json:"reason"` // Recorded on the authorization.
}

// Revoke cancels an active authorization and releases its freeze.
func (h *AuthorizationHandler) Revoke(c *gin.Context) {
	var body revokeRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	auth, errCancel := h.manager.Cancel(c.Request.Context(), c.Param("id"), body.Reason)
	if errCancel != nil {
		relayhttp.WriteError(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": auth.ID, "status": auth.Status, "finalized_at": auth.FinalizedAt})
}
