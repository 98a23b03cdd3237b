package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/authz"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
)

// AuthorizationHandler issues and reads authorizations.
type AuthorizationHandler struct {
	manager *authz.Manager
}

// NewAuthorizationHandler constructs an AuthorizationHandler.
func NewAuthorizationHandler(manager *authz.Manager) *AuthorizationHandler {
	return &AuthorizationHandler{manager: manager}
}

// requestAuthorizationRequest is the body of POST /authorizations.
type requestAuthorizationRequest struct {
	UserID uint64         `json:"user_id"` // Billed user.
	Model  string         `json:"model"`   // Model to call.
	Usage  *billing.Units `json:"usage"`   // Optional estimated usage.
}

// Request freezes the estimated cost and returns a call token.
func (h *AuthorizationHandler) Request(c *gin.Context) {
	var body requestAuthorizationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": "invalid request body"})
		return
	}
	grant, errReq := h.manager.Request(c.Request.Context(), authz.Request{
		UserID:   body.UserID,
		Model:    body.Model,
		Estimate: body.Usage,
	})
	if errReq != nil {
		relayhttp.WriteError(c, errReq)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

// Get returns one authorization by id.
func (h *AuthorizationHandler) Get(c *gin.Context) {
	auth, errGet := h.manager.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		relayhttp.WriteError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, relayhttp.AuthorizationView(*auth))
}
