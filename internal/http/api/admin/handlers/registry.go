package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/modelregistry"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
)

// RegistryHandler manages the users and models the core checks against.
type RegistryHandler struct {
	users  *access.DBUsers
	models *modelregistry.Store
}

// NewRegistryHandler constructs a RegistryHandler.
func NewRegistryHandler(users *access.DBUsers, models *modelregistry.Store) *RegistryHandler {
	return &RegistryHandler{users: users, models: models}
}

type createUserRequest struct {
	Username string `json:"username"`
}

// CreateUser registers a user.
func (h *RegistryHandler) CreateUser(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid request body")
		return
	}
	user, errCreate := h.users.CreateUser(c.Request.Context(), body.Username)
	if errCreate != nil {
		relayhttp.WriteError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username, "disabled": user.Disabled})
}

type setDisabledRequest struct {
	Disabled bool `json:"disabled"`
}

// SetUserDisabled enables or disables a user.
func (h *RegistryHandler) SetUserDisabled(c *gin.Context) {
	userID, errID := parseIDParam(c, "id")
	if errID != nil {
		relayhttp.WriteError(c, errID)
		return
	}
	var body setDisabledRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid request body")
		return
	}
	if errSet := h.users.SetDisabled(c.Request.Context(), userID, body.Disabled); errSet != nil {
		relayhttp.WriteError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": userID, "disabled": body.Disabled})
}

type registerModelRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// RegisterModel adds a model.
func (h *RegistryHandler) RegisterModel(c *gin.Context) {
	var body registerModelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid request body")
		return
	}
	model, errReg := h.models.Register(c.Request.Context(), body.Name, body.Provider)
	if errReg != nil {
		relayhttp.WriteError(c, errReg)
		return
	}
	c.JSON(http.StatusCreated, modelView(*model))
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetModelActive enables or disables a model.
func (h *RegistryHandler) SetModelActive(c *gin.Context) {
	var body setActiveRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid request body")
		return
	}
	name := c.Param("name")
	if errSet := h.models.SetActive(c.Request.Context(), name, body.Active); errSet != nil {
		relayhttp.WriteError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "active": body.Active})
}

// ListModels returns the cached model registry.
func (h *RegistryHandler) ListModels(c *gin.Context) {
	snapshot := h.models.Snapshot()
	out := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		out = append(out, modelView(m))
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func modelView(m models.AIModel) gin.H {
	return gin.H{"id": m.ID, "name": m.Name, "provider": m.Provider, "active": m.IsActive}
}
