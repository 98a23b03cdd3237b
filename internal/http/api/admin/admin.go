package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/authz"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/ledger"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/modelregistry"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/orders"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/reconciler"
	"gorm.io/gorm"
)

// Deps are the components the admin routes call into.
type Deps struct {
	AdminKeyHash string
	DB           *gorm.DB
	Manager      *authz.Manager
	Store        *quota.Store
	Orders       *orders.Service
	Reconciler   *reconciler.Reconciler
	Resolver     *billing.Resolver
	Ledger       *ledger.Recorder
	Users        *access.DBUsers
	Models       *modelregistry.Store
	Metrics      *metrics.Metrics
}

// RegisterAdminRoutes registers health, metrics and operator routes.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	adminGroup := r.Group("/v0/admin")
	adminGroup.Use(relayhttp.AdminAuthMiddleware(deps.AdminKeyHash))

	authHandler := handlers.NewAuthorizationHandler(deps.Manager)
	adminGroup.GET("/authorizations", authHandler.List)
	adminGroup.POST("/authorizations/:id/revoke", authHandler.Revoke)

	quotaHandler := handlers.NewQuotaHandler(deps.Store)
	adminGroup.POST("/quotas/adjust", quotaHandler.Adjust)

	orderHandler := handlers.NewOrderHandler(deps.Orders)
	adminGroup.POST("/orders", orderHandler.Complete)

	maintenanceHandler := handlers.NewMaintenanceHandler(deps.DB, deps.Reconciler, deps.Resolver, deps.Ledger)
	adminGroup.POST("/reconcile", maintenanceHandler.Reconcile)
	adminGroup.POST("/prices/invalidate", maintenanceHandler.InvalidatePrices)
	adminGroup.POST("/ledger/purge", maintenanceHandler.PurgeLedger)
	adminGroup.PUT("/settings/:key", maintenanceHandler.PutSetting)

	registryHandler := handlers.NewRegistryHandler(deps.Users, deps.Models)
	adminGroup.POST("/users", registryHandler.CreateUser)
	adminGroup.PUT("/users/:id/disabled", registryHandler.SetUserDisabled)
	adminGroup.GET("/models", registryHandler.ListModels)
	adminGroup.POST("/models", registryHandler.RegisterModel)
	adminGroup.PUT("/models/:name/active", registryHandler.SetModelActive)
}
