package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/authz"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/http/api/front/handlers"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/ledger"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/usage"
)

// Deps are the components the service routes call into.
type Deps struct {
	ServiceToken string
	Manager      *authz.Manager
	Engine       *usage.Engine
	Store        *quota.Store
	Ledger       *ledger.Recorder
}

// RegisterMeteringRoutes registers the gateway-facing metering routes.
func RegisterMeteringRoutes(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}

	metering := r.Group("/v0/metering")
	metering.Use(relayhttp.ServiceAuthMiddleware(deps.ServiceToken))

	authHandler := handlers.NewAuthorizationHandler(deps.Manager)
	metering.POST("/authorizations", authHandler.Request)
	metering.GET("/authorizations/:id", authHandler.Get)

	callHandler := handlers.NewCallHandler(deps.Engine)
	metering.POST("/calls", callHandler.Report)

	balanceHandler := handlers.NewBalanceHandler(deps.Store, deps.Ledger)
	metering.GET("/users/:id/balance", balanceHandler.Balance)
	metering.GET("/users/:id/ledger", balanceHandler.Ledger)
}
