package http

import (
	"github.com/EternisAI/silo-overlay/internal/api/http/handler"
	"github.com/EternisAI/silo-overlay/internal/api/http/middleware"
	"github.com/EternisAI/silo-overlay/internal/auth"
	"github.com/EternisAI/silo-overlay/internal/metrics"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Provisioner  handler.Provisioner
	Bootstrapper handler.Bootstrapper
	Events       handler.Subscriber
	Tenants      handler.TenantLifecycle
	Runs         handler.RunCanceller
	Pools        handler.PoolReporter
	Tokens       handler.TokenIssuer
	JWTSecret    string
	AdminAPIKey  string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/api/v1")

	bootstrapHandler := handler.NewBootstrapHandler(srvs.Bootstrapper)
	v1.GET("/bootstrap/:device_id/config", bootstrapHandler.Config)

	operator := v1.Group("")
	operator.Use(middleware.JWTAuth(srvs.JWTSecret))
	operator.Use(middleware.RequireRole(auth.RoleOperator, auth.RoleAdmin))
	{
		provisioningHandler := handler.NewProvisioningHandler(srvs.Provisioner)
		operator.POST("/devices/provision", provisioningHandler.Provision)
		operator.GET("/devices/provisioning", provisioningHandler.List)
		operator.GET("/devices/:id/provisioning", provisioningHandler.Status)
		operator.DELETE("/devices/:id/provisioning", provisioningHandler.Cancel)
		operator.POST("/devices/:id/provisioning/retry", provisioningHandler.Retry)

		eventsHandler := handler.NewEventsHandler(srvs.Events)
		operator.GET("/events", eventsHandler.Stream)
	}

	admin := v1.Group("/admin")
	admin.Use(middleware.APIKeyAuth(srvs.AdminAPIKey))
	{
		adminHandler := handler.NewAdminHandler(srvs.Tenants, srvs.Runs, srvs.Pools, srvs.Tokens)
		admin.POST("/tenants/:id/suspend", adminHandler.SuspendTenant)
		admin.POST("/tenants/:id/resume", adminHandler.ResumeTenant)
		admin.DELETE("/tenants/:id", adminHandler.TerminateTenant)
		admin.GET("/tenants/:id/pool", adminHandler.PoolUsage)
		admin.POST("/tenants/:id/tokens", adminHandler.IssueToken)
	}
}
