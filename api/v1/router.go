package v1

import (
	"agent_dispatch/api/v1/agents"
	"agent_dispatch/api/v1/app_configs"
	"agent_dispatch/api/v1/auth"
	"agent_dispatch/api/v1/commands"
	"agent_dispatch/api/v1/middleware"
	"agent_dispatch/internal/agentclient"
	"agent_dispatch/internal/audit"
	internalauth "agent_dispatch/internal/auth"
	"agent_dispatch/internal/authz"
	"agent_dispatch/internal/dispatch"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/queue"
	"agent_dispatch/internal/registry"
	"agent_dispatch/internal/secrets"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps are the services the routes are built on
type Deps struct {
	DB          *gorm.DB
	Tokens      *internalauth.Manager
	Registry    *registry.Registry
	Queue       *queue.Store
	Waiter      *dispatch.Waiter
	Audit       *audit.Writer
	Authorizer  authz.Authorizer
	Secrets     secrets.Store
	Paths       secrets.Paths
	AgentClient *agentclient.Client
	Logger      *logrus.Entry
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, d Deps) {
	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		authHandler := auth.NewHandler(d.DB, d.Tokens, d.Logger)
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
		}

		agentsHandler := agents.NewHandler(d.Registry, d.Queue, d.Waiter, d.Audit, d.Authorizer, d.Logger)

		// Agent protocol: registration is open, everything else needs the agent token
		agentGroup := v1.Group("/agent")
		{
			agentGroup.POST("/register", agentsHandler.Register)

			authed := agentGroup.Group("")
			authed.Use(middleware.AgentAuthRequired(d.Registry, d.Audit, d.Logger))
			authed.GET("/wait/:deployment_hash", agentsHandler.Wait)
			authed.POST("/report", agentsHandler.Report)
		}

		// Protected routes (user authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired(d.Tokens))
		{
			protected.GET("/me", authHandler.Me)

			commandsHandler := commands.NewHandler(d.Queue, d.Registry, d.Waiter, d.Authorizer)
			commandsGroup := protected.Group("/commands")
			{
				commandsGroup.POST("", commandsHandler.Enqueue)
				commandsGroup.GET("/:deployment_hash", commandsHandler.List)
				commandsGroup.GET("/:deployment_hash/:command_id", commandsHandler.Get)
				commandsGroup.POST("/:deployment_hash/:command_id/cancel", commandsHandler.Cancel)
			}

			configsHandler := app_configs.NewHandler(d.Secrets, d.Paths, d.Registry, d.AgentClient, d.Audit, d.Authorizer)
			deployments := protected.Group("/deployments/:deployment_hash")
			{
				deployments.GET("/snapshot", agentsHandler.Snapshot)
				deployments.POST("/agent/revoke", agentsHandler.Revoke)
				deployments.POST("/agent/reinstate", agentsHandler.Reinstate)
				deployments.POST("/agent/rotate-token", agentsHandler.RotateToken)

				deployments.PUT("/apps/:app_name/config", configsHandler.Put)
				deployments.GET("/apps/:app_name/config", configsHandler.Get)
				deployments.POST("/apps/:app_name/config/push", configsHandler.Push)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}
