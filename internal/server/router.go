package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/handlers"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/middleware"
)

type RouterConfig struct {
	Log *logger.Logger
	Cfg config.Config

	AuthHandler    *handlers.AuthHandler
	AuthMiddleware *middleware.AuthMiddleware
	UserHandler    *handlers.UserHandler
	ChatHandler    *handlers.ChatHandler
	TeamHandler    *handlers.TeamHandler
	VaultHandler   *handlers.VaultHandler
	SSEHandler     *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Always attach request-scoped context helpers (SSEData, etc)
	router.Use(middleware.AttachRequestContext())

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/register", middleware.RegistrationLimit(cfg.Log), cfg.AuthHandler.Register)
		api.POST("/login", middleware.AuthLimit(cfg.Log, cfg.Cfg), cfg.AuthHandler.Login)
	}

	protected := api.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())

	protected.POST("/refresh", cfg.AuthHandler.Refresh)
	protected.POST("/logout", cfg.AuthHandler.Logout)
	protected.GET("/me", cfg.UserHandler.GetMe)

	protected.GET("/sse/stream", cfg.SSEHandler.Stream)

	protected.POST("/sessions", cfg.ChatHandler.CreateSession)
	protected.GET("/sessions", cfg.ChatHandler.ListSessions)
	protected.GET("/sessions/:id", cfg.ChatHandler.GetSession)
	protected.DELETE("/sessions/:id", cfg.ChatHandler.DeleteSession)
	protected.POST("/sessions/:id/messages", middleware.RouteLimit(cfg.Log), cfg.ChatHandler.SendMessage)
	protected.GET("/sessions/search", middleware.ContextLimit(cfg.Log), cfg.ChatHandler.Search)

	protected.POST("/teams", cfg.TeamHandler.CreateTeam)
	protected.GET("/teams/:id/members", cfg.TeamHandler.ListMembers)
	protected.POST("/teams/:id/invites", cfg.TeamHandler.CreateInvite)
	protected.POST("/teams/invites/redeem", cfg.TeamHandler.RedeemInvite)
	protected.POST("/teams/:id/promote-member", cfg.TeamHandler.PromoteMember)
	protected.POST("/teams/:id/promote-super-admin", cfg.TeamHandler.PromoteSuperAdmin)
	protected.POST("/teams/:id/promote-temp-super-admin", cfg.TeamHandler.PromoteTempSuperAdmin)
	protected.POST("/teams/:id/terminate-temp-promotion", cfg.TeamHandler.TerminateTempPromotion)

	if cfg.VaultHandler != nil {
		protected.POST("/vault/items", cfg.VaultHandler.Put)
		protected.GET("/vault/items", cfg.VaultHandler.List)
		protected.GET("/vault/items/:id", cfg.VaultHandler.Get)
		protected.PUT("/vault/items/:id", cfg.VaultHandler.Update)
		protected.POST("/vault/items/:id/tags", cfg.VaultHandler.Tag)
		protected.POST("/vault/items/:id/trash", cfg.VaultHandler.Trash)
		protected.POST("/vault/items/:id/restore", cfg.VaultHandler.Restore)
		protected.DELETE("/vault/items/:id", cfg.VaultHandler.Purge)
	}

	return router
}
