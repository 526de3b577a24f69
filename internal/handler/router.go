package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/config"
	"lab_collab/internal/domain"
	"lab_collab/internal/middleware"
	"lab_collab/pkg/logger"
)

func SetupRouter(
	handlers *Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	metrics http.Handler,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	router.GET("/health", handlers.Health.Check)
	router.GET("/server-info", handlers.Health.ServerInfo)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	// публичные ссылки на файлы
	router.GET("/files/:provider/*path", handlers.Storage.Serve)

	v1 := router.Group("/api/v1")
	{
		public := v1.Group("/auth")
		{
			public.POST("/register", rateLimitMiddleware.Limit(domain.RateLimitActionRegister), handlers.Auth.Register)
			public.POST("/login", rateLimitMiddleware.Limit(domain.RateLimitActionLogin), handlers.Auth.Login)
			public.POST("/refresh", handlers.Auth.RefreshToken)
			public.POST("/logout", handlers.Auth.Logout)
		}

		protected := v1.Group("")
		protected.Use(authMiddleware.RequireAuth())
		{
			protected.GET("/stats", handlers.Health.Stats)

			users := protected.Group("/users")
			{
				users.GET("/me", handlers.User.GetMe)
				users.PUT("/me", handlers.User.UpdateMe)
			}

			write := rateLimitMiddleware.Limit(domain.RateLimitActionWrite)
			documents := protected.Group("/documents/:collection")
			{
				documents.POST("", write, handlers.Documents.Add)
				documents.POST("/query", handlers.Documents.Query)
				documents.GET("/:id", handlers.Documents.Get)
				documents.PUT("/:id", write, handlers.Documents.Set)
				documents.PATCH("/:id", write, handlers.Documents.Update)
				documents.DELETE("/:id", write, handlers.Documents.Delete)
			}

			storage := protected.Group("/storage")
			{
				storage.POST("/:provider/*path", rateLimitMiddleware.Limit(domain.RateLimitActionUpload), handlers.Storage.Upload)
				storage.DELETE("", handlers.Storage.Remove)
			}
		}
	}

	ws := router.Group("/ws")
	ws.Use(authMiddleware.RequireAuth())
	{
		ws.GET("/documents", handlers.Live.Serve)
		ws.GET("/realtime", handlers.Realtime.Serve)
	}

	return router
}
