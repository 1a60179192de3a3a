package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/watchedlabs/vframe/internal/handlers"
	"github.com/watchedlabs/vframe/internal/middleware"
)

type RouterConfig struct {
	JobHandler *handlers.JobHandler
	APIKey     *middleware.APIKeyMiddleware
	Health     gin.HandlerFunc
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:80", "http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"X-API-Key", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	health := cfg.Health
	if health == nil {
		health = handlers.NewHealthHandler("", "")
	}
	router.GET("/health", health)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.APIKey.RequireKey())
	protected.POST("/process", cfg.JobHandler.Process)
	protected.GET("/status/:jobId", cfg.JobHandler.Status)
	protected.GET("/jobs/:jobId", cfg.JobHandler.GetJob)

	return router
}
