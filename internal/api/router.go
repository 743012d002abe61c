package api

import (
	"FinDocAnalyzer/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all the routes for the analysis service.
// A nil limiter leaves the submission routes unthrottled.
func RegisterRoutes(router *gin.Engine, api *API, limiter *ratelimiter.Keyed) {
	router.GET("/", api.RootHandler)
	router.GET("/health", api.HealthHandler)
	router.GET("/health/simple", api.SimpleHealthHandler)

	submit := router.Group("")
	if limiter != nil {
		submit.Use(RateLimit(limiter))
	}
	{
		submit.POST("/analyze", api.AnalyzeHandler)
		submit.POST("/analyze-default", api.AnalyzeDefaultHandler)
	}

	router.GET("/status/:id", api.GetStatusHandler)
	router.GET("/result/:id", api.GetResultHandler)
	router.GET("/analyses", api.ListHandler)
	router.GET("/tasks", api.ListHandler)

	admin := router.Group("/admin")
	{
		admin.POST("/reconcile", api.ReconcileHandler)
	}
}
