package router

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/bulk-export/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "bulk-export-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Queue a new export job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs/:job_id - Job status and batch summaries
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/batches - Paginated batch summaries
			jobs.GET("/:job_id/batches", jobHandler.ListJobBatches)
		}

		// GET /api/v1/organizations/:org_id/files/:file_name - Download an output file
		v1.GET("/organizations/:org_id/files/:file_name", jobHandler.GetFile)

		// GET /api/v1/queue - Queue size and age
		v1.GET("/queue", jobHandler.GetQueue)
	}

	return r
}

// HealthReporter reports the joined health of the aggregation engines.
type HealthReporter interface {
	Err() error
}

// SetupAggregationRouter serves the aggregation service's health check and metrics.
func SetupAggregationRouter(logger *slog.Logger, health HealthReporter, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))

	r.GET("/healthcheck", func(c *gin.Context) {
		if err := health.Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "bulk-export-aggregation-service",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
