package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scriptfactory/script-factory-be/internal/api/handler"
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
			"status":   "healthy",
			"service":  "script-factory-service",
			"api_keys": deps.Capacity(),
			"running":  deps.Scheduler.Running(),
		})
	})

	factoryHandler := handler.NewFactoryHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		queue := v1.Group("/queue")
		{
			// POST /api/v1/queue - Split seed text into jobs and enqueue them
			queue.POST("", factoryHandler.Enqueue)

			// GET /api/v1/queue - List pending jobs in FIFO order
			queue.GET("", factoryHandler.GetQueue)

			// DELETE /api/v1/queue - Drop the queue and the session ledger
			queue.DELETE("", factoryHandler.ClearQueue)

			// POST /api/v1/queue/run - Start draining the queue
			queue.POST("/run", factoryHandler.Run)

			// POST /api/v1/queue/cancel - Cancel the active drain
			queue.POST("/cancel", factoryHandler.Cancel)
		}

		// GET /api/v1/ledger - Finished jobs of the current session
		v1.GET("/ledger", factoryHandler.GetLedger)

		// GET /api/v1/jobs/:job_id - Job details from queue, ledger or archive
		v1.GET("/jobs/:job_id", factoryHandler.GetJob)

		// GET /api/v1/estimate - Project call volume and duration for a run
		v1.GET("/estimate", factoryHandler.Estimate)

		// GET /api/v1/templates - Registered prompt templates per step
		v1.GET("/templates", factoryHandler.Templates)

		// GET /api/v1/archive - Archived jobs with cursor pagination
		v1.GET("/archive", factoryHandler.ListArchive)
	}

	return r
}
