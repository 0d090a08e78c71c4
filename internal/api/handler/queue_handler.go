package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/scriptfactory/script-factory-be/internal/api/dto"
	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/pipeline"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
)

// Enqueue handles POST /api/v1/queue
// Splits the submitted text into jobs and appends them to the queue
func (h *FactoryHandler) Enqueue(c *gin.Context) {
	var req dto.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobs, err := h.scheduler.Enqueue(req.Input)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEmptyInput):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "input contains no jobs",
			})
		case errors.Is(err, domain.ErrQueueFull):
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
			})
		default:
			h.logger.Error("Failed to enqueue jobs", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to enqueue jobs",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, dto.EnqueueResponse{
		Jobs:        toJobDTOs(jobs),
		QueueLength: len(h.scheduler.QueueSnapshot()),
	})
}

// GetQueue handles GET /api/v1/queue
// Returns the pending jobs in FIFO order
func (h *FactoryHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, dto.QueueResponse{
		Jobs: toJobDTOs(h.scheduler.QueueSnapshot()),
	})
}

// ClearQueue handles DELETE /api/v1/queue
// Drops the queue and the ledger; refused while a drain is active
func (h *FactoryHandler) ClearQueue(c *gin.Context) {
	if err := h.scheduler.Clear(); err != nil {
		if errors.Is(err, domain.ErrRunActive) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "cannot clear while a run is active",
			})
			return
		}
		h.logger.Error("Failed to clear queue", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clear queue",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// Run handles POST /api/v1/queue/run
// Starts draining the queue in the background and reports the derived
// scheduling configuration
func (h *FactoryHandler) Run(c *gin.Context) {
	var req dto.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	opts, err := h.buildOptions(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	if h.scheduler.Running() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "a run is already in progress",
		})
		return
	}

	queued := len(h.scheduler.QueueSnapshot())
	if queued == 0 {
		c.JSON(http.StatusOK, dto.RunResponse{Started: false, Jobs: 0})
		return
	}

	keys := h.capacity()
	if keys <= 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "no API keys available",
		})
		return
	}

	cfg := schedule.CalculateOptimalConfig(opts.SceneCount, keys)
	report := schedule.ValidateWorkload(queued, opts.SceneCount, keys)

	go func() {
		if err := h.scheduler.Run(context.Background(), opts); err != nil {
			h.logger.Error("Queue drain stopped", slog.String("error", err.Error()))
		}
	}()

	c.JSON(http.StatusAccepted, dto.RunResponse{
		Started:  true,
		Jobs:     queued,
		Config:   toConfigDTO(cfg),
		Warnings: report.Warnings,
	})
}

// Cancel handles POST /api/v1/queue/cancel
// Requests cooperative cancellation of the active drain
func (h *FactoryHandler) Cancel(c *gin.Context) {
	h.scheduler.Cancel()

	c.JSON(http.StatusAccepted, dto.CancelResponse{
		Running: h.scheduler.Running(),
	})
}

// GetLedger handles GET /api/v1/ledger
// Returns the finished jobs of the current session in completion order
func (h *FactoryHandler) GetLedger(c *gin.Context) {
	c.JSON(http.StatusOK, dto.LedgerResponse{
		Jobs: toJobDTOs(h.scheduler.LedgerSnapshot()),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Looks a job up in the queue and ledger, falling back to the archive
func (h *FactoryHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.scheduler.Job(jobID)
	if err == nil {
		c.JSON(http.StatusOK, toJobDTO(job))
		return
	}

	if !errors.Is(err, domain.ErrJobNotFound) {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	rec, err := h.archive.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get archived job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	out, err := recordToDTO(rec)
	if err != nil {
		h.logger.Error("Failed to decode archived job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to decode job",
		})
		return
	}

	c.JSON(http.StatusOK, out)
}

// buildOptions merges a run request with the configured defaults.
func (h *FactoryHandler) buildOptions(req *dto.RunRequest) (pipeline.Options, error) {
	opts := pipeline.Options{
		SceneCount:       req.SceneCount,
		MinWordsPerScene: req.MinWordsPerScene,
		MaxWordsPerScene: req.MaxWordsPerScene,
	}

	if opts.SceneCount <= 0 {
		opts.SceneCount = h.defaults.SceneCount
	}
	if opts.MinWordsPerScene <= 0 {
		opts.MinWordsPerScene = h.defaults.MinWordsPerScene
	}
	if opts.MaxWordsPerScene <= 0 {
		opts.MaxWordsPerScene = h.defaults.MaxWordsPerScene
	}

	if len(req.Templates) > 0 {
		opts.TemplateIDs = make(map[domain.Step]string, len(req.Templates))
		for name, templateID := range req.Templates {
			step, ok := stepByName(name)
			if !ok {
				return pipeline.Options{}, fmt.Errorf("unknown step %q in templates", name)
			}
			if _, err := h.registry.Resolve(step, templateID); err != nil {
				return pipeline.Options{}, fmt.Errorf("unknown template %q for step %s", templateID, name)
			}
			opts.TemplateIDs[step] = templateID
		}
	}

	return opts, nil
}
