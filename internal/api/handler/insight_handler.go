package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scriptfactory/script-factory-be/internal/api/dto"
	"github.com/scriptfactory/script-factory-be/internal/archive"
	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
)

// Estimate handles GET /api/v1/estimate
// Projects call volume and wall-clock time for a planned run
func (h *FactoryHandler) Estimate(c *gin.Context) {
	var req dto.EstimateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Jobs <= 0 {
		req.Jobs = len(h.scheduler.QueueSnapshot())
		if req.Jobs == 0 {
			req.Jobs = 1
		}
	}
	if req.Scenes <= 0 {
		req.Scenes = h.defaults.SceneCount
	}

	keys := h.capacity()
	cfg := schedule.CalculateOptimalConfig(req.Scenes, keys)
	estimate := schedule.EstimateProcessingTime(req.Jobs, req.Scenes, keys)
	report := schedule.ValidateWorkload(req.Jobs, req.Scenes, keys)

	c.JSON(http.StatusOK, dto.EstimateResponse{
		Jobs:         req.Jobs,
		Scenes:       req.Scenes,
		TotalCalls:   estimate.TotalCalls,
		TotalMinutes: estimate.TotalMinutes,
		Display:      estimate.Display,
		Config:       toConfigDTO(cfg),
		Warnings:     report.Warnings,
	})
}

// Templates handles GET /api/v1/templates
// Lists the registered prompt templates grouped by pipeline step
func (h *FactoryHandler) Templates(c *gin.Context) {
	steps := make([]dto.StepTemplates, 0, domain.StepCount)
	for step := domain.StepDiscovery; step <= domain.StepMetadata; step++ {
		registered := h.registry.List(step)
		entries := make([]dto.TemplateDTO, len(registered))
		for i, tpl := range registered {
			entries[i] = dto.TemplateDTO{
				ID:      tpl.ID,
				Name:    tpl.Name,
				Default: tpl.Default,
			}
		}
		steps = append(steps, dto.StepTemplates{
			Step:      int(step),
			StepName:  step.String(),
			Templates: entries,
		})
	}

	c.JSON(http.StatusOK, dto.TemplatesResponse{Steps: steps})
}

// ListArchive handles GET /api/v1/archive
// Lists archived jobs newest first with cursor pagination
func (h *FactoryHandler) ListArchive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "the run archive is disabled",
		})
		return
	}

	var req dto.ListArchiveRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := archive.DecodeCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	records, err := h.archive.List(c.Request.Context(), archive.Filter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list archived jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list archived jobs",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	jobs := make([]dto.JobDTO, len(records))
	for i := range records {
		job, err := recordToDTO(&records[i])
		if err != nil {
			h.logger.Error("Failed to decode archived job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to decode archived jobs",
			})
			return
		}
		jobs[i] = job
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1]
		nextCursor = archive.EncodeCursor(&archive.Cursor{
			FinishedAt: last.FinishedAt,
			JobID:      last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListArchiveResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

func recordToDTO(rec *archive.Record) (dto.JobDTO, error) {
	outputs, err := rec.DecodeOutputs()
	if err != nil {
		return dto.JobDTO{}, err
	}

	out := dto.JobDTO{
		JobID:      rec.JobID,
		Input:      rec.Input,
		Status:     rec.Status,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		FinishedAt: rec.FinishedAt.Format(time.RFC3339),
	}

	if len(outputs) > 0 {
		out.Outputs = make(map[string]string, len(outputs))
		for step, text := range outputs {
			out.Outputs[step.String()] = text
		}
	}

	return out, nil
}
