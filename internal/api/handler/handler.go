package handler

import (
	"log/slog"
	"time"

	"github.com/scriptfactory/script-factory-be/internal/api/dto"
	"github.com/scriptfactory/script-factory-be/internal/archive"
	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
	"github.com/scriptfactory/script-factory-be/internal/scheduler"
	"github.com/scriptfactory/script-factory-be/internal/templates"
)

// RunDefaults are the pipeline parameters applied when a run request
// leaves them unset.
type RunDefaults struct {
	SceneCount       int
	MinWordsPerScene int
	MaxWordsPerScene int
}

// Dependencies holds all dependencies needed by handlers. Archive is nil
// when the run archive is disabled.
type Dependencies struct {
	Logger    *slog.Logger
	Scheduler *scheduler.Scheduler
	Registry  *templates.Registry
	Archive   *archive.Store
	Capacity  func() int
	Defaults  RunDefaults
}

// FactoryHandler handles queue, run and reporting HTTP requests
type FactoryHandler struct {
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	registry  *templates.Registry
	archive   *archive.Store
	capacity  func() int
	defaults  RunDefaults
}

// NewFactoryHandler creates a new FactoryHandler instance
func NewFactoryHandler(deps *Dependencies) *FactoryHandler {
	return &FactoryHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
		registry:  deps.Registry,
		archive:   deps.Archive,
		capacity:  deps.Capacity,
		defaults:  deps.Defaults,
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:     job.ID,
		Input:     job.Input,
		Status:    job.Status,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	}

	if !job.FinishedAt.IsZero() {
		out.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}

	if len(job.Outputs) > 0 {
		out.Outputs = make(map[string]string, len(job.Outputs))
		for step, text := range job.Outputs {
			out.Outputs[step.String()] = text
		}
	}

	return out
}

func toJobDTOs(jobs []*domain.Job) []dto.JobDTO {
	result := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		result[i] = toJobDTO(job)
	}
	return result
}

func toConfigDTO(cfg schedule.Config) dto.ConfigDTO {
	return dto.ConfigDTO{
		ScenesPerBatch:    cfg.ScenesPerBatch,
		ParallelJobs:      cfg.ParallelJobs,
		InterBatchDelayMS: int(cfg.InterBatchDelay / time.Millisecond),
		InterJobDelayMS:   int(cfg.InterJobDelay / time.Millisecond),
		MaxRetries:        cfg.MaxRetries,
		ContextWindow:     cfg.ContextWindow,
		Tolerance:         cfg.Tolerance,
	}
}

// stepByName maps the wire step names back to pipeline steps.
func stepByName(name string) (domain.Step, bool) {
	for step := domain.StepDiscovery; step <= domain.StepMetadata; step++ {
		if step.String() == name {
			return step, true
		}
	}
	return 0, false
}
