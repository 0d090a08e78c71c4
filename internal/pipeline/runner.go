// Package pipeline drives one job through the six-stage generation
// pipeline: discovery, outline, script, prompt extraction, voice-over and
// metadata. Stages run strictly in order; the chunked stages loop over
// scene sub-batches so each remote call only has to produce a bounded
// slice of output.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/generation"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
	"github.com/scriptfactory/script-factory-be/internal/templates"
)

// EndMarker is the sentinel the model emits when a chunked stage has no
// more content to produce. It terminates the batch loop early and is
// stripped from the final fragment.
const EndMarker = "[ALL_SCENES_DONE]"

// scenesPerGenerationBatch bounds how many scenes one outline or script
// call is asked to produce. The schedule calculator's ScenesPerBatch
// drives estimates only; the executor keeps a fixed, known-safe bound.
const scenesPerGenerationBatch = 5

// Generator is the narrow generation call contract the pipeline consumes.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (string, error)
	GenerateJSON(ctx context.Context, req generation.Request, schemaName string, schema any) (string, error)
}

// ProgressFunc receives per-batch progress while a job runs. May be nil.
type ProgressFunc func(ev domain.ProgressEvent)

// Options shape one run of the pipeline.
type Options struct {
	SceneCount       int
	MinWordsPerScene int
	MaxWordsPerScene int
	// TemplateIDs optionally overrides the default template per step.
	TemplateIDs map[domain.Step]string
}

// Runner executes the ordered six-step pipeline for one job at a time.
type Runner struct {
	gen      Generator
	registry *templates.Registry
	cfg      schedule.Config
	opts     Options
	logger   *slog.Logger
	progress ProgressFunc
}

// NewRunner creates a pipeline runner bound to one schedule configuration.
func NewRunner(gen Generator, registry *templates.Registry, cfg schedule.Config, opts Options, logger *slog.Logger, progress ProgressFunc) *Runner {
	if opts.SceneCount < 1 {
		opts.SceneCount = 1
	}
	return &Runner{
		gen:      gen,
		registry: registry,
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		progress: progress,
	}
}

// RunJob drives every stage for one job. The first stage failure aborts
// the job; outputs already produced stay attached for diagnosis. The
// caller owns the job's status field.
func (r *Runner) RunJob(ctx context.Context, job *domain.Job) error {
	stages := []struct {
		step domain.Step
		run  func(ctx context.Context, job *domain.Job) (string, error)
	}{
		{domain.StepDiscovery, r.runDiscovery},
		{domain.StepOutline, r.runOutline},
		{domain.StepScript, r.runScript},
		{domain.StepPrompts, r.runPromptExtraction},
		{domain.StepVoiceover, r.runVoiceover},
		{domain.StepMetadata, r.runMetadata},
	}

	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return domain.NewStageError(stage.step, fmt.Errorf("cancelled: %w", err))
		}

		r.logger.Info("Starting pipeline stage",
			slog.String("job_id", job.ID),
			slog.Int("step", int(stage.step)),
			slog.String("stage", stage.step.String()),
		)

		out, err := stage.run(ctx, job)
		if err != nil {
			return domain.NewStageError(stage.step, err)
		}
		job.Outputs[stage.step] = out

		r.logger.Info("Pipeline stage completed",
			slog.String("job_id", job.ID),
			slog.String("stage", stage.step.String()),
			slog.Int("output_size", len(out)),
		)

		// Pacing between stages, not error recovery. Skipped after the
		// final stage.
		if i < len(stages)-1 {
			if err := wait(ctx, r.cfg.InterBatchDelay); err != nil {
				return domain.NewStageError(stage.step, fmt.Errorf("cancelled: %w", err))
			}
		}
	}

	return nil
}

func (r *Runner) runDiscovery(ctx context.Context, job *domain.Job) (string, error) {
	return r.runFlatStage(ctx, job, domain.StepDiscovery, job.Input, 0, 0)
}

func (r *Runner) runOutline(ctx context.Context, job *domain.Job) (string, error) {
	return r.runChunkedStage(ctx, job, domain.StepOutline, job.Outputs[domain.StepDiscovery],
		r.opts.MinWordsPerScene, r.opts.MaxWordsPerScene)
}

func (r *Runner) runScript(ctx context.Context, job *domain.Job) (string, error) {
	return r.runChunkedStage(ctx, job, domain.StepScript, job.Outputs[domain.StepOutline], 0, 0)
}

func (r *Runner) runVoiceover(ctx context.Context, job *domain.Job) (string, error) {
	// Voice-over reads the script, not the extracted prompts.
	return r.runFlatStage(ctx, job, domain.StepVoiceover, job.Outputs[domain.StepScript],
		r.opts.MinWordsPerScene, r.opts.MaxWordsPerScene)
}

func (r *Runner) runMetadata(ctx context.Context, job *domain.Job) (string, error) {
	return r.runFlatStage(ctx, job, domain.StepMetadata, job.Outputs[domain.StepScript], 0, 0)
}

// runFlatStage issues exactly one generation call.
func (r *Runner) runFlatStage(ctx context.Context, job *domain.Job, step domain.Step, input string, minWords, maxWords int) (string, error) {
	instruction, err := r.resolveTemplate(step)
	if err != nil {
		return "", err
	}

	r.emit(job, step, 0, 1, fmt.Sprintf("running %s", step))

	out, err := r.gen.Generate(ctx, generation.Request{
		Step:         step,
		Instruction:  instruction,
		Context:      input,
		TotalBatches: 1,
		MinWords:     minWords,
		MaxWords:     maxWords,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// runChunkedStage loops over scene sub-batches, feeding each call the
// accumulated output so far for continuity. The computed batch total is an
// upper bound, not a commitment: the end marker terminates early.
func (r *Runner) runChunkedStage(ctx context.Context, job *domain.Job, step domain.Step, input string, minWords, maxWords int) (string, error) {
	instruction, err := r.resolveTemplate(step)
	if err != nil {
		return "", err
	}

	totalBatches := schedule.TotalBatches(r.opts.SceneCount, scenesPerGenerationBatch)
	var fragments []string

	for batch := 0; batch < totalBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("cancelled: %w", err)
		}

		r.emit(job, step, batch, totalBatches,
			fmt.Sprintf("%s batch %d/%d", step, batch+1, totalBatches))

		sceneStart := batch*scenesPerGenerationBatch + 1
		sceneEnd := min((batch+1)*scenesPerGenerationBatch, r.opts.SceneCount)

		fragment, err := r.gen.Generate(ctx, generation.Request{
			Step:         step,
			Instruction:  instruction,
			Context:      r.stageContext(input, fragments),
			BatchIndex:   batch,
			TotalBatches: totalBatches,
			SceneStart:   sceneStart,
			SceneEnd:     sceneEnd,
			MinWords:     minWords,
			MaxWords:     maxWords,
		})
		if err != nil {
			return "", err
		}

		fragment, done := stripEndMarker(fragment)
		if fragment = strings.TrimSpace(fragment); fragment != "" {
			fragments = append(fragments, fragment)
		}
		if done {
			r.logger.Debug("Stage signalled completion early",
				slog.String("job_id", job.ID),
				slog.String("stage", step.String()),
				slog.Int("batch", batch+1),
				slog.Int("total_batches", totalBatches),
			)
			break
		}

		if batch < totalBatches-1 {
			if err := wait(ctx, r.cfg.InterBatchDelay); err != nil {
				return "", fmt.Errorf("cancelled: %w", err)
			}
		}
	}

	return strings.TrimSpace(strings.Join(fragments, "\n")), nil
}

// stageContext combines the stage's input with the tail of the output
// accumulated so far, bounded by the configured context window.
func (r *Runner) stageContext(input string, fragments []string) string {
	if len(fragments) == 0 {
		return input
	}

	acc := strings.Join(fragments, "\n")
	if r.cfg.ContextWindow > 0 && len(acc) > r.cfg.ContextWindow {
		cut := len(acc) - r.cfg.ContextWindow
		// Advance past any continuation bytes so the cut never splits a rune.
		for cut < len(acc) && !utf8.RuneStart(acc[cut]) {
			cut++
		}
		acc = acc[cut:]
	}

	return input + "\n\n--- OUTPUT SO FAR ---\n" + acc
}

func (r *Runner) resolveTemplate(step domain.Step) (string, error) {
	return r.registry.Resolve(step, r.opts.TemplateIDs[step])
}

func (r *Runner) emit(job *domain.Job, step domain.Step, batch, totalBatches int, msg string) {
	if r.progress == nil {
		return
	}
	r.progress(domain.ProgressEvent{
		JobID:        job.ID,
		Step:         step,
		BatchIndex:   batch,
		TotalBatches: totalBatches,
		Message:      msg,
	})
}

// stripEndMarker removes the sentinel from a fragment and reports whether
// it was present.
func stripEndMarker(fragment string) (string, bool) {
	idx := strings.Index(fragment, EndMarker)
	if idx < 0 {
		return fragment, false
	}
	return fragment[:idx], true
}

// wait suspends for d, returning early if the context is cancelled.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
