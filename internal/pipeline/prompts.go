package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/generation"
)

// promptChunkParagraphs bounds how many script paragraphs one extraction
// call is asked to cover.
const promptChunkParagraphs = 5

// PromptSet is the structured result of the prompt extraction stage.
type PromptSet struct {
	ImagePrompts []string `json:"image_prompts" jsonschema_description:"One text-to-image generation prompt per scene in the chunk."`
	VideoPrompts []string `json:"video_prompts" jsonschema_description:"One text-to-video generation prompt per scene in the chunk, including camera movement."`
}

// generateSchema builds a strict JSON schema for structured outputs.
func generateSchema[T any]() any {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

var promptSetSchema = generateSchema[PromptSet]()

// runPromptExtraction splits the script into scene chunks, runs one
// structured extraction call per chunk and merges the results. A chunk
// whose payload cannot be parsed contributes empty lists instead of
// failing the stage; call failures still abort it.
func (r *Runner) runPromptExtraction(ctx context.Context, job *domain.Job) (string, error) {
	instruction, err := r.resolveTemplate(domain.StepPrompts)
	if err != nil {
		return "", err
	}

	chunks := chunkScript(job.Outputs[domain.StepScript])
	var merged PromptSet

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("cancelled: %w", err)
		}

		r.emit(job, domain.StepPrompts, i, len(chunks),
			fmt.Sprintf("prompts chunk %d/%d", i+1, len(chunks)))

		raw, err := r.gen.GenerateJSON(ctx, generation.Request{
			Step:         domain.StepPrompts,
			Instruction:  instruction,
			Context:      chunk,
			BatchIndex:   i,
			TotalBatches: len(chunks),
		}, "prompt_set", promptSetSchema)
		if err != nil {
			return "", err
		}

		set, parseErr := parsePromptSet(raw)
		if parseErr != nil {
			r.logger.Warn("Malformed prompt payload, substituting empty result",
				slog.String("job_id", job.ID),
				slog.Int("chunk", i+1),
				slog.String("error", parseErr.Error()),
			)
			set = PromptSet{}
		}

		merged.ImagePrompts = append(merged.ImagePrompts, set.ImagePrompts...)
		merged.VideoPrompts = append(merged.VideoPrompts, set.VideoPrompts...)

		if i < len(chunks)-1 {
			if err := wait(ctx, r.cfg.InterBatchDelay); err != nil {
				return "", fmt.Errorf("cancelled: %w", err)
			}
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt set: %w", err)
	}
	return string(out), nil
}

// chunkScript groups the script's paragraphs into extraction chunks. An
// empty script still yields one chunk so the stage makes at least one call.
func chunkScript(script string) []string {
	paragraphs := splitParagraphs(script)
	if len(paragraphs) == 0 {
		return []string{strings.TrimSpace(script)}
	}

	var chunks []string
	for start := 0; start < len(paragraphs); start += promptChunkParagraphs {
		end := min(start+promptChunkParagraphs, len(paragraphs))
		chunks = append(chunks, strings.Join(paragraphs[start:end], "\n\n"))
	}
	return chunks
}

// splitParagraphs splits text on blank-line boundaries, dropping empties.
func splitParagraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

// parsePromptSet parses a structured extraction payload. Models sometimes
// wrap JSON in a markdown code fence even under schema enforcement, so
// fences are stripped before the strict parse.
func parsePromptSet(raw string) (PromptSet, error) {
	cleaned := stripCodeFence(raw)

	var set PromptSet
	if err := json.Unmarshal([]byte(cleaned), &set); err != nil {
		return PromptSet{}, fmt.Errorf("invalid prompt payload: %w", err)
	}
	return set, nil
}

// stripCodeFence removes a surrounding ```json ... ``` fence if present.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
