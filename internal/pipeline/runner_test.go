package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/generation"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
	"github.com/scriptfactory/script-factory-be/internal/templates"
)

// fakeGenerator replays canned responses per step and records every request.
type fakeGenerator struct {
	responses map[domain.Step][]string
	errs      map[domain.Step]error
	requests  []generation.Request
}

func (f *fakeGenerator) next(req generation.Request) (string, error) {
	f.requests = append(f.requests, req)

	if err := f.errs[req.Step]; err != nil {
		return "", err
	}

	queue := f.responses[req.Step]
	if len(queue) == 0 {
		return "", errors.New("fake generator: no response queued for " + req.Step.String())
	}
	resp := queue[0]
	f.responses[req.Step] = queue[1:]
	return resp, nil
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request) (string, error) {
	return f.next(req)
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, req generation.Request, _ string, _ any) (string, error) {
	return f.next(req)
}

func testRegistry(t *testing.T) *templates.Registry {
	t.Helper()
	reg, err := templates.Load("testdata/templates.yaml")
	require.NoError(t, err)
	return reg
}

func testConfig() schedule.Config {
	// Zero delays keep the tests fast; pacing is covered by the schedule
	// package tests.
	return schedule.Config{
		ScenesPerBatch: 3,
		ParallelJobs:   1,
		MaxRetries:     5,
		ContextWindow:  2000,
		Tolerance:      3,
	}
}

func newTestRunner(t *testing.T, gen Generator, sceneCount int) *Runner {
	t.Helper()
	return NewRunner(gen, testRegistry(t), testConfig(), Options{SceneCount: sceneCount},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestRunner_RunJob_Success(t *testing.T) {
	// 7 scenes in batches of 5: outline and script take 2 calls each.
	promptPayload := `{"image_prompts":["img 1"],"video_prompts":["vid 1"]}`
	gen := &fakeGenerator{responses: map[domain.Step][]string{
		domain.StepDiscovery: {"discovered news"},
		domain.StepOutline:   {"outline part one", "outline part two"},
		domain.StepScript:    {"script part one", "script part two"},
		domain.StepPrompts:   {promptPayload},
		domain.StepVoiceover: {"voiceover text"},
		domain.StepMetadata:  {"title and tags"},
	}}

	r := NewRunner(gen, testRegistry(t), testConfig(), Options{SceneCount: 7},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	job := domain.NewJob("Topic A")
	err := r.RunJob(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, job.Outputs, domain.StepCount)
	assert.Equal(t, "discovered news", job.Outputs[domain.StepDiscovery])
	assert.Equal(t, "outline part one\noutline part two", job.Outputs[domain.StepOutline])
	assert.Equal(t, "script part one\nscript part two", job.Outputs[domain.StepScript])
	assert.Equal(t, "voiceover text", job.Outputs[domain.StepVoiceover])
	assert.Equal(t, "title and tags", job.Outputs[domain.StepMetadata])

	var merged PromptSet
	require.NoError(t, json.Unmarshal([]byte(job.Outputs[domain.StepPrompts]), &merged))
	assert.Equal(t, []string{"img 1"}, merged.ImagePrompts)
	assert.Equal(t, []string{"vid 1"}, merged.VideoPrompts)
}

func TestRunner_RunJob_ScriptFailureKeepsEarlierOutputs(t *testing.T) {
	gen := &fakeGenerator{
		responses: map[domain.Step][]string{
			domain.StepDiscovery: {"discovered news"},
			domain.StepOutline:   {"outline " + EndMarker},
		},
		errs: map[domain.Step]error{
			domain.StepScript: errors.New("quota exceeded"),
		},
	}

	r := NewRunner(gen, testRegistry(t), testConfig(), Options{SceneCount: 7},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	job := domain.NewJob("Topic A")
	err := r.RunJob(context.Background(), job)
	require.Error(t, err)

	// The original failure message is preserved verbatim and tied to its stage.
	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, domain.StepScript, stageErr.Step)
	assert.Contains(t, err.Error(), "quota exceeded")

	// Earlier outputs survive; later stages never ran.
	assert.Equal(t, "discovered news", job.Outputs[domain.StepDiscovery])
	assert.Equal(t, "outline", job.Outputs[domain.StepOutline])
	assert.NotContains(t, job.Outputs, domain.StepScript)
	assert.NotContains(t, job.Outputs, domain.StepPrompts)
	assert.NotContains(t, job.Outputs, domain.StepVoiceover)
	assert.NotContains(t, job.Outputs, domain.StepMetadata)
}

func TestRunner_ChunkedStage_EndMarker(t *testing.T) {
	// 45 scenes would allow 9 batches, but the marker in batch two stops
	// the loop and is stripped from the result.
	gen := &fakeGenerator{responses: map[domain.Step][]string{
		domain.StepOutline: {"part one", "part two " + EndMarker, "never requested"},
	}}

	r := newTestRunner(t, gen, 45)
	job := domain.NewJob("seed")
	job.Outputs[domain.StepDiscovery] = "news"

	out, err := r.runChunkedStage(context.Background(), job, domain.StepOutline, "news", 0, 0)
	require.NoError(t, err)

	assert.Equal(t, "part one\npart two", out)
	assert.NotContains(t, out, EndMarker)
	assert.Len(t, gen.requests, 2)
}

func TestRunner_ChunkedStage_ContinuityContext(t *testing.T) {
	gen := &fakeGenerator{responses: map[domain.Step][]string{
		domain.StepScript: {"first fragment", "second fragment"},
	}}

	r := newTestRunner(t, gen, 10) // 2 batches of 5
	job := domain.NewJob("seed")

	out, err := r.runChunkedStage(context.Background(), job, domain.StepScript, "the outline", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "first fragment\nsecond fragment", out)

	require.Len(t, gen.requests, 2)
	// First call sees only the stage input; the second also carries the
	// accumulated output.
	assert.Equal(t, "the outline", gen.requests[0].Context)
	assert.Contains(t, gen.requests[1].Context, "the outline")
	assert.Contains(t, gen.requests[1].Context, "first fragment")

	// Scene ranges advance with the batch index.
	assert.Equal(t, 1, gen.requests[0].SceneStart)
	assert.Equal(t, 5, gen.requests[0].SceneEnd)
	assert.Equal(t, 6, gen.requests[1].SceneStart)
	assert.Equal(t, 10, gen.requests[1].SceneEnd)
}

func TestRunner_ChunkedStage_TemplateResolutionFailsBeforeAnyCall(t *testing.T) {
	gen := &fakeGenerator{responses: map[domain.Step][]string{
		domain.StepDiscovery: {"discovered news"},
	}}

	r := NewRunner(gen, testRegistry(t), testConfig(),
		Options{SceneCount: 5, TemplateIDs: map[domain.Step]string{domain.StepOutline: "missing"}},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	job := domain.NewJob("seed")
	err := r.RunJob(context.Background(), job)
	require.Error(t, err)

	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	// Discovery ran (one call); the outline stage failed before calling out.
	assert.Len(t, gen.requests, 1)
}

func TestRunner_RunJob_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &fakeGenerator{responses: map[domain.Step][]string{}}
	r := NewRunner(gen, testRegistry(t), testConfig(), Options{SceneCount: 5},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	job := domain.NewJob("seed")
	err := r.RunJob(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Empty(t, gen.requests)
}

func TestRunner_StageContext_WindowCutRespectsRunes(t *testing.T) {
	cfg := testConfig()
	cfg.ContextWindow = 4

	gen := &fakeGenerator{responses: map[domain.Step][]string{}}
	r := NewRunner(gen, testRegistry(t), cfg, Options{SceneCount: 5},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	// 10 three-byte runes: a 4-byte window lands mid-rune and must advance
	// to the next rune start instead of mangling the leading character.
	acc := strings.Repeat("日", 10)
	got := r.stageContext("input", []string{acc})

	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "日"))

	_, tail, found := strings.Cut(got, "--- OUTPUT SO FAR ---\n")
	require.True(t, found)
	assert.Equal(t, "日", tail)
}
