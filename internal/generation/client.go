// Package generation wraps the OpenAI chat-completions API behind the
// narrow call contract the pipeline consumes: one instruction, one context
// payload, one text (or structured JSON) result.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/scriptfactory/script-factory-be/internal/domain"
)

// Request carries everything one generation call needs. Context holds the
// accumulated output of earlier batches (for continuity) or the prior
// stage's output; the zero values of the optional fields simply omit the
// corresponding hint from the composed message.
type Request struct {
	Step         domain.Step
	Instruction  string
	Context      string
	BatchIndex   int // 0-based
	TotalBatches int
	SceneStart   int
	SceneEnd     int
	MinWords     int
	MaxWords     int
}

// Config holds generation client settings.
type Config struct {
	Model          string
	BaseURL        string
	RequestTimeout time.Duration
}

// Client talks to the OpenAI API using a pool of keys, one SDK client per
// key. Calls rotate through the pool round-robin.
type Client struct {
	clients []openai.Client
	pool    *keyPool
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient builds a client over the given key pool. An empty pool is a
// configuration error: nothing can be generated without a credential.
func NewClient(keys []string, cfg Config, logger *slog.Logger) (*Client, error) {
	if len(keys) == 0 {
		return nil, domain.ErrNoAPIKeys
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	clients := make([]openai.Client, len(keys))
	for i, key := range keys {
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		clients[i] = openai.NewClient(opts...)
	}

	logger.Info("Generation client initialized",
		slog.Int("key_count", len(keys)),
		slog.String("model", model),
	)

	return &Client{
		clients: clients,
		pool:    newKeyPool(keys),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Capacity reports the number of usable keys, the capacity unit the
// schedule calculator scales its parameters by.
func (c *Client) Capacity() int {
	return c.pool.size()
}

// Generate issues one plain-text generation call.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	return c.complete(ctx, req, nil)
}

// GenerateJSON issues one generation call with a strict JSON schema
// enforced on the response. The raw JSON text is returned; parsing and
// any fallback policy belong to the caller.
func (c *Client) GenerateJSON(ctx context.Context, req Request, schemaName string, schema any) (string, error) {
	format := &openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:        schemaName,
				Description: openai.String("Structured data response"),
				Schema:      schema,
				Strict:      openai.Bool(true),
			},
		},
	}
	return c.complete(ctx, req, format)
}

func (c *Client) complete(ctx context.Context, req Request, format *openai.ChatCompletionNewParamsResponseFormatUnion) (string, error) {
	keyIdx := c.pool.pick()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(composeMessage(req)),
		},
		Model: c.model,
	}
	if format != nil {
		params.ResponseFormat = *format
	}

	start := time.Now()
	completion, err := c.clients[keyIdx].Chat.Completions.New(callCtx, params)
	if err != nil {
		c.logger.Error("Generation call failed",
			slog.String("step", req.Step.String()),
			slog.Int("batch_index", req.BatchIndex),
			slog.Int("key_index", keyIdx),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("generation call failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("generation call returned no choices")
	}

	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("generation call returned empty content (finish reason: %s)", completion.Choices[0].FinishReason)
	}

	c.logger.Debug("Generation call completed",
		slog.String("step", req.Step.String()),
		slog.Int("batch_index", req.BatchIndex),
		slog.Int("key_index", keyIdx),
		slog.Duration("latency", time.Since(start)),
		slog.Int("content_size", len(content)),
	)

	return content, nil
}

// composeMessage builds the user message from the resolved instruction,
// the stage hints and the continuity context.
func composeMessage(req Request) string {
	var b strings.Builder
	b.WriteString(req.Instruction)

	if req.TotalBatches > 1 {
		fmt.Fprintf(&b, "\n\nThis is part %d of %d.", req.BatchIndex+1, req.TotalBatches)
	}
	if req.SceneEnd > 0 {
		fmt.Fprintf(&b, "\nCover scenes %d through %d.", req.SceneStart, req.SceneEnd)
	}
	if req.MaxWords > 0 {
		fmt.Fprintf(&b, "\nKeep each scene between %d and %d words.", req.MinWords, req.MaxWords)
	}
	if req.Context != "" {
		b.WriteString("\n\n--- CONTEXT ---\n")
		b.WriteString(req.Context)
	}

	return b.String()
}
