// Package generate answers inference jobs with an OpenAI compatible chat model.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/model"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 1024
	maxRetries       = 3
)

const systemPrompt = "Answer the question using only the provided context. " +
	"If the context does not contain the answer, say so."

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

func FromConfig(cfg config.OpenAIConfig) Config {
	return Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}
}

type Generator struct {
	client    openai.Client
	model     string
	maxTokens int
	sleep     func(time.Duration)
}

func New(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	m := cfg.Model
	if m == "" {
		m = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &Generator{
		client:    openai.NewClient(opts...),
		model:     m,
		maxTokens: maxTokens,
		sleep:     time.Sleep,
	}, nil
}

func (g *Generator) Model() string {
	return g.model
}

// Generate builds a prompt from the params and asks the chat model. A model
// named in params overrides the configured one for this call.
func (g *Generator) Generate(ctx context.Context, params model.InferenceParams) (*model.GeneratedPayload, error) {
	prompt := BuildPrompt(params)
	if prompt == "" {
		return nil, fmt.Errorf("%w: inference needs a query or prompt", model.ErrInvalidParams)
	}
	m := g.model
	if params.Model != "" {
		m = params.Model
	}

	req := openai.ChatCompletionNewParams{
		Model: m,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(int64(g.maxTokens)),
	}

	var (
		resp *openai.ChatCompletion
		err  error
	)
	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err = g.client.Chat.Completions.New(ctx, req)
		if err == nil {
			slog.DebugContext(ctx, "inference completed",
				"model", m,
				"duration_ms", time.Since(start).Milliseconds(),
				"prompt_tokens", resp.Usage.PromptTokens,
				"completion_tokens", resp.Usage.CompletionTokens)
			break
		}
		if attempt >= maxRetries || !IsRetryable(ctx, err) {
			return nil, fmt.Errorf("openai chat: %w", err)
		}
		g.sleep(time.Duration(attempt) * time.Second)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &model.GeneratedPayload{
		Query:   params.Query,
		Prompt:  prompt,
		Context: params.Context,
		Result:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:   m,
	}, nil
}

// BuildPrompt returns params.Prompt when set, otherwise a prompt made of
// the numbered context items followed by the query.
func BuildPrompt(params model.InferenceParams) string {
	if params.Prompt != "" {
		return params.Prompt
	}
	if params.Query == "" {
		return ""
	}
	if len(params.Context) == 0 {
		return params.Query
	}

	var b strings.Builder
	b.WriteString("Context:\n")
	for i, c := range params.Context {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(c))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(params.Query)
	return b.String()
}

func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			slog.WarnContext(ctx, "inference rate limited, will retry", "status_code", apiErr.StatusCode)
			return true
		case apiErr.StatusCode >= 500:
			slog.WarnContext(ctx, "inference server error, will retry", "status_code", apiErr.StatusCode)
			return true
		default:
			slog.ErrorContext(ctx, "inference client error, not retryable",
				"status_code", apiErr.StatusCode,
				"error_code", apiErr.Code)
			return false
		}
	}

	slog.WarnContext(ctx, "inference network error, will retry", "error", err)
	return true
}
