// Package llmclient wraps the teacher's embedding providers and the OpenAI
// chat API behind a single typed client used by the enrichment pipeline:
// embed, classify, and generate, each hardened with retry + circuit
// breaking + one token-bucket rate limiter shared by the whole client.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentmem/memoryd/llm/circuitbreaker"
	"github.com/agentmem/memoryd/llm/embedding"
	"github.com/agentmem/memoryd/llm/retry"
	"github.com/agentmem/memoryd/types"
)

var tracer = otel.Tracer("github.com/agentmem/memoryd/llmclient")

// Config configures Client.
type Config struct {
	APIKey             string
	BaseURL            string
	GenerationModel    string
	RateLimitRPS       float64
	RateLimitBurst     int
	Retry              *retry.RetryPolicy
	CircuitBreaker     *circuitbreaker.Config
	RequestTimeout     time.Duration
}

// Client is the outbound LLM surface the enrichment pipeline depends on.
// It never talks to vendor SDKs directly from pipeline code, so swapping
// providers or adding new hardening stays confined to this package.
type Client struct {
	embedder embedding.Provider
	chat     openai.Client
	model    string

	limiter *rate.Limiter
	retryer retry.Retryer
	breaker circuitbreaker.CircuitBreaker

	timeout time.Duration
	logger  *zap.Logger
}

// New builds a Client around an existing embedding.Provider (any of the
// teacher's cohere/voyage/jina/gemini/openai implementations) and an OpenAI
// chat client for generation/classification.
func New(cfg Config, embedder embedding.Provider, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.GenerationModel
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Client{
		embedder: embedder,
		chat:     openai.NewClient(opts...),
		model:    model,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		retryer:  retry.NewBackoffRetryer(cfg.Retry, logger),
		breaker:  circuitbreaker.NewCircuitBreaker(cfg.CircuitBreaker, logger),
		timeout:  timeout,
		logger:   logger,
	}
}

// Embed generates vectors for a batch of texts, chunked to the provider's
// MaxBatchSize, retried and circuit-broken.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "llmclient.Embed", trace.WithAttributes(
		attribute.String("provider", c.embedder.Name()),
		attribute.Int("text_count", len(texts)),
	))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limiter wait cancelled")
		return nil, types.NewError(types.ErrDeadlineExceeded, "rate limiter wait cancelled").WithCause(err)
	}

	batchSize := c.embedder.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]

		vecs, err := retry.DoWithResultTyped(c.retryer, ctx, func() ([][]float64, error) {
			return circuitbreaker.CallWithResultTyped(c.breaker, ctx, func() ([][]float64, error) {
				return c.embedder.EmbedDocuments(ctx, chunk)
			})
		})
		if err != nil {
			span.SetStatus(codes.Error, "embedding provider failed")
			return nil, types.NewError(types.ErrProviderFailure, "embedding provider failed").WithCause(err).WithProvider(c.embedder.Name())
		}
		for _, v := range vecs {
			out = append(out, toFloat32(v))
		}
	}
	return out, nil
}

// Classify asks the generation model to pick zero or more labels from
// taxonomy for text, returning them in the order the model gave, with any
// label outside taxonomy dropped. It is used by the topic-tagging pipeline
// stage.
func (c *Client) Classify(ctx context.Context, text string, taxonomy []string) ([]string, error) {
	if len(taxonomy) == 0 {
		return nil, nil
	}
	prompt := fmt.Sprintf(
		"Classify the following text against this fixed label set: [%s].\n"+
			"Return a JSON array containing only the labels that apply, or [] if none do.\n\nText: %s",
		strings.Join(taxonomy, ", "), text,
	)

	raw, err := c.generate(ctx, prompt, 256)
	if err != nil {
		return nil, err
	}

	var labels []string
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &labels); err != nil {
		return nil, types.NewError(types.ErrProviderFailure, "classify: could not parse model output as JSON array").WithCause(err)
	}

	allowed := make(map[string]bool, len(taxonomy))
	for _, t := range taxonomy {
		allowed[t] = true
	}
	filtered := make([]string, 0, len(labels))
	for _, l := range labels {
		if allowed[l] {
			filtered = append(filtered, l)
		}
	}
	return filtered, nil
}

// Generate runs a free-form completion, used by the discrete/summary
// extraction strategies.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return c.generate(ctx, prompt, maxTokens)
}

func (c *Client) generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, span := tracer.Start(ctx, "llmclient.generate", trace.WithAttributes(
		attribute.String("model", c.model),
		attribute.Int("max_tokens", maxTokens),
	))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limiter wait cancelled")
		return "", types.NewError(types.ErrDeadlineExceeded, "rate limiter wait cancelled").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := retry.DoWithResultTyped(c.retryer, ctx, func() (string, error) {
		return circuitbreaker.CallWithResultTyped(c.breaker, ctx, func() (string, error) {
			resp, err := c.chat.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: c.model,
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.UserMessage(prompt),
				},
				MaxTokens: openai.Int(int64(maxTokens)),
			})
			if err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("generation: empty choices")
			}
			return resp.Choices[0].Message.Content, nil
		})
	})
	if err != nil {
		span.SetStatus(codes.Error, "generation provider failed")
		return "", types.NewError(types.ErrProviderFailure, "generation provider failed").WithCause(err).WithProvider("openai")
	}
	return result, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// extractJSONArray trims any prose surrounding a model's JSON array output,
// since generation models occasionally wrap answers in code fences or
// commentary despite instructions.
func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < 0 || end < start {
		return "[]"
	}
	return s[start : end+1]
}
