// Package llm provides the Gemini-backed chat completion client used by the
// chat retrieval pipeline.
package llm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/interfaces"
)

const (
	DefaultModel     = "gemini-3-flash-preview"
	DefaultRateLimit = 2 // requests per second
)

// Client implements the LLMClient interface over the Gemini API.
type Client struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
	logger  *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithModel sets the default model
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithRateLimit sets the request rate limit (requests per second)
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new LLM client
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	c := &Client{
		client:  genaiClient,
		model:   DefaultModel,
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// DefaultModel returns the configured default model.
func (c *Client) DefaultModel() string {
	return c.model
}

// Close closes the client
func (c *Client) Close() error {
	// The genai client doesn't have a Close method
	return nil
}

// ChatCompletion generates the full completion for a message list.
func (c *Client) ChatCompletion(ctx context.Context, model string, messages []interfaces.LLMMessage, temperature float32) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	model = c.resolveModel(model)
	contents, config := buildRequest(messages, temperature)

	c.logger.Debug().Str("model", model).Int("messages", len(messages)).Msg("Generating chat completion")

	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	return extractTextFromResponse(result)
}

// StreamChatCompletion streams the completion, invoking onDelta per chunk,
// and returns the concatenated trimmed text.
func (c *Client) StreamChatCompletion(ctx context.Context, model string, messages []interfaces.LLMMessage, temperature float32, onDelta func(delta string) error) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	model = c.resolveModel(model)
	contents, config := buildRequest(messages, temperature)

	c.logger.Debug().Str("model", model).Int("messages", len(messages)).Msg("Streaming chat completion")

	var sb strings.Builder
	for chunk, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return "", fmt.Errorf("chat completion stream failed: %w", err)
		}
		delta := chunkText(chunk)
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return "", err
		}
	}

	return strings.TrimSpace(sb.String()), nil
}

func (c *Client) resolveModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

// buildRequest maps role-tagged messages onto the Gemini wire format:
// system content becomes the system instruction, user stays "user", and
// assistant becomes "model".
func buildRequest(messages []interfaces.LLMMessage, temperature float32) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}

	var system []string
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}

	return contents, config
}

// chunkText safely extracts the text delta from a streamed response chunk.
// Housekeeping chunks may carry no candidates or empty parts.
func chunkText(chunk *genai.GenerateContentResponse) string {
	if chunk == nil || len(chunk.Candidates) == 0 {
		return ""
	}
	candidate := chunk.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// extractTextFromResponse extracts text from a generate content response
func extractTextFromResponse(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}

	return text, nil
}

var _ interfaces.LLMClient = (*Client)(nil)
