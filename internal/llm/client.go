// Package llm wraps the OpenAI-compatible chat completion API used by the
// assistant. The default endpoint is Groq's OpenAI-compatible API.
//
// The client retries transient failures with exponential backoff, applies a
// proactive rate limiter, and exposes streaming as an iterator of text
// fragments. Provider SDK errors are translated to package sentinels.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// systemPrompt frames the assistant's role for every conversation.
const systemPrompt = `You are a helpful assistant that analyzes expense documents and answers questions about personal finances. When document text is provided, ground your answers in it and say so when the document does not contain the answer.`

// Message is one turn of conversation context sent to the model.
type Message struct {
	Role    string
	Content string
}

// Config configures a Client. APIKey and Model are required; everything
// else has working defaults.
type Config struct {
	APIKey      string
	BaseURL     string // OpenAI-compatible endpoint (empty = Groq)
	Model       string
	MaxTokens   int
	Temperature float32

	Retry       RetryConfig   // zero-value uses defaults
	RateLimiter *rate.Limiter // nil = default limiter
	Logger      *slog.Logger  // nil = slog.Default()
}

// Client calls an OpenAI-compatible chat completion API.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
	retry       RetryConfig
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// DefaultBaseURL is Groq's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = baseURL

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	// Default: 10 requests/sec sustained, burst of 30
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		retry:       retry,
		limiter:     limiter,
		logger:      logger,
	}, nil
}

// Complete sends the conversation and returns the full reply in one shot.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := retryCall(ctx, c, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return c.api.CreateChatCompletion(ctx, c.buildRequest(messages, false))
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// buildRequest assembles the chat completion request, prepending the system
// prompt.
func (c *Client) buildRequest(messages []Message, stream bool) openai.ChatCompletionRequest {
	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	apiMessages = append(apiMessages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, msg := range messages {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    apiMessages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      stream,
	}
}
