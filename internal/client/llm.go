package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/bookgen/api/internal/recovery"
)

const defaultLLMModel = "gpt-4o-mini"

// LLMConfig configures an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
	HTTPClient  *http.Client
}

// LLMClient generates text through the chat completions API.
type LLMClient struct {
	model       string
	temperature float64
	client      openai.Client
}

func NewLLMClient(cfg LLMConfig) *LLMClient {
	if cfg.Model == "" {
		cfg.Model = defaultLLMModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &LLMClient{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      openai.NewClient(opts...),
	}
}

func (c *LLMClient) Model() string { return c.model }

// Complete sends one system + user exchange and returns the reply text.
func (c *LLMClient) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapLLMError(err)
	}
	if len(resp.Choices) == 0 {
		return "", recovery.E(recovery.KindGeneration, "llm completion", errors.New("no choices returned"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", recovery.E(recovery.KindGeneration, "llm completion", errors.New("empty completion"))
	}
	return text, nil
}

// HealthCheck verifies the endpoint is reachable and the key is valid.
func (c *LLMClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("llm models list failed: %w", mapLLMError(err))
	}
	return nil
}

// mapLLMError tags SDK errors with a recovery kind. Deadlines keep their
// timeout kind.
func mapLLMError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return recovery.E(recovery.KindTimeout, "llm completion", err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout {
			return recovery.E(recovery.KindTimeout, "llm completion", fmt.Errorf("status %d: %w", apiErr.StatusCode, err))
		}
		return recovery.E(recovery.KindAPI, "llm completion", fmt.Errorf("status %d: %w", apiErr.StatusCode, err))
	}
	return recovery.E(recovery.KindAPI, "llm completion", err)
}
