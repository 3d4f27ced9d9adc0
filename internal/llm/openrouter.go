package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/ashureev/farm-intake/internal/config"
)

const defaultOpenRouterModel = "openai/gpt-4o-mini"

// OpenRouter talks to an OpenAI-compatible chat completions endpoint.
type OpenRouter struct {
	client *resty.Client
	apiKey string
	model  string
	logger *slog.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenRouter builds the OpenRouter backend.
func NewOpenRouter(cfg config.ModelConfig, logger *slog.Logger) *OpenRouter {
	model := cfg.Name
	if model == "" {
		model = defaultOpenRouterModel
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.OpenRouterBaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.OpenRouterAPIKey)

	return &OpenRouter{
		client: client,
		apiKey: cfg.OpenRouterAPIKey,
		model:  model,
		logger: logger.With("component", "llm", "provider", config.ProviderOpenRouter),
	}
}

// Name implements Backend.
func (o *OpenRouter) Name() string { return config.ProviderOpenRouter }

// Generate implements Backend.
func (o *OpenRouter) Generate(ctx context.Context, req Request) (*Response, error) {
	if o.apiKey == "" {
		return nil, ErrMissingCredentials
	}

	messages := make([]chatMessage, 0, len(req.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserMessage})

	body := chatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var result chatCompletionResponse
	var failure apiError
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&failure).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("openrouter request: %w", err)
	}
	if resp.IsError() {
		o.logger.Warn("model provider returned error", "status", resp.StatusCode(), "message", failure.Error.Message)
		return nil, fmt.Errorf("%w: openrouter status %d", ErrUpstream, resp.StatusCode())
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%w: openrouter returned no choices", ErrUpstream)
	}

	return &Response{Text: result.Choices[0].Message.Content, Model: result.Model}, nil
}
