package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/ashureev/farm-intake/internal/config"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini calls Google's Gemini API.
type Gemini struct {
	apiKey string
	model  string
	logger *slog.Logger

	mu     sync.Mutex
	client *genai.Client
}

// NewGemini builds the Gemini backend. The client is created on first use.
func NewGemini(cfg config.ModelConfig, logger *slog.Logger) *Gemini {
	model := cfg.Name
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		apiKey: cfg.GoogleAPIKey,
		model:  model,
		logger: logger.With("component", "llm", "provider", config.ProviderGemini),
	}
}

// Name implements Backend.
func (g *Gemini) Name() string { return config.ProviderGemini }

func (g *Gemini) getClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.client = client
	return client, nil
}

// Generate implements Backend.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.apiKey == "" {
		return nil, ErrMissingCredentials
	}
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.UserMessage, genai.RoleUser))

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens:   int32(req.MaxOutputTokens),
	}
	if req.JSONMode {
		genCfg.ResponseMIMEType = "application/json"
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	text := result.Text()
	if text == "" {
		g.logger.Warn("model returned empty candidate", "model", g.model)
		return nil, fmt.Errorf("%w: gemini returned no text", ErrUpstream)
	}
	return &Response{Text: text, Model: g.model}, nil
}
