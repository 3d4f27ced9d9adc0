// Package llm provides language model backends for the extraction engine.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/farm-intake/internal/config"
)

var (
	// ErrMissingCredentials is returned when the selected backend has no API key or address.
	ErrMissingCredentials = errors.New("model credentials are not configured")
	// ErrUpstream marks a failed or unusable response from the model provider.
	ErrUpstream = errors.New("model provider error")
)

// Message is one prior conversation turn sent to the model.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a single model invocation.
type Request struct {
	SystemPrompt    string
	History         []Message
	UserMessage     string
	Temperature     float64
	MaxOutputTokens int
	JSONMode        bool
}

// Response carries the raw model text.
type Response struct {
	Text  string
	Model string
}

// Backend generates a completion for a request.
type Backend interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (*Response, error)

// Generate implements Backend.
func (f BackendFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Name implements Backend.
func (f BackendFunc) Name() string { return "func" }

// New selects the backend named by cfg.Provider. Missing credentials are not
// an error here; the backend reports ErrMissingCredentials on every call.
func New(cfg config.ModelConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case config.ProviderOpenRouter:
		return NewOpenRouter(cfg, logger), nil
	case config.ProviderGemini:
		return NewGemini(cfg, logger), nil
	case config.ProviderGRPC:
		return NewGRPC(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
