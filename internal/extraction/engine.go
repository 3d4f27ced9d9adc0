// Package extraction turns farmer messages into structured profile fields
// using a language model, recovering from malformed model output.
package extraction

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/farm-intake/internal/config"
	"github.com/ashureev/farm-intake/internal/conversation"
	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/ashureev/farm-intake/internal/llm"
	"github.com/ashureev/farm-intake/internal/metrics"
)

// TransientReply is sent when the model call fails or times out.
const TransientReply = "Sorry, I'm having trouble answering right now. Could you send that again in a moment?"

// Options configure an Engine.
type Options struct {
	Strategy        string
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Engine runs one extraction turn against a model backend.
type Engine struct {
	backend llm.Backend
	opts    Options
	logger  *slog.Logger
}

// NewEngine creates an Engine. Zero options fall back to the service
// defaults, except Temperature, which is passed through as configured.
func NewEngine(backend llm.Backend, opts Options) *Engine {
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyGuided
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "extraction"),
	}
}

// Request is the input to one extraction turn.
type Request struct {
	SessionID        string
	Message          string
	Profile          domain.Profile
	History          []domain.Turn
	ContextSummary   string
	Guidance         conversation.Guidance
	Urgent           bool
	RedirectRepeated bool
	Language         string
}

// Result is the outcome of one extraction turn.
type Result struct {
	Reply                string
	Extracted            map[string]string
	Profile              domain.Profile
	RegistrationComplete bool
	MissingFields        []string
	Language             string
	Stage                string
	Transient            bool
	Accepted             []string
	Rejected             []string
}

// Strategy returns the configured conversation strategy.
func (e *Engine) Strategy() string {
	return e.opts.Strategy
}

// Process builds the prompt, calls the model and merges validated fields
// into a copy of req.Profile. Only a *ConfigurationError is returned as an
// error; every other failure becomes a textual reply.
func (e *Engine) Process(ctx context.Context, req Request) (*Result, error) {
	guidance := req.Guidance
	if req.Urgent {
		guidance = conversation.GuidanceEmergency
	} else if e.opts.Strategy == config.StrategyFreeform {
		guidance = conversation.GuidanceContinue
	}

	profile := req.Profile.Clone()
	modelReq := llm.Request{
		SystemPrompt: buildSystemPrompt(promptParams{
			Strategy:         e.opts.Strategy,
			Guidance:         guidance,
			Urgent:           req.Urgent,
			Profile:          profile,
			ContextSummary:   req.ContextSummary,
			RedirectRepeated: req.RedirectRepeated,
		}),
		History:         buildHistory(req.History),
		UserMessage:     buildUserPrompt(req.Message, profile),
		Temperature:     e.opts.Temperature,
		MaxOutputTokens: e.opts.MaxOutputTokens,
		JSONMode:        true,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.backend.Generate(callCtx, modelReq)
	took := time.Since(start)
	if err != nil {
		if errors.Is(err, llm.ErrMissingCredentials) {
			e.opts.Metrics.ModelCall(e.backend.Name(), "unconfigured", took)
			e.logger.Error("model backend not configured", "provider", e.backend.Name(), "session_id", req.SessionID)
			return nil, &ConfigurationError{Provider: e.backend.Name(), Err: err}
		}
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		e.opts.Metrics.ModelCall(e.backend.Name(), outcome, took)
		e.logger.Warn("model call failed, sending transient reply",
			"session_id", req.SessionID, "outcome", outcome, "duration", took, "error", err)
		return e.transientResult(req, profile), nil
	}
	e.opts.Metrics.ModelCall(e.backend.Name(), "ok", took)

	out := decode(resp.Text)
	e.opts.Metrics.DecoderStage(out.Stage)
	if out.Stage != StageDirect {
		e.logger.Info("model output recovered by fallback decoder", "session_id", req.SessionID, "stage", out.Stage)
	}

	merged := Merge(profile, out.Fields)
	reply := out.Response
	for _, c := range merged.Clarifications {
		if !strings.Contains(strings.ToLower(reply), "country code") {
			reply = strings.TrimSpace(reply + " " + c)
		}
	}

	extracted := make(map[string]string, len(merged.Accepted))
	for _, f := range merged.Accepted {
		extracted[f] = profile[f]
	}

	language := out.Language
	if language == "" {
		language = req.Language
	}

	missing := profile.Missing()
	return &Result{
		Reply:                reply,
		Extracted:            extracted,
		Profile:              profile,
		RegistrationComplete: len(missing) == 0,
		MissingFields:        missing,
		Language:             language,
		Stage:                out.Stage,
		Accepted:             merged.Accepted,
		Rejected:             merged.Rejected,
	}, nil
}

func (e *Engine) transientResult(req Request, profile domain.Profile) *Result {
	missing := profile.Missing()
	return &Result{
		Reply:                TransientReply,
		Extracted:            map[string]string{},
		Profile:              profile,
		RegistrationComplete: len(missing) == 0,
		MissingFields:        missing,
		Language:             req.Language,
		Stage:                StageTransient,
		Transient:            true,
	}
}
