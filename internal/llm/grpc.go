package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/farm-intake/internal/config"
)

// generateMethod is the sidecar RPC. Requests and responses are
// google.protobuf.Struct messages so no generated stubs are required.
const generateMethod = "/intake.model.v1.ModelService/Generate"

var errConnectionShutdown = errors.New("connection shutdown")

// GRPC forwards generation to a model sidecar.
type GRPC struct {
	conn   *grpc.ClientConn
	addr   string
	model  string
	logger *slog.Logger
}

// NewGRPC builds the sidecar backend. No network I/O happens until the
// first call.
func NewGRPC(cfg config.ModelConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPC, error) {
	g := &GRPC{
		addr:   cfg.GRPCAddr,
		model:  cfg.Name,
		logger: logger.With("component", "llm", "provider", config.ProviderGRPC),
	}
	if cfg.GRPCAddr == "" {
		return g, nil
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.GRPCAddr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model sidecar client for %s: %w", cfg.GRPCAddr, err)
	}
	g.conn = conn
	return g, nil
}

// Name implements Backend.
func (g *GRPC) Name() string { return config.ProviderGRPC }

// Generate implements Backend.
func (g *GRPC) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.conn == nil {
		return nil, ErrMissingCredentials
	}

	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{"role": m.Role, "content": m.Content})
	}
	in, err := structpb.NewStruct(map[string]any{
		"model":             g.model,
		"system_prompt":     req.SystemPrompt,
		"message_history":   history,
		"user_message":      req.UserMessage,
		"temperature":       req.Temperature,
		"max_output_tokens": req.MaxOutputTokens,
		"json_mode":         req.JSONMode,
	})
	if err != nil {
		return nil, fmt.Errorf("encode sidecar request: %w", err)
	}

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, generateMethod, in, out); err != nil {
		return nil, fmt.Errorf("model sidecar call: %w", err)
	}

	fields := out.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		g.logger.Warn("model sidecar returned error", "message", msg)
		return nil, fmt.Errorf("%w: %s", ErrUpstream, msg)
	}
	return &Response{
		Text:  fields["text"].GetStringValue(),
		Model: fields["model"].GetStringValue(),
	}, nil
}

// WaitReady blocks until the sidecar connection is ready or ctx ends.
func (g *GRPC) WaitReady(ctx context.Context) error {
	if g.conn == nil {
		return ErrMissingCredentials
	}
	for {
		state := g.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			g.conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}
		if !g.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// Close closes the sidecar connection.
func (g *GRPC) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
