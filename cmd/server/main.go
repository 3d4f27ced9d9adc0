// Farm intake assistant server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/farm-intake/internal/agent"
	"github.com/ashureev/farm-intake/internal/api"
	"github.com/ashureev/farm-intake/internal/chat"
	"github.com/ashureev/farm-intake/internal/config"
	"github.com/ashureev/farm-intake/internal/contextcache"
	"github.com/ashureev/farm-intake/internal/conversation"
	"github.com/ashureev/farm-intake/internal/extraction"
	"github.com/ashureev/farm-intake/internal/formatter"
	"github.com/ashureev/farm-intake/internal/identity"
	"github.com/ashureev/farm-intake/internal/llm"
	"github.com/ashureev/farm-intake/internal/metrics"
	"github.com/ashureev/farm-intake/internal/middleware"
	"github.com/ashureev/farm-intake/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"model_provider", cfg.Model.Provider,
		"strategy", cfg.Strategy,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	m := metrics.New()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			slog.Warn("Failed to close redis client", "error", closeErr)
		}
	}()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("Context cache unreachable, serving context directly from the database", "addr", cfg.Redis.Addr, "error", err)
	} else {
		slog.Info("Context cache connected", "addr", cfg.Redis.Addr)
	}
	cancelPing()
	cache := contextcache.New(rdb, repo, cfg.ContextCacheTTL, logger, m)

	backend, err := llm.New(cfg.Model, logger)
	if err != nil {
		slog.Error("Failed to initialize model backend", "error", err)
		os.Exit(1)
	}
	if closer, ok := backend.(interface{ Close() }); ok {
		defer closer.Close()
	}
	engine := extraction.NewEngine(backend, extraction.Options{
		Strategy:        cfg.Strategy,
		Temperature:     cfg.Model.Temperature,
		MaxOutputTokens: cfg.Model.MaxOutputTokens,
		Timeout:         cfg.Model.Timeout,
		Logger:          logger,
		Metrics:         m,
	})

	sessions, err := conversation.NewStore(cfg.Session.MaxSessions)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	m.RegisterSessionGauge(sessions.Len)

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	intake, err := agent.NewService(agent.Deps{
		Sessions:      sessions,
		Extractor:     engine,
		Registrations: repo,
		Formatter:     formatter.New(nil),
		Context:       cache,
		Metrics:       m,
		Log:           conversationLogger,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("Failed to initialize intake service", "error", err)
		os.Exit(1)
	}
	defer intake.Close()

	limiter := agent.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Initialize handlers.
	intakeHandler := agent.NewHandler(intake, limiter)
	healthHandler := api.NewHealthHandler(repo, cache, 5*time.Second)
	contextHandler := api.NewContextHandler(cache)
	sm := chat.NewSessionManager()
	wsHandler := chat.NewWebSocketHandler(intake, sm, chat.NewPacer(cfg.Delivery, nil), limiter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.AllowedOrigins(cfg.FrontendURL, cfg.IsDevelopment())))

	// Operational routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())
	contextHandler.RegisterRoutes(r)

	// Conversation routes carry client and session identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		intakeHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// WebSocket chat connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start session pruning worker.
	prunerDone := conversation.StartPruner(ctx, sessions, cfg.Session.PruneInterval, cfg.Session.IdleTTL, logger)
	slog.Info("Session pruner started", "idle_ttl", cfg.Session.IdleTTL, "interval", cfg.Session.PruneInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	sm.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-prunerDone

	slog.Info("Server stopped successfully")
}
