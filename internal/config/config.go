// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Model providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
	ProviderGRPC       = "grpc"
)

// DefaultTemperature applies when MODEL_TEMPERATURE is unset.
const DefaultTemperature = 0.2

// Conversation strategies.
const (
	StrategyGuided   = "guided"
	StrategyFreeform = "freeform"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	Redis           RedisConfig
	ContextCacheTTL time.Duration
	Model           ModelConfig
	Strategy        string // StrategyGuided or StrategyFreeform, resolved once at startup
	Session         SessionConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Delivery        DeliveryConfig
}

// RedisConfig points at the context cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ModelConfig selects and parameterizes the language model backend.
type ModelConfig struct {
	Provider          string
	Name              string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	GoogleAPIKey      string
	GRPCAddr          string
	Timeout           time.Duration
	Temperature       float64
	MaxOutputTokens   int
}

// SessionConfig controls in-memory conversation session lifetime.
type SessionConfig struct {
	IdleTTL       time.Duration
	PruneInterval time.Duration
	MaxSessions   int
}

// RateLimitConfig controls per-identity message throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// DeliveryConfig paces chunk delivery on streaming transports.
type DeliveryConfig struct {
	TypingSpeed time.Duration // per character
	ThinkPause  time.Duration
	JitterMax   time.Duration
	MaxDelay    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/intake.db"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ContextCacheTTL: getEnvDuration("CONTEXT_CACHE_TTL", 4*time.Hour),
		Model: ModelConfig{
			Provider:          strings.ToLower(getEnv("MODEL_PROVIDER", ProviderOpenRouter)),
			Name:              getEnv("MODEL_NAME", ""),
			OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
			OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			GoogleAPIKey:      getEnv("GOOGLE_API_KEY", ""),
			GRPCAddr:          getEnv("MODEL_GRPC_ADDR", ""),
			Timeout:           getEnvDuration("MODEL_TIMEOUT", 20*time.Second),
			Temperature:       getEnvFloat("MODEL_TEMPERATURE", DefaultTemperature),
			MaxOutputTokens:   getEnvInt("MODEL_MAX_TOKENS", 500),
		},
		Strategy: strings.ToLower(getEnv("INTAKE_STRATEGY", StrategyGuided)),
		Session: SessionConfig{
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 2*time.Hour),
			PruneInterval: getEnvDuration("SESSION_PRUNE_INTERVAL", 5*time.Minute),
			MaxSessions:   getEnvInt("SESSION_MAX", 10000),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Delivery: DeliveryConfig{
			TypingSpeed: getEnvDuration("TYPING_SPEED", 15*time.Millisecond),
			ThinkPause:  getEnvDuration("THINK_PAUSE", 500*time.Millisecond),
			JitterMax:   getEnvDuration("JITTER_MAX", 25*time.Millisecond),
			MaxDelay:    getEnvDuration("DELIVERY_MAX_DELAY", 3*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
// Model credentials are checked per call by the extraction engine.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ContextCacheTTL <= 0 {
		return fmt.Errorf("CONTEXT_CACHE_TTL must be > 0")
	}
	switch c.Model.Provider {
	case ProviderOpenRouter, ProviderGemini, ProviderGRPC:
	default:
		return fmt.Errorf("MODEL_PROVIDER %q is not supported", c.Model.Provider)
	}
	if c.Model.Timeout < 10*time.Second || c.Model.Timeout > 30*time.Second {
		return fmt.Errorf("MODEL_TIMEOUT must be between 10s and 30s, got %s", c.Model.Timeout)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("MODEL_TEMPERATURE must be between 0 and 2, got %g", c.Model.Temperature)
	}
	if c.Model.MaxOutputTokens <= 0 {
		return fmt.Errorf("MODEL_MAX_TOKENS must be > 0")
	}
	switch c.Strategy {
	case StrategyGuided, StrategyFreeform:
	default:
		return fmt.Errorf("INTAKE_STRATEGY %q is not supported", c.Strategy)
	}
	if c.Session.IdleTTL <= 0 || c.Session.PruneInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SESSION_PRUNE_INTERVAL must be > 0")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("SESSION_MAX must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
