package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", ProviderOpenRouter)
	t.Setenv("INTAKE_STRATEGY", StrategyGuided)
	t.Setenv("MODEL_TIMEOUT", "20s")
	t.Setenv("CONTEXT_CACHE_TTL", "4h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ContextCacheTTL != 4*time.Hour {
		t.Errorf("expected 4h cache TTL, got %s", cfg.ContextCacheTTL)
	}
	if cfg.Model.Timeout != 20*time.Second {
		t.Errorf("expected 20s model timeout, got %s", cfg.Model.Timeout)
	}
	if cfg.Strategy != StrategyGuided {
		t.Errorf("expected guided strategy, got %q", cfg.Strategy)
	}
}

func TestLoadRejectsOutOfRangeTimeout(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", ProviderGemini)
	t.Setenv("INTAKE_STRATEGY", StrategyFreeform)
	t.Setenv("MODEL_TIMEOUT", "90s")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "MODEL_TIMEOUT") {
		t.Fatalf("expected MODEL_TIMEOUT validation error, got %v", err)
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", ProviderGRPC)
	t.Setenv("INTAKE_STRATEGY", "autodetect")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestLoadTemperature(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", ProviderOpenRouter)
	t.Setenv("INTAKE_STRATEGY", StrategyGuided)
	t.Setenv("MODEL_TIMEOUT", "20s")

	t.Setenv("MODEL_TEMPERATURE", "")
	if err := os.Unsetenv("MODEL_TEMPERATURE"); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Model.Temperature != DefaultTemperature {
		t.Errorf("expected default temperature %g, got %g", DefaultTemperature, cfg.Model.Temperature)
	}

	t.Setenv("MODEL_TEMPERATURE", "0")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Model.Temperature != 0 {
		t.Errorf("expected temperature 0 to be kept, got %g", cfg.Model.Temperature)
	}

	t.Setenv("MODEL_TEMPERATURE", "3.5")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "MODEL_TEMPERATURE") {
		t.Fatalf("expected MODEL_TEMPERATURE validation error, got %v", err)
	}
}

func TestGetEnvDurationFallsBack(t *testing.T) {
	t.Setenv("SESSION_IDLE_TTL", "not-a-duration")
	if got := getEnvDuration("SESSION_IDLE_TTL", time.Minute); got != time.Minute {
		t.Errorf("expected fallback, got %s", got)
	}
}
