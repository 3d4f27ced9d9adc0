package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports the state of the server's dependencies.
type HealthHandler struct {
	db      Pinger
	cache   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler. cache may be nil.
func NewHealthHandler(db, cache Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, cache: cache, timeout: timeout}
}

// Health returns the health status of the API and its dependencies. The
// database is required; an unreachable cache only degrades the service.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			slog.Warn("Health check degraded", "dependency", "context_cache", "error", err)
			checks["context_cache"] = "unreachable"
			if statusCode == http.StatusOK {
				status = "degraded"
			}
		} else {
			checks["context_cache"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

// RegisterHealth registers the detailed health route. The plain liveness
// check at /health is served by the heartbeat middleware.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
